package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LoomClaw/LoomClaw/internal/bus"
	"github.com/LoomClaw/LoomClaw/internal/provider"
	"github.com/LoomClaw/LoomClaw/internal/tools"
)

// Subagent run states.
const (
	subagentRunning   = "running"
	subagentCompleted = "completed"
	subagentFailed    = "failed"
	subagentCancelled = "cancelled"
)

// completedGracePeriod keeps finished runs queryable before GC.
const completedGracePeriod = 60 * time.Second

type subagentRun struct {
	ID          string
	Session     string
	Channel     string
	Label       string
	Task        string
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// SubagentOptions configures the manager.
type SubagentOptions struct {
	Bus           *bus.MessageBus
	Provider      provider.LLMProvider
	Registry      *tools.Registry // already filtered for subagent use
	WorkspaceFor  func(sessionID string) string
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxConcurrent int
	MaxIterations int
	Timeout       time.Duration
}

// SubagentManager owns background agent runs: spawn-and-forget tasks that
// share the provider and a restricted toolset, and announce their result
// back to the origin session through the bus.
type SubagentManager struct {
	opts      SubagentOptions
	mu        sync.Mutex
	runs      map[string]*subagentRun
	bySession map[string][]string
	wg        sync.WaitGroup
	stopped   bool
}

// NewSubagentManager creates a subagent manager.
func NewSubagentManager(opts SubagentOptions) *SubagentManager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	return &SubagentManager{
		opts:      opts,
		runs:      make(map[string]*subagentRun),
		bySession: make(map[string][]string),
	}
}

// Spawn starts a background run and returns its id immediately.
func (m *SubagentManager) Spawn(ctx context.Context, req tools.SpawnRequest) (string, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", fmt.Errorf("subagent: manager stopped")
	}
	active := 0
	for _, run := range m.runs {
		if run.Status == subagentRunning {
			active++
		}
	}
	if active >= m.opts.MaxConcurrent {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d/%d running", ErrCapacityExceeded, active, m.opts.MaxConcurrent)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &subagentRun{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Session:   req.OriginSession,
		Channel:   req.OriginChannel,
		Label:     req.Label,
		Task:      req.Task,
		Status:    subagentRunning,
		CreatedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.runs[run.ID] = run
	m.bySession[run.Session] = append(m.bySession[run.Session], run.ID)
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("Subagent spawned", "id", run.ID, "session", run.Session, "label", run.Label)
	go m.execute(runCtx, run)
	return run.ID, nil
}

// execute drives the reduced loop and the completion announcement.
func (m *SubagentManager) execute(ctx context.Context, run *subagentRun) {
	defer m.wg.Done()
	defer close(run.done)

	runCtx, cancelTimeout := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancelTimeout()

	result, err := m.runReducedLoop(runCtx, run)

	now := time.Now()
	m.mu.Lock()
	run.CompletedAt = &now
	switch {
	case ctx.Err() != nil:
		// Explicit cancellation: stay silent.
		run.Status = subagentCancelled
	case err != nil:
		run.Status = subagentFailed
	default:
		run.Status = subagentCompleted
	}
	status := run.Status
	m.mu.Unlock()

	time.AfterFunc(completedGracePeriod, func() { m.gc(run.ID) })

	if status == subagentCancelled {
		slog.Info("Subagent cancelled", "id", run.ID)
		return
	}

	body := result
	outcome := "completed successfully"
	if status == subagentFailed {
		outcome = "failed"
		body = err.Error()
	}
	slog.Info("Subagent finished", "id", run.ID, "status", status)

	m.opts.Bus.PublishInbound(&bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   run.Channel,
		SessionID: run.Session,
		Sender:    bus.SenderSubagent,
		Text: fmt.Sprintf(`[Subagent '%s' %s]

Task: %s

Result:
%s

Summarize this naturally for the user. Keep it brief (1-2 sentences).
Do not mention technical details like "subagent" or task IDs.`,
			run.Label, outcome, run.Task, body),
		Timestamp: now,
	})
}

// runReducedLoop is the subagent's LLM-tool iteration: fixed system prompt,
// task as the only user message, restricted registry, lower ceiling.
// Cancellation is checked before and after each LLM call and before each
// tool invocation.
func (m *SubagentManager) runReducedLoop(ctx context.Context, run *subagentRun) (string, error) {
	messages := []provider.Message{{Role: "user", Content: run.Task}}
	toolDefs := m.opts.Registry.Definitions()

	workspace := ""
	if m.opts.WorkspaceFor != nil {
		workspace = m.opts.WorkspaceFor(run.Session)
	}
	tc := &tools.Context{
		SessionID:    run.Session,
		WorkspaceDir: workspace,
		Channel:      run.Channel,
	}

	for i := 0; i < m.opts.MaxIterations; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		resp, err := m.opts.Provider.Chat(ctx, &provider.ChatRequest{
			Messages:     messages,
			Tools:        toolDefs,
			Model:        m.opts.Model,
			MaxTokens:    m.opts.MaxTokens,
			Temperature:  m.opts.Temperature,
			SystemPrompt: subagentSystemPrompt,
		})
		if err != nil {
			return "", fmt.Errorf("LLM call failed: %w", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc2 := range resp.ToolCalls {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			result, err := m.opts.Registry.Execute(ctx, tc2.Name, tc2.Arguments, tc)
			if err != nil {
				result = fmt.Sprintf("Error: %v", err)
			}
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc2.ID,
			})
		}
	}
	return "", ErrIterationLimit
}

// gc removes a settled run from the indexes.
func (m *SubagentManager) gc(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status == subagentRunning {
		return
	}
	delete(m.runs, runID)
	ids := m.bySession[run.Session]
	for i, id := range ids {
		if id == runID {
			m.bySession[run.Session] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.bySession[run.Session]) == 0 {
		delete(m.bySession, run.Session)
	}
}

// CancelBySession cancels every running subagent originated from the
// session. Returns the number cancelled.
func (m *SubagentManager) CancelBySession(sessionID string) int {
	m.mu.Lock()
	var cancelled []*subagentRun
	for _, id := range m.bySession[sessionID] {
		if run, ok := m.runs[id]; ok && run.Status == subagentRunning {
			cancelled = append(cancelled, run)
		}
	}
	m.mu.Unlock()
	for _, run := range cancelled {
		run.cancel()
	}
	return len(cancelled)
}

// CancelByID cancels one run. Reports whether it was running.
func (m *SubagentManager) CancelByID(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	running := ok && run.Status == subagentRunning
	m.mu.Unlock()
	if running {
		run.cancel()
	}
	return running
}

// ListBySession implements tools.SubagentRunner.
func (m *SubagentManager) ListBySession(sessionID string) []tools.SubagentView {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []tools.SubagentView
	for _, id := range m.bySession[sessionID] {
		if run, ok := m.runs[id]; ok {
			out = append(out, tools.SubagentView{
				ID:        run.ID,
				Label:     run.Label,
				Status:    run.Status,
				CreatedAt: run.CreatedAt,
			})
		}
	}
	return out
}

// StopAll cancels every run and awaits settlement.
func (m *SubagentManager) StopAll() {
	m.mu.Lock()
	m.stopped = true
	var active []*subagentRun
	for _, run := range m.runs {
		if run.Status == subagentRunning {
			active = append(active, run)
		}
	}
	m.mu.Unlock()
	for _, run := range active {
		run.cancel()
	}
	m.wg.Wait()
}
