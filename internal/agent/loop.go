// Package agent implements the core agent loop: dispatch with per-session
// FIFO and a global concurrency cap, the LLM-tool iteration, context
// assembly and history compaction.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/LoomClaw/LoomClaw/internal/bus"
	"github.com/LoomClaw/LoomClaw/internal/config"
	"github.com/LoomClaw/LoomClaw/internal/identity"
	"github.com/LoomClaw/LoomClaw/internal/memory"
	"github.com/LoomClaw/LoomClaw/internal/provider"
	"github.com/LoomClaw/LoomClaw/internal/scheduler"
	"github.com/LoomClaw/LoomClaw/internal/session"
	"github.com/LoomClaw/LoomClaw/internal/skills"
	"github.com/LoomClaw/LoomClaw/internal/space"
	"github.com/LoomClaw/LoomClaw/internal/tools"
)

// subagentDeniedTools are never exposed to background runs.
var subagentDeniedTools = []string{"spawn_subagent", "subagent_status", "send_message"}

// turnHandle is one turn's cancellation token.
type turnHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// sessionQueue serialises turns for one session. tail is closed when the
// last enqueued turn settles; handles covers queued and in-flight turns.
type sessionQueue struct {
	tail    chan struct{}
	handles map[*turnHandle]struct{}
}

// Options wires the loop's collaborators. Everything is injected; the loop
// holds no process-wide state.
type Options struct {
	Bus       *bus.MessageBus
	Provider  provider.LLMProvider
	Sessions  *session.Store
	Users     *identity.Service
	Spaces    *space.Service
	Memory    *memory.Service
	Scheduler *scheduler.Scheduler
	Skills    []skills.Skill
	Config    *config.Config
}

// Loop is the central orchestrator.
type Loop struct {
	bus       *bus.MessageBus
	provider  provider.LLMProvider
	sessions  *session.Store
	users     *identity.Service
	spaces    *space.Service
	memory    *memory.Service
	scheduler *scheduler.Scheduler
	skills    []skills.Skill
	registry  *tools.Registry
	subagents *SubagentManager
	cfg       *config.Config

	sem     chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

// NewLoop creates the agent loop, its tool registry and its subagent
// manager, and installs the bus cancellation hook.
func NewLoop(opts Options) *Loop {
	cfg := opts.Config
	baseCtx, stop := context.WithCancel(context.Background())
	loop := &Loop{
		bus:       opts.Bus,
		provider:  opts.Provider,
		sessions:  opts.Sessions,
		users:     opts.Users,
		spaces:    opts.Spaces,
		memory:    opts.Memory,
		scheduler: opts.Scheduler,
		skills:    opts.Skills,
		registry:  tools.NewRegistry(),
		cfg:       cfg,
		sem:       make(chan struct{}, cfg.Agent.MaxConcurrentMessages),
		baseCtx:   baseCtx,
		stop:      stop,
		queues:    make(map[string]*sessionQueue),
	}

	loop.registerDefaultTools()

	loop.subagents = NewSubagentManager(SubagentOptions{
		Bus:           opts.Bus,
		Provider:      opts.Provider,
		Registry:      loop.registry.Filtered(subagentDeniedTools),
		WorkspaceFor:  opts.Sessions.Workspace,
		Model:         cfg.Model.Name,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
		MaxConcurrent: cfg.Subagents.MaxConcurrent,
		MaxIterations: cfg.Subagents.MaxIterations,
		Timeout:       cfg.Subagents.Timeout,
	})
	// The spawn tools need the manager; register them after it exists.
	loop.registry.Register(tools.NewSpawnSubagentTool(loop.subagents))
	loop.registry.Register(tools.NewSubagentStatusTool(loop.subagents))

	opts.Bus.OnSessionCancel(loop.cancelSession)
	return loop
}

func (l *Loop) registerDefaultTools() {
	l.registry.Register(tools.NewExecTool(0))
	l.registry.Register(tools.NewReadFileTool())
	l.registry.Register(tools.NewWriteFileTool())
	l.registry.Register(tools.NewEditFileTool())
	l.registry.Register(tools.NewListDirTool())
	l.registry.Register(tools.NewHTTPFetchTool())
	l.registry.Register(tools.NewDatetimeTool())
	if l.scheduler != nil {
		l.registry.Register(tools.NewSchedulerTool(l.scheduler))
	}
	if l.memory != nil {
		l.registry.Register(tools.NewMemoryTool(l.memory))
	}
	l.registry.Register(tools.NewSendMessageTool(l.sessions, l.bus))
}

// Registry exposes the tool registry for dynamic (e.g. MCP-discovered)
// registrations.
func (l *Loop) Registry() *tools.Registry { return l.registry }

// Run consumes the bus until it closes or the context is cancelled.
// The dispatcher is the only goroutine that installs turns in the queue
// table; settled turns remove their own entries under the same mutex.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("Agent loop started", "max_concurrent", cap(l.sem))
	for {
		msg, err := l.bus.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Error("Inbound consume failed", "error", err)
			continue
		}

		// Intercept /stop before queueing: chained behind the turn it is
		// meant to cancel it could never take effect.
		if strings.TrimSpace(msg.Text) == "/stop" {
			l.cancelSession(msg.SessionID)
			l.publishReply(msg, "Stopping. Any in-flight work for this conversation is being cancelled.")
			continue
		}
		l.dispatch(msg)
	}
}

// Shutdown cancels every active turn, awaits all chains, and stops the
// subagent manager.
func (l *Loop) Shutdown() {
	l.stop()
	l.wg.Wait()
	l.subagents.StopAll()
	slog.Info("Agent loop stopped")
}

// dispatch installs the turn behind its session's tail. The observe/install
// step happens synchronously with arrival, so two near-simultaneous
// messages for one session are guaranteed ordered.
func (l *Loop) dispatch(msg *bus.InboundMessage) {
	handle := &turnHandle{}
	handle.ctx, handle.cancel = context.WithCancel(l.baseCtx)

	l.mu.Lock()
	q, ok := l.queues[msg.SessionID]
	if !ok {
		q = &sessionQueue{handles: make(map[*turnHandle]struct{})}
		l.queues[msg.SessionID] = q
	}
	predecessor := q.tail
	done := make(chan struct{})
	q.tail = done
	q.handles[handle] = struct{}{}
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(done)
		defer l.releaseTurn(msg.SessionID, q, handle, done)

		if predecessor != nil {
			select {
			case <-predecessor:
			case <-handle.ctx.Done():
				// Still wait our turn so replies stay ordered; the turn
				// itself will observe cancellation immediately.
				<-predecessor
			}
		}
		l.runTurn(handle.ctx, msg)
	}()
}

// releaseTurn removes the handle and drops the queue entry once idle.
func (l *Loop) releaseTurn(sessionID string, q *sessionQueue, handle *turnHandle, done chan struct{}) {
	handle.cancel()
	l.mu.Lock()
	delete(q.handles, handle)
	if q.tail == done && len(q.handles) == 0 {
		delete(l.queues, sessionID)
	}
	l.mu.Unlock()
}

// cancelSession aborts every queued and in-flight turn of the session, and
// every subagent it originated. Invoked via the bus hook.
func (l *Loop) cancelSession(sessionID string) {
	l.mu.Lock()
	var handles []*turnHandle
	if q, ok := l.queues[sessionID]; ok {
		for h := range q.handles {
			handles = append(handles, h)
		}
	}
	l.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	if n := l.subagents.CancelBySession(sessionID); n > 0 {
		slog.Info("Subagents cancelled with session", "session", sessionID, "count", n)
	}
	if len(handles) > 0 {
		slog.Info("Session cancelled", "session", sessionID, "turns", len(handles))
	}
}

// runTurn gates the turn on the global semaphore and runs the pipeline,
// catching every error at the top.
func (l *Loop) runTurn(ctx context.Context, msg *bus.InboundMessage) {
	// Checkpoint 1: before acquiring the semaphore. Queued turns cancelled
	// here stay silent.
	if ctx.Err() != nil {
		return
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-l.sem }()

	// Checkpoint 2: after acquiring.
	if ctx.Err() != nil {
		return
	}

	reply, err := l.processTurn(ctx, msg)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// In-flight cancellation acknowledges once.
		l.publishReply(msg, "[Session cancelled]")
	case errors.Is(err, ErrIterationLimit):
		l.publishReply(msg, "❌ I hit the iteration limit for this request. Please try a simpler request.")
	case err != nil:
		slog.Error("Turn failed", "session", msg.SessionID, "error", err)
		l.publishReply(msg, fmt.Sprintf("❌ %s", shortReason(err)))
	case reply != "":
		l.publishReply(msg, reply)
	}
}

func (l *Loop) publishReply(msg *bus.InboundMessage, text string) {
	l.bus.PublishOutbound(&bus.OutboundMessage{
		Channel:   msg.Channel,
		SessionID: msg.SessionID,
		Text:      text,
	})
}

// shortReason trims an error chain to a user-presentable line.
func shortReason(err error) string {
	reason := err.Error()
	if i := strings.IndexByte(reason, '\n'); i > 0 {
		reason = reason[:i]
	}
	if len(reason) > 200 {
		reason = reason[:200]
	}
	return reason
}

// processTurn is the per-turn pipeline: session, identity, command or LLM
// iteration, persistence.
func (l *Loop) processTurn(ctx context.Context, msg *bus.InboundMessage) (string, error) {
	if _, err := l.sessions.GetOrCreate(msg.SessionID, msg.Channel); err != nil {
		return "", err
	}

	userID := l.bindUser(msg)

	if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		l.handleCommand(msg, userID)
		return "", nil
	}

	userMsg := &session.ChatMessage{
		Role:    session.RoleUser,
		Content: msg.Text,
	}
	if msg.Sender == bus.SenderScheduler {
		userMsg.Metadata = map[string]string{bus.MetaKeySource: "scheduler"}
	}
	if err := l.sessions.AddMessage(msg.SessionID, userMsg); err != nil {
		return "", err
	}

	history, err := l.sessions.History(msg.SessionID, l.cfg.Agent.MemoryWindow)
	if err != nil {
		return "", err
	}

	systemPrompt := l.systemPromptFor(userID)
	reply, err := l.runIteration(ctx, msg, history, systemPrompt, userID)
	if err != nil {
		return "", err
	}

	go l.maybeCompact(msg.SessionID)
	return reply, nil
}

// bindUser resolves the turn's user identity. Scheduler-originated
// messages restore the creator; everything else resolves or creates a user
// keyed by (channel, sender).
func (l *Loop) bindUser(msg *bus.InboundMessage) string {
	if msg.Sender == bus.SenderScheduler {
		creator := msg.MetaString(bus.MetaKeyCreatorUserID)
		if creator == "" && l.scheduler != nil {
			creator = l.scheduler.CreatorUserID(msg.MetaString(bus.MetaKeyScheduledTaskID))
		}
		if creator != "" {
			l.sessions.SetSessionUser(msg.SessionID, creator)
		}
		return creator
	}
	if msg.Sender == bus.SenderSubagent {
		// Announcements keep whatever user the session already has.
		return l.sessions.SessionUser(msg.SessionID)
	}
	if l.users == nil {
		return ""
	}
	user, err := l.users.ResolveOrCreate(msg.Channel, msg.Sender, msg.MetaString(bus.MetaKeyDisplayName))
	if err != nil {
		slog.Warn("User resolution failed", "channel", msg.Channel, "sender", msg.Sender, "error", err)
		return ""
	}
	l.sessions.SetSessionUser(msg.SessionID, user.ID)
	return user.ID
}

func (l *Loop) systemPromptFor(userID string) string {
	memoryBlock := ""
	if l.memory != nil && userID != "" {
		memoryBlock = l.memory.PromptBlock(userID)
	}
	spaceContext := ""
	if l.spaces != nil && userID != "" {
		spaceContext = l.spaces.ContextFor(userID)
	}
	return buildSystemPrompt(l.cfg.Agent.SystemPrompt, memoryBlock, l.skills, spaceContext)
}

// runIteration drives the LLM-tool loop for one turn.
func (l *Loop) runIteration(ctx context.Context, msg *bus.InboundMessage, history []session.ChatMessage, systemPrompt, userID string) (string, error) {
	messages := toProviderMessages(history)
	toolDefs := l.registry.Definitions()
	tc := &tools.Context{
		SessionID:    msg.SessionID,
		WorkspaceDir: l.sessions.Workspace(msg.SessionID),
		Channel:      msg.Channel,
		UserID:       userID,
	}

	for i := 0; i < l.cfg.Agent.MaxIterations; i++ {
		l.publishProgress(msg, &bus.ProgressMessage{Step: bus.StepThinking, Iteration: i})

		// Checkpoint 3: before the LLM call.
		if ctx.Err() != nil {
			return "", context.Canceled
		}
		resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
			Messages:     messages,
			Tools:        toolDefs,
			Model:        l.cfg.Model.Name,
			MaxTokens:    l.cfg.Model.MaxTokens,
			Temperature:  l.cfg.Model.Temperature,
			SystemPrompt: systemPrompt,
		})
		// Checkpoint 4: after the LLM call.
		if ctx.Err() != nil {
			return "", context.Canceled
		}
		if err != nil {
			return "", fmt.Errorf("LLM call failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			final := &session.ChatMessage{Role: session.RoleAssistant, Content: resp.Content}
			if err := l.sessions.AddMessage(msg.SessionID, final); err != nil {
				return "", err
			}
			return resp.Content, nil
		}

		if strings.TrimSpace(resp.Content) != "" {
			l.publishProgress(msg, &bus.ProgressMessage{
				Step:      bus.StepLLMResponse,
				Iteration: i,
				Text:      resp.Content,
			})
		}

		assistant := &session.ChatMessage{
			Role:      session.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: toSessionToolCalls(resp.ToolCalls),
		}
		if err := l.sessions.AddMessage(msg.SessionID, assistant); err != nil {
			return "", err
		}
		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			// Checkpoint 5: before each tool call.
			if ctx.Err() != nil {
				return "", context.Canceled
			}
			l.publishProgress(msg, &bus.ProgressMessage{
				Step:      bus.StepToolCall,
				Iteration: i,
				ToolName:  call.Name,
				ToolArgs:  call.Arguments,
			})

			result, execErr := l.registry.Execute(ctx, call.Name, call.Arguments, tc)
			if execErr != nil {
				// Tool failures go back to the model as text so it can
				// correct course.
				result = fmt.Sprintf("Error: %v", execErr)
			}
			l.publishProgress(msg, &bus.ProgressMessage{
				Step:      bus.StepToolResult,
				Iteration: i,
				ToolName:  call.Name,
				Text:      result,
				IsError:   execErr != nil,
			})

			toolMsg := &session.ChatMessage{
				Role:       session.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}
			if err := l.sessions.AddMessage(msg.SessionID, toolMsg); err != nil {
				return "", err
			}
			messages = append(messages, provider.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return "", ErrIterationLimit
}

func (l *Loop) publishProgress(msg *bus.InboundMessage, progress *bus.ProgressMessage) {
	progress.Channel = msg.Channel
	progress.SessionID = msg.SessionID
	l.bus.PublishProgress(progress)
}

// toProviderMessages converts the session view into provider wire messages.
func toProviderMessages(history []session.ChatMessage) []provider.Message {
	out := make([]provider.Message, len(history))
	for i, m := range history {
		out[i] = provider.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, provider.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
	}
	return out
}

func toSessionToolCalls(calls []provider.ToolCall) []session.ToolCall {
	out := make([]session.ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = session.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}
	return out
}
