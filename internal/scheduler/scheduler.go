package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LoomClaw/LoomClaw/internal/bus"
)

// Errors surfaced to the tool layer.
var (
	ErrInvalidCron   = errors.New("scheduler: invalid cron expression")
	ErrQuotaExceeded = errors.New("scheduler: per-session task quota exceeded")
	ErrTaskNotFound  = errors.New("scheduler: task not found")
)

// Task is a persisted cron-triggered prompt bound to a session. Missed
// fires during downtime are not replayed; the next natural fire is honoured.
type Task struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Channel       string     `json:"channel"`
	CronExpr      string     `json:"cron_expression"`
	Description   string     `json:"description"`
	Prompt        string     `json:"task_prompt"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	RunCount      int        `json:"run_count"`
	CreatorUserID string     `json:"creator_user_id,omitempty"`
}

// TaskInfo is a Task plus its next computed trigger time.
type TaskInfo struct {
	Task
	NextRunAt time.Time `json:"next_run_at"`
}

// TaskStore is the narrow persistence contract for scheduled tasks.
type TaskStore interface {
	LoadScheduledTasks() ([]Task, error)
	SaveScheduledTask(*Task) error
	DeleteScheduledTask(taskID string) error
}

// Config holds scheduler settings.
type Config struct {
	TickInterval       time.Duration `json:"tickInterval"`
	MaxTasksPerSession int           `json:"maxTasksPerSession" envconfig:"SCHEDULER_MAX_TASKS_PER_SESSION"`
}

// DefaultConfig returns sensible scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Minute,
		MaxTasksPerSession: 10,
	}
}

// AddTaskRequest carries the fields a caller supplies for a new task.
type AddTaskRequest struct {
	SessionID     string
	Channel       string
	CronExpr      string
	Description   string
	Prompt        string
	CreatorUserID string
}

type boundTask struct {
	task     Task
	schedule *Schedule
	lastFire time.Time
}

// Scheduler owns ScheduledTask state: load at start, CRUD via tools, tick
// dispatch of synthetic inbound messages with restored creator identity.
type Scheduler struct {
	cfg     Config
	bus     *bus.MessageBus
	store   TaskStore
	mu      sync.Mutex
	tasks   map[string]*boundTask
	runDone chan struct{}
	now     func() time.Time
}

// New creates a Scheduler.
func New(cfg Config, b *bus.MessageBus, store TaskStore) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxTasksPerSession <= 0 {
		cfg.MaxTasksPerSession = DefaultConfig().MaxTasksPerSession
	}
	return &Scheduler{
		cfg:   cfg,
		bus:   b,
		store: store,
		tasks: make(map[string]*boundTask),
		now:   time.Now,
	}
}

// Start loads persisted tasks and rebinds every enabled one.
func (s *Scheduler) Start() error {
	tasks, err := s.store.LoadScheduledTasks()
	if err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		schedule, err := ParseSchedule(t.CronExpr)
		if err != nil {
			slog.Warn("Skipping persisted task with invalid cron", "task", t.ID, "error", err)
			continue
		}
		task := t
		s.tasks[t.ID] = &boundTask{task: task, schedule: schedule}
	}
	slog.Info("Scheduler started", "tasks", len(s.tasks))
	return nil
}

// Run drives the tick loop. Blocks until the context is cancelled.
// Stop can be used to join the loop after cancelling the context.
func (s *Scheduler) Run(ctx context.Context) error {
	done := make(chan struct{})
	s.mu.Lock()
	s.runDone = done
	s.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// Stop blocks until a started Run loop has returned, so no tick can reach
// the task store afterwards. A scheduler whose Run was never started stops
// immediately. The caller must cancel Run's context first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// tick fires every enabled task whose schedule matches the current minute.
func (s *Scheduler) tick(now time.Time) {
	minute := now.Truncate(time.Minute)
	s.mu.Lock()
	var due []*boundTask
	for _, bt := range s.tasks {
		if !bt.task.Enabled || !bt.schedule.Matches(now) {
			continue
		}
		if bt.lastFire.Equal(minute) {
			continue
		}
		bt.lastFire = minute
		due = append(due, bt)
	}
	s.mu.Unlock()

	for _, bt := range due {
		s.fire(bt, now)
	}
}

// fire publishes the synthetic inbound message and records the run.
// Run bookkeeping persistence is best-effort.
func (s *Scheduler) fire(bt *boundTask, now time.Time) {
	s.mu.Lock()
	bt.task.LastRunAt = &now
	bt.task.RunCount++
	task := bt.task
	s.mu.Unlock()

	if err := s.store.SaveScheduledTask(&task); err != nil {
		slog.Warn("Scheduled task run bookkeeping failed", "task", task.ID, "error", err)
	}

	slog.Info("Scheduled task fired", "task", task.ID, "session", task.SessionID)
	s.bus.PublishInbound(&bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   task.Channel,
		SessionID: task.SessionID,
		Sender:    bus.SenderScheduler,
		Text:      fmt.Sprintf("[Scheduled task: %s]\n%s", task.Description, task.Prompt),
		Timestamp: now,
		Metadata: map[string]any{
			bus.MetaKeyScheduledTaskID: task.ID,
			bus.MetaKeyCreatorUserID:   task.CreatorUserID,
		},
	})
}

// AddTask validates, persists and binds a new task, returning it with the
// next computed trigger time.
func (s *Scheduler) AddTask(req AddTaskRequest) (*TaskInfo, error) {
	schedule, err := ParseSchedule(req.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := 0
	for _, bt := range s.tasks {
		if bt.task.SessionID == req.SessionID && bt.task.Enabled {
			enabled++
		}
	}
	if enabled >= s.cfg.MaxTasksPerSession {
		return nil, fmt.Errorf("%w: %d/%d enabled for session", ErrQuotaExceeded, enabled, s.cfg.MaxTasksPerSession)
	}

	task := Task{
		ID:            shortID(),
		SessionID:     req.SessionID,
		Channel:       req.Channel,
		CronExpr:      req.CronExpr,
		Description:   strings.TrimSpace(req.Description),
		Prompt:        req.Prompt,
		Enabled:       true,
		CreatedAt:     s.now(),
		CreatorUserID: req.CreatorUserID,
	}
	if err := s.store.SaveScheduledTask(&task); err != nil {
		return nil, fmt.Errorf("persist scheduled task: %w", err)
	}
	s.tasks[task.ID] = &boundTask{task: task, schedule: schedule}
	slog.Info("Scheduled task added", "task", task.ID, "session", task.SessionID, "cron", task.CronExpr)
	return &TaskInfo{Task: task, NextRunAt: schedule.Next(s.now())}, nil
}

// RemoveTask unschedules and deletes a task. Scope-guarded: the task must
// belong to the requesting session.
func (s *Scheduler) RemoveTask(taskID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bt, ok := s.tasks[taskID]
	if !ok || bt.task.SessionID != sessionID {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := s.store.DeleteScheduledTask(taskID); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	delete(s.tasks, taskID)
	return nil
}

// SetTaskEnabled starts or stops the cron binding. Idempotent.
func (s *Scheduler) SetTaskEnabled(taskID, sessionID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bt, ok := s.tasks[taskID]
	if !ok || bt.task.SessionID != sessionID {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if bt.task.Enabled == enabled {
		return nil
	}
	bt.task.Enabled = enabled
	task := bt.task
	if err := s.store.SaveScheduledTask(&task); err != nil {
		return fmt.Errorf("persist scheduled task: %w", err)
	}
	return nil
}

// TasksBySession returns all tasks bound to a session.
func (s *Scheduler) TasksBySession(sessionID string) []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []TaskInfo
	for _, bt := range s.tasks {
		if bt.task.SessionID == sessionID {
			out = append(out, TaskInfo{Task: bt.task, NextRunAt: bt.schedule.Next(now)})
		}
	}
	return out
}

// TaskInfo returns one task with its next fire time.
func (s *Scheduler) TaskInfo(taskID string) (*TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bt, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return &TaskInfo{Task: bt.task, NextRunAt: bt.schedule.Next(s.now())}, nil
}

// CreatorUserID returns the persisted creator of a task, for identity
// restoration when the loop sees a scheduler-originated message.
func (s *Scheduler) CreatorUserID(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bt, ok := s.tasks[taskID]; ok {
		return bt.task.CreatorUserID
	}
	return ""
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
