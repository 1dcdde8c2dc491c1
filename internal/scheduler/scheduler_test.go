package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LoomClaw/LoomClaw/internal/bus"
)

type memTaskStore struct {
	tasks map[string]Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]Task)}
}

func (m *memTaskStore) LoadScheduledTasks() ([]Task, error) {
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (m *memTaskStore) SaveScheduledTask(t *Task) error {
	m.tasks[t.ID] = *t
	return nil
}

func (m *memTaskStore) DeleteScheduledTask(id string) error {
	delete(m.tasks, id)
	return nil
}

func TestAddTaskReturnsNextFire(t *testing.T) {
	s := New(DefaultConfig(), bus.NewMessageBus(), newMemTaskStore())
	info, err := s.AddTask(AddTaskRequest{
		SessionID:   "s1",
		Channel:     "web",
		CronExpr:    "0 * * * *",
		Description: "hourly heartbeat",
		Prompt:      "send a heartbeat",
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.ID == "" || !info.Enabled {
		t.Errorf("task = %+v, want enabled with id", info.Task)
	}
	if info.NextRunAt.IsZero() {
		t.Error("expected computed next fire time")
	}
	if info.NextRunAt.Minute() != 0 {
		t.Errorf("next fire minute = %d, want 0", info.NextRunAt.Minute())
	}
}

func TestAddTaskInvalidCron(t *testing.T) {
	s := New(DefaultConfig(), bus.NewMessageBus(), newMemTaskStore())
	_, err := s.AddTask(AddTaskRequest{SessionID: "s1", CronExpr: "not a cron"})
	if !errors.Is(err, ErrInvalidCron) {
		t.Errorf("err = %v, want ErrInvalidCron", err)
	}
}

func TestAddTaskQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTasksPerSession = 2
	s := New(cfg, bus.NewMessageBus(), newMemTaskStore())

	for i := 0; i < 2; i++ {
		if _, err := s.AddTask(AddTaskRequest{SessionID: "s1", CronExpr: "* * * * *"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.AddTask(AddTaskRequest{SessionID: "s1", CronExpr: "* * * * *"}); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
	// Other sessions are unaffected.
	if _, err := s.AddTask(AddTaskRequest{SessionID: "s2", CronExpr: "* * * * *"}); err != nil {
		t.Errorf("other session rejected: %v", err)
	}
	// Disabling a task frees the quota slot.
	tasks := s.TasksBySession("s1")
	if err := s.SetTaskEnabled(tasks[0].ID, "s1", false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddTask(AddTaskRequest{SessionID: "s1", CronExpr: "* * * * *"}); err != nil {
		t.Errorf("quota should count enabled tasks only: %v", err)
	}
}

func TestRemoveTaskScopeGuard(t *testing.T) {
	s := New(DefaultConfig(), bus.NewMessageBus(), newMemTaskStore())
	info, err := s.AddTask(AddTaskRequest{SessionID: "s1", CronExpr: "* * * * *"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveTask(info.ID, "someone-else"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("cross-session removal: err = %v, want ErrTaskNotFound", err)
	}
	if err := s.RemoveTask(info.ID, "s1"); err != nil {
		t.Errorf("owner removal failed: %v", err)
	}
}

func TestSetTaskEnabledIdempotent(t *testing.T) {
	s := New(DefaultConfig(), bus.NewMessageBus(), newMemTaskStore())
	info, _ := s.AddTask(AddTaskRequest{SessionID: "s1", CronExpr: "* * * * *"})
	for i := 0; i < 2; i++ {
		if err := s.SetTaskEnabled(info.ID, "s1", false); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.TaskInfo(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("task still enabled")
	}
}

func TestTickPublishesSyntheticInbound(t *testing.T) {
	b := bus.NewMessageBus()
	s := New(DefaultConfig(), b, newMemTaskStore())
	info, err := s.AddTask(AddTaskRequest{
		SessionID:     "s4",
		Channel:       "web",
		CronExpr:      "* * * * *",
		Description:   "heartbeat",
		Prompt:        "send a heartbeat",
		CreatorUserID: "u9",
	})
	if err != nil {
		t.Fatal(err)
	}

	s.tick(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Sender != bus.SenderScheduler {
		t.Errorf("sender = %q, want scheduler", msg.Sender)
	}
	if msg.SessionID != "s4" || msg.Channel != "web" {
		t.Errorf("routing = %s/%s, want web/s4", msg.Channel, msg.SessionID)
	}
	want := "[Scheduled task: heartbeat]\nsend a heartbeat"
	if msg.Text != want {
		t.Errorf("text = %q, want %q", msg.Text, want)
	}
	if msg.MetaString(bus.MetaKeyScheduledTaskID) != info.ID {
		t.Errorf("scheduled_task_id = %q, want %q", msg.MetaString(bus.MetaKeyScheduledTaskID), info.ID)
	}
	if msg.MetaString(bus.MetaKeyCreatorUserID) != "u9" {
		t.Errorf("creator_user_id = %q, want u9", msg.MetaString(bus.MetaKeyCreatorUserID))
	}

	// Run bookkeeping updated.
	got, err := s.TaskInfo(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunCount != 1 || got.LastRunAt == nil {
		t.Errorf("run bookkeeping = count %d last %v", got.RunCount, got.LastRunAt)
	}
}

func TestTickFiresOncePerMinute(t *testing.T) {
	b := bus.NewMessageBus()
	s := New(DefaultConfig(), b, newMemTaskStore())
	if _, err := s.AddTask(AddTaskRequest{SessionID: "s1", Channel: "web", CronExpr: "* * * * *"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().Truncate(time.Minute)
	s.tick(now)
	s.tick(now.Add(5 * time.Second))

	if got := b.InboundSize(); got != 1 {
		t.Errorf("fired %d times within one minute, want 1", got)
	}
}

func TestStopJoinsRunLoop(t *testing.T) {
	s := New(DefaultConfig(), bus.NewMessageBus(), newMemTaskStore())

	// Stop without Run returns immediately.
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(returned)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	joined := make(chan struct{})
	go func() {
		s.Stop()
		close(joined)
	}()

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the Run loop")
	}
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after cancellation")
	}
}

func TestStartRehydratesPersistedTasks(t *testing.T) {
	store := newMemTaskStore()
	b := bus.NewMessageBus()
	first := New(DefaultConfig(), b, store)
	info, err := first.AddTask(AddTaskRequest{
		SessionID:     "s4",
		Channel:       "web",
		CronExpr:      "* * * * *",
		Description:   "heartbeat",
		Prompt:        "send a heartbeat",
		CreatorUserID: "u9",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Cold restart.
	restarted := New(DefaultConfig(), b, store)
	if err := restarted.Start(); err != nil {
		t.Fatal(err)
	}
	got, err := restarted.TaskInfo(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatorUserID != "u9" {
		t.Errorf("creator = %q, want u9", got.CreatorUserID)
	}

	restarted.tick(time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.MetaString(bus.MetaKeyCreatorUserID) != "u9" {
		t.Error("creator identity lost across restart")
	}
}
