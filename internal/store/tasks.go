package store

import (
	"database/sql"
	"fmt"

	"github.com/LoomClaw/LoomClaw/internal/scheduler"
)

// LoadScheduledTasks returns all persisted tasks.
func (s *Service) LoadScheduledTasks() ([]scheduler.Task, error) {
	rows, err := s.db.Query(`
		SELECT task_id, session_id, channel, cron_expr, description, prompt,
		       enabled, created_at, last_run_at, run_count, creator_user_id
		FROM scheduled_tasks`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []scheduler.Task
	for rows.Next() {
		var t scheduler.Task
		var lastRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Channel, &t.CronExpr, &t.Description,
			&t.Prompt, &t.Enabled, &t.CreatedAt, &lastRun, &t.RunCount, &t.CreatorUserID); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		if lastRun.Valid {
			runAt := lastRun.Time
			t.LastRunAt = &runAt
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveScheduledTask upserts a task row.
func (s *Service) SaveScheduledTask(t *scheduler.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (task_id, session_id, channel, cron_expr, description,
			prompt, enabled, created_at, last_run_at, run_count, creator_user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			description = excluded.description,
			prompt = excluded.prompt,
			enabled = excluded.enabled,
			last_run_at = excluded.last_run_at,
			run_count = excluded.run_count`,
		t.ID, t.SessionID, t.Channel, t.CronExpr, t.Description,
		t.Prompt, t.Enabled, t.CreatedAt, t.LastRunAt, t.RunCount, t.CreatorUserID)
	if err != nil {
		return fmt.Errorf("save scheduled task: %w", err)
	}
	return nil
}

// DeleteScheduledTask removes a task row.
func (s *Service) DeleteScheduledTask(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}
