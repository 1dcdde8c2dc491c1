package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/LoomClaw/LoomClaw/internal/scheduler"
)

// SchedulerTool lets the agent manage cron tasks for its own session. The
// scheduler is injected at registry construction; tools never reach for
// process-wide state.
type SchedulerTool struct {
	sched *scheduler.Scheduler
}

func NewSchedulerTool(sched *scheduler.Scheduler) *SchedulerTool {
	return &SchedulerTool{sched: sched}
}

func (t *SchedulerTool) Name() string { return "scheduler" }

func (t *SchedulerTool) Description() string {
	return "Manage scheduled tasks for this conversation: add a cron task, list tasks, enable/disable or remove one."
}

func (t *SchedulerTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"add", "list", "remove", "enable", "disable"},
				"description": "What to do",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "5-field cron expression (minute hour day-of-month month day-of-week), required for add",
			},
			"description": map[string]any{
				"type":        "string",
				"description": "Short human-readable task description, required for add",
			},
			"prompt": map[string]any{
				"type":        "string",
				"description": "Prompt the agent receives on each fire, required for add",
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task id, required for remove/enable/disable",
			},
		},
		"required": []string{"action"},
	}
}

func (t *SchedulerTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	action := strings.ToLower(GetString(args, "action", ""))
	switch action {
	case "add":
		info, err := t.sched.AddTask(scheduler.AddTaskRequest{
			SessionID:     tc.SessionID,
			Channel:       tc.Channel,
			CronExpr:      GetString(args, "cron", ""),
			Description:   GetString(args, "description", ""),
			Prompt:        GetString(args, "prompt", ""),
			CreatorUserID: tc.UserID,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("scheduled task %s (%s), next run %s",
			info.ID, info.CronExpr, info.NextRunAt.Format("2006-01-02 15:04")), nil

	case "list":
		tasks := t.sched.TasksBySession(tc.SessionID)
		if len(tasks) == 0 {
			return "no scheduled tasks for this conversation", nil
		}
		var sb strings.Builder
		for _, task := range tasks {
			state := "enabled"
			if !task.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(&sb, "%s: %q cron=%s %s runs=%d next=%s\n",
				task.ID, task.Description, task.CronExpr, state, task.RunCount,
				task.NextRunAt.Format("2006-01-02 15:04"))
		}
		return strings.TrimSpace(sb.String()), nil

	case "remove":
		id := GetString(args, "task_id", "")
		if err := t.sched.RemoveTask(id, tc.SessionID); err != nil {
			return "", err
		}
		return fmt.Sprintf("removed task %s", id), nil

	case "enable", "disable":
		id := GetString(args, "task_id", "")
		if err := t.sched.SetTaskEnabled(id, tc.SessionID, action == "enable"); err != nil {
			return "", err
		}
		return fmt.Sprintf("task %s %sd", id, action), nil

	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}
