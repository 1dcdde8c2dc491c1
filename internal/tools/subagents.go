package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SpawnRequest asks the subagent manager to start a background run. Origin
// comes from the execute context, never from shared state, so concurrent
// turns cannot see each other's origin.
type SpawnRequest struct {
	Task          string
	Label         string
	OriginSession string
	OriginChannel string
}

// SubagentView is the status row returned to the model.
type SubagentView struct {
	ID        string
	Label     string
	Status    string
	CreatedAt time.Time
}

// SubagentRunner is the narrow slice of the subagent manager the tools use.
type SubagentRunner interface {
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
	ListBySession(sessionID string) []SubagentView
	CancelByID(id string) bool
}

// SpawnSubagentTool starts a background agent for a long-running task.
type SpawnSubagentTool struct {
	runner SubagentRunner
}

func NewSpawnSubagentTool(runner SubagentRunner) *SpawnSubagentTool {
	return &SpawnSubagentTool{runner: runner}
}

func (t *SpawnSubagentTool) Name() string { return "spawn_subagent" }

func (t *SpawnSubagentTool) Description() string {
	return "Spawn a background agent to work on a task independently. The result is announced back to this conversation when done."
}

func (t *SpawnSubagentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The full task prompt for the background agent",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Short label describing the task",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnSubagentTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	task := strings.TrimSpace(GetString(args, "task", ""))
	if task == "" {
		return "", fmt.Errorf("task is required")
	}
	label := strings.TrimSpace(GetString(args, "label", ""))
	if label == "" {
		if len(task) > 40 {
			label = task[:40]
		} else {
			label = task
		}
	}
	id, err := t.runner.Spawn(ctx, SpawnRequest{
		Task:          task,
		Label:         label,
		OriginSession: tc.SessionID,
		OriginChannel: tc.Channel,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("spawned background task %s (%s); the result will arrive in this conversation", id, label), nil
}

// SubagentStatusTool lists or cancels background runs of this session.
type SubagentStatusTool struct {
	runner SubagentRunner
}

func NewSubagentStatusTool(runner SubagentRunner) *SubagentStatusTool {
	return &SubagentStatusTool{runner: runner}
}

func (t *SubagentStatusTool) Name() string { return "subagent_status" }

func (t *SubagentStatusTool) Description() string {
	return "List background tasks of this conversation, or cancel one by id."
}

func (t *SubagentStatusTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"list", "cancel"},
				"description": "What to do",
			},
			"task_id": map[string]any{
				"type":        "string",
				"description": "Task id, required for cancel",
			},
		},
		"required": []string{"action"},
	}
}

func (t *SubagentStatusTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	switch strings.ToLower(GetString(args, "action", "list")) {
	case "list":
		runs := t.runner.ListBySession(tc.SessionID)
		if len(runs) == 0 {
			return "no background tasks", nil
		}
		var sb strings.Builder
		for _, run := range runs {
			fmt.Fprintf(&sb, "%s: %q %s (started %s)\n",
				run.ID, run.Label, run.Status, run.CreatedAt.Format("15:04:05"))
		}
		return strings.TrimSpace(sb.String()), nil
	case "cancel":
		id := GetString(args, "task_id", "")
		if id == "" {
			return "", fmt.Errorf("task_id is required")
		}
		if !t.runner.CancelByID(id) {
			return fmt.Sprintf("task %s was not running", id), nil
		}
		return fmt.Sprintf("cancelled task %s", id), nil
	default:
		return "", fmt.Errorf("unknown action")
	}
}
