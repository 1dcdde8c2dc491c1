package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/LoomClaw/LoomClaw/internal/memory"
)

// MemoryTool appends to and recalls from the bound user's long-term memory.
type MemoryTool struct {
	svc *memory.Service
}

func NewMemoryTool(svc *memory.Service) *MemoryTool {
	return &MemoryTool{svc: svc}
}

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Description() string {
	return "Remember a fact about the user for future conversations, or recall what is already remembered."
}

func (t *MemoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"append", "recall"},
				"description": "append stores a new fact, recall lists stored facts",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The fact to remember, required for append",
			},
		},
		"required": []string{"action"},
	}
}

func (t *MemoryTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	if tc.UserID == "" {
		return "", fmt.Errorf("no user bound to this session")
	}
	switch strings.ToLower(GetString(args, "action", "")) {
	case "append":
		content := GetString(args, "content", "")
		if err := t.svc.Append(tc.UserID, content); err != nil {
			return "", err
		}
		return "remembered", nil
	case "recall":
		notes, err := t.svc.Recall(tc.UserID, 0)
		if err != nil {
			return "", err
		}
		if len(notes) == 0 {
			return "nothing remembered yet", nil
		}
		var sb strings.Builder
		for _, n := range notes {
			sb.WriteString("- " + n.Content + "\n")
		}
		return strings.TrimSpace(sb.String()), nil
	default:
		return "", fmt.Errorf("unknown action")
	}
}
