package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/LoomClaw/LoomClaw/internal/bus"
)

// SessionDirectory locates the sessions of another user for cross-user
// delivery. Implemented by the session store.
type SessionDirectory interface {
	FindSessionsByUser(userID string) []string
	SessionChannel(sessionID string) (string, bool)
}

// SendMessageTool delivers a message to another user's sessions through the
// outbound bus. The sender's identity comes from the execute context.
type SendMessageTool struct {
	dir SessionDirectory
	bus *bus.MessageBus
}

func NewSendMessageTool(dir SessionDirectory, b *bus.MessageBus) *SendMessageTool {
	return &SendMessageTool{dir: dir, bus: b}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to another user of this assistant, delivered to every conversation they have open."
}

func (t *SendMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{
				"type":        "string",
				"description": "The recipient's user id",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "The message text",
			},
		},
		"required": []string{"user_id", "text"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]any, tc *Context) (string, error) {
	userID := strings.TrimSpace(GetString(args, "user_id", ""))
	text := strings.TrimSpace(GetString(args, "text", ""))
	if userID == "" || text == "" {
		return "", fmt.Errorf("user_id and text are required")
	}
	if userID == tc.UserID {
		return "", fmt.Errorf("recipient is the current user")
	}

	sessions := t.dir.FindSessionsByUser(userID)
	if len(sessions) == 0 {
		return "", fmt.Errorf("no sessions found for user %s", userID)
	}
	delivered := 0
	for _, sid := range sessions {
		channel, ok := t.dir.SessionChannel(sid)
		if !ok {
			continue
		}
		t.bus.PublishOutbound(&bus.OutboundMessage{
			Channel:   channel,
			SessionID: sid,
			Text:      fmt.Sprintf("📨 Message from %s:\n%s", tc.UserID, text),
		})
		delivered++
	}
	return fmt.Sprintf("delivered to %d session(s)", delivered), nil
}
