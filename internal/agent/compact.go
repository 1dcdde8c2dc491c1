package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LoomClaw/LoomClaw/internal/provider"
	"github.com/LoomClaw/LoomClaw/internal/session"
)

// compactionTimeout bounds the summarisation provider call.
const compactionTimeout = 60 * time.Second

// compactKeepFraction of the memory window survives compaction.
const compactKeepFraction = 0.6

const summarizePrompt = `Summarize the following conversation so the assistant can continue it later. Preserve user preferences, facts, decisions and unfinished work. Be dense and factual, no preamble.`

// maybeCompact runs after a completed turn, asynchronously. When the log
// exceeds the memory window it summarises the head at a chain-safe split,
// keeping the most recent 0.6*window messages.
func (l *Loop) maybeCompact(sessionID string) {
	window := l.cfg.Agent.MemoryWindow
	if l.sessions.MessageCount(sessionID) <= window {
		return
	}
	keepRecent := int(compactKeepFraction * float64(window))
	head := l.sessions.MessagesToCompress(sessionID, keepRecent)
	if len(head) == 0 {
		return
	}

	previous := l.sessions.SummaryText(sessionID)
	summary := l.summarize(previous, head)

	if err := l.sessions.ApplyCompression(sessionID, summary, len(head)); err != nil {
		slog.Warn("Compaction failed", "session", sessionID, "error", err)
		return
	}
	slog.Info("Session compacted", "session", sessionID, "compressed", len(head))
}

// summarize asks the provider for a fresh summary; on failure it falls back
// to a deterministic rule-based extract.
func (l *Loop) summarize(previousSummary string, head []session.ChatMessage) string {
	var sb strings.Builder
	if previousSummary != "" {
		sb.WriteString("Earlier summary:\n")
		sb.WriteString(previousSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation:\n")
	for _, m := range head {
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), compactionTimeout)
	defer cancel()
	resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
		Messages:     []provider.Message{{Role: "user", Content: sb.String()}},
		Model:        l.cfg.Model.Name,
		MaxTokens:    512,
		Temperature:  0.2,
		SystemPrompt: summarizePrompt,
	})
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		return strings.TrimSpace(resp.Content)
	}
	if err != nil {
		slog.Warn("Summary provider call failed, using rule-based fallback", "error", err)
	}
	return ruleBasedSummary(previousSummary, head)
}

// ruleBasedSummary extracts one line per user/assistant message.
func ruleBasedSummary(previousSummary string, head []session.ChatMessage) string {
	var sb strings.Builder
	if previousSummary != "" {
		sb.WriteString(previousSummary)
		sb.WriteString("\n")
	}
	for _, m := range head {
		if m.Role != session.RoleUser && m.Role != session.RoleAssistant {
			continue
		}
		line := strings.TrimSpace(m.Content)
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, '\n'); i > 0 {
			line = line[:i]
		}
		if len(line) > 120 {
			line = line[:120]
		}
		fmt.Fprintf(&sb, "- %s: %s\n", m.Role, line)
	}
	return strings.TrimSpace(sb.String())
}
