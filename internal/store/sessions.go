package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LoomClaw/LoomClaw/internal/session"
)

// LoadAllSessionMetas returns the cheap per-session index.
func (s *Service) LoadAllSessionMetas() ([]session.Meta, error) {
	rows, err := s.db.Query(`
		SELECT session_id, channel, user_id, channel_data, message_count, created_at, updated_at
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query session metas: %w", err)
	}
	defer rows.Close()

	var metas []session.Meta
	for rows.Next() {
		var m session.Meta
		var channelData string
		if err := rows.Scan(&m.SessionID, &m.Channel, &m.UserID, &channelData, &m.MessageCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session meta: %w", err)
		}
		if channelData != "" && channelData != "{}" {
			_ = json.Unmarshal([]byte(channelData), &m.ChannelData)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// SaveSessionMeta upserts a session meta row.
func (s *Service) SaveSessionMeta(m *session.Meta) error {
	channelData := "{}"
	if len(m.ChannelData) > 0 {
		raw, err := json.Marshal(m.ChannelData)
		if err != nil {
			return fmt.Errorf("marshal channel data: %w", err)
		}
		channelData = string(raw)
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, channel, user_id, channel_data, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			channel = excluded.channel,
			user_id = excluded.user_id,
			channel_data = excluded.channel_data,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		m.SessionID, m.Channel, m.UserID, channelData, m.MessageCount, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session meta: %w", err)
	}
	return nil
}

// AppendMessage durably appends one message to a session's log.
func (s *Service) AppendMessage(sessionID string, msg *session.ChatMessage) error {
	toolCalls := ""
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}
	metadata := ""
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metadata = string(raw)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (session_id, message_id, role, content, tool_calls, tool_call_id, tool_name, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, msg.ID, msg.Role, msg.Content, toolCalls, msg.ToolCallID, msg.ToolName, metadata, ts)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// LoadMessages replays a session's full persisted log in append order.
func (s *Service) LoadMessages(sessionID string) ([]session.ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT message_id, role, content, tool_calls, tool_call_id, tool_name, metadata, created_at
		FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []session.ChatMessage
	for rows.Next() {
		var m session.ChatMessage
		var toolCalls, metadata string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &m.ToolCallID, &m.ToolName, &metadata, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls != "" {
			_ = json.Unmarshal([]byte(toolCalls), &m.ToolCalls)
		}
		if metadata != "" {
			_ = json.Unmarshal([]byte(metadata), &m.Metadata)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ClearMessages removes a session's persisted log.
func (s *Service) ClearMessages(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

// LoadSummary returns the session summary, or nil when none exists.
func (s *Service) LoadSummary(sessionID string) (*session.Summary, error) {
	var sum session.Summary
	err := s.db.QueryRow(`
		SELECT content, compressed_count, last_updated
		FROM summaries WHERE session_id = ?`, sessionID).
		Scan(&sum.Content, &sum.CompressedCount, &sum.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	return &sum, nil
}

// SaveSummary upserts the session summary.
func (s *Service) SaveSummary(sessionID string, sum *session.Summary) error {
	_, err := s.db.Exec(`
		INSERT INTO summaries (session_id, content, compressed_count, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			content = excluded.content,
			compressed_count = excluded.compressed_count,
			last_updated = excluded.last_updated`,
		sessionID, sum.Content, sum.CompressedCount, sum.LastUpdated)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// ClearSummary removes the session summary.
func (s *Service) ClearSummary(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM summaries WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear summary: %w", err)
	}
	return nil
}
