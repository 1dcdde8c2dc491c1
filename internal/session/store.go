package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelUnknown marks a session whose transport has not identified itself
// yet; GetOrCreate upgrades it to the first concrete channel seen.
const ChannelUnknown = "unknown"

// Backend is the narrow persistence contract. A concrete engine (the
// embedded SQLite store) implements it; the session package never touches
// storage directly.
type Backend interface {
	LoadAllSessionMetas() ([]Meta, error)
	SaveSessionMeta(meta *Meta) error
	AppendMessage(sessionID string, msg *ChatMessage) error
	LoadMessages(sessionID string) ([]ChatMessage, error)
	ClearMessages(sessionID string) error
	LoadSummary(sessionID string) (*Summary, error)
	SaveSummary(sessionID string, s *Summary) error
	ClearSummary(sessionID string) error
}

type sessionState struct {
	meta     Meta
	messages []ChatMessage
	summary  *Summary
	loaded   bool
}

// Store owns all conversation state. The agent loop holds short-lived
// references per turn; per-session FIFO upstream guarantees no concurrent
// turns for the same session.
type Store struct {
	mu            sync.Mutex
	backend       Backend
	sessions      map[string]*sessionState
	workspaceRoot string
}

// NewStore creates a session store over the given backend. workspaceRoot is
// the directory under which per-session tool workspaces are created.
func NewStore(backend Backend, workspaceRoot string) *Store {
	return &Store{
		backend:       backend,
		sessions:      make(map[string]*sessionState),
		workspaceRoot: workspaceRoot,
	}
}

// Init loads all session metas without replaying message logs.
// FindSessionsByUser works immediately afterwards, even for sessions never
// materialised this run.
func (s *Store) Init() error {
	metas, err := s.backend.LoadAllSessionMetas()
	if err != nil {
		return fmt.Errorf("load session metas: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, meta := range metas {
		s.sessions[meta.SessionID] = &sessionState{meta: meta}
	}
	slog.Info("Session store initialised", "sessions", len(metas))
	return nil
}

// GetOrCreate returns the session meta, creating and persisting a minimal
// one if absent. An existing session with channel "unknown" is upgraded to
// the supplied channel.
func (s *Store) GetOrCreate(sessionID, channel string) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		now := time.Now()
		st = &sessionState{
			meta: Meta{
				SessionID: sessionID,
				Channel:   channel,
				CreatedAt: now,
				UpdatedAt: now,
			},
			loaded: true,
		}
		s.sessions[sessionID] = st
		if err := s.backend.SaveSessionMeta(&st.meta); err != nil {
			return st.meta, fmt.Errorf("persist session meta: %w", err)
		}
		return st.meta, nil
	}

	if st.meta.Channel == ChannelUnknown && channel != "" && channel != ChannelUnknown {
		st.meta.Channel = channel
		s.saveMetaLocked(st)
	}
	if err := s.materializeLocked(st); err != nil {
		return st.meta, err
	}
	return st.meta, nil
}

// materializeLocked replays the persisted log for a session loaded from the
// meta index. The summary's CompressedCount head entries are skipped and the
// result is start-sanitised, so the in-memory view satisfies the chain
// invariant even if persisted counts are slightly off.
func (s *Store) materializeLocked(st *sessionState) error {
	if st.loaded {
		return nil
	}
	msgs, err := s.backend.LoadMessages(st.meta.SessionID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	summary, err := s.backend.LoadSummary(st.meta.SessionID)
	if err != nil {
		return fmt.Errorf("load summary: %w", err)
	}
	if summary != nil {
		skip := summary.CompressedCount
		if skip > len(msgs) {
			skip = len(msgs)
		}
		msgs = msgs[skip:]
	}
	st.messages = sanitizeChains(msgs)
	st.summary = summary
	st.loaded = true
	return nil
}

// AddMessage assigns a fresh id if the message has none, appends it to the
// log and durably persists it. Persistence failure is fatal for the turn.
func (s *Store) AddMessage(sessionID string, msg *ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if err := s.materializeLocked(st); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := s.backend.AppendMessage(sessionID, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	st.messages = append(st.messages, *msg)
	st.meta.MessageCount++
	st.meta.UpdatedAt = time.Now()
	s.saveMetaLocked(st)
	return nil
}

// History returns the prompt-ready view: an optional synthetic system
// message carrying the summary, then the sanitised tail of the log bounded
// by memoryWindow (minus the slot reserved for the summary).
func (s *Store) History(sessionID string, memoryWindow int) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if err := s.materializeLocked(st); err != nil {
		return nil, err
	}

	window := memoryWindow
	if st.summary != nil && window > 0 {
		window--
	}
	msgs := st.messages
	if window > 0 && len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	msgs = sanitizeChains(msgs)

	out := make([]ChatMessage, 0, len(msgs)+1)
	if st.summary != nil && st.summary.Content != "" {
		out = append(out, ChatMessage{
			Role:    RoleSystem,
			Content: "Summary of earlier conversation:\n" + st.summary.Content,
		})
	}
	out = append(out, msgs...)
	return out, nil
}

// MessageCount returns the in-memory log length.
func (s *Store) MessageCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	if err := s.materializeLocked(st); err != nil {
		slog.Warn("Message count materialise failed", "session", sessionID, "error", err)
		return 0
	}
	return len(st.messages)
}

// MessagesToCompress returns the head slice that can be summarised while
// keeping the most recent keepRecent messages, with the boundary moved
// backward until it does not split a tool-call chain. Returns nil when the
// safe boundary is at or before index zero.
func (s *Store) MessagesToCompress(sessionID string, keepRecent int) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if err := s.materializeLocked(st); err != nil {
		return nil
	}
	boundary := len(st.messages) - keepRecent
	if boundary <= 0 {
		return nil
	}
	boundary = safeSplitIndex(st.messages, boundary)
	if boundary <= 0 {
		return nil
	}
	out := make([]ChatMessage, boundary)
	copy(out, st.messages[:boundary])
	return out
}

// ApplyCompression installs a new summary covering compressedCount more head
// messages and drops them from the in-memory log. The on-disk full log is
// never truncated; the accumulated CompressedCount drives replay skipping.
func (s *Store) ApplyCompression(sessionID, summaryText string, compressedCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if err := s.materializeLocked(st); err != nil {
		return err
	}
	if compressedCount < 0 || compressedCount > len(st.messages) {
		return fmt.Errorf("compressed count %d out of range (log %d)", compressedCount, len(st.messages))
	}

	total := compressedCount
	if st.summary != nil {
		total += st.summary.CompressedCount
	}
	summary := &Summary{
		Content:         summaryText,
		CompressedCount: total,
		LastUpdated:     time.Now(),
	}
	if err := s.backend.SaveSummary(sessionID, summary); err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	st.summary = summary
	st.messages = st.messages[compressedCount:]
	return nil
}

// ClearSession drops messages and summary but preserves the meta and the
// on-disk workspace.
func (s *Store) ClearSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if err := s.backend.ClearMessages(sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if err := s.backend.ClearSummary(sessionID); err != nil {
		return fmt.Errorf("clear summary: %w", err)
	}
	st.messages = nil
	st.summary = nil
	st.loaded = true
	st.meta.MessageCount = 0
	st.meta.UpdatedAt = time.Now()
	s.saveMetaLocked(st)
	return nil
}

// SetSessionUser binds a user id to the session. Meta persistence failures
// are logged, not surfaced: the meta is an index, not truth.
func (s *Store) SetSessionUser(sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	st.meta.UserID = userID
	st.meta.UpdatedAt = time.Now()
	s.saveMetaLocked(st)
}

// SessionUser returns the bound user id, if any.
func (s *Store) SessionUser(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.meta.UserID
	}
	return ""
}

// SetSessionChannelData merges channel-specific key/values into the meta.
func (s *Store) SetSessionChannelData(sessionID string, kv map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if st.meta.ChannelData == nil {
		st.meta.ChannelData = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		st.meta.ChannelData[k] = v
	}
	st.meta.UpdatedAt = time.Now()
	s.saveMetaLocked(st)
}

// MigrateSessionsUser rebinds every session of one user to another. Used
// when a link code merges two identities.
func (s *Store) MigrateSessionsUser(fromUserID, toUserID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	migrated := 0
	for _, st := range s.sessions {
		if st.meta.UserID == fromUserID {
			st.meta.UserID = toUserID
			st.meta.UpdatedAt = time.Now()
			s.saveMetaLocked(st)
			migrated++
		}
	}
	return migrated
}

// FindSessionsByUser returns the session ids bound to a user, from the meta
// index alone.
func (s *Store) FindSessionsByUser(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sid, st := range s.sessions {
		if st.meta.UserID == userID {
			out = append(out, sid)
		}
	}
	return out
}

// SummaryText returns the current summary content, or "".
func (s *Store) SummaryText(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok || st.summary == nil {
		return ""
	}
	return st.summary.Content
}

// SessionChannel returns the channel a session belongs to.
func (s *Store) SessionChannel(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[sessionID]; ok {
		return st.meta.Channel, true
	}
	return "", false
}

// Meta returns a copy of the session meta.
func (s *Store) Meta(sessionID string) (Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return Meta{}, false
	}
	return st.meta, true
}

// Workspace returns (creating if needed) the scoped filesystem path for a
// session's tool outputs. It survives ClearSession.
func (s *Store) Workspace(sessionID string) string {
	safe := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_").Replace(sessionID)
	dir := filepath.Join(s.workspaceRoot, "sessions", filepath.Base(safe))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Workspace create failed", "session", sessionID, "error", err)
	}
	return dir
}

func (s *Store) saveMetaLocked(st *sessionState) {
	if err := s.backend.SaveSessionMeta(&st.meta); err != nil {
		slog.Warn("Session meta persist failed", "session", st.meta.SessionID, "error", err)
	}
}
