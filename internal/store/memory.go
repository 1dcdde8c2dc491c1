package store

import (
	"fmt"

	"github.com/LoomClaw/LoomClaw/internal/memory"
)

// AppendMemoryNote stores one memory note for a user.
func (s *Service) AppendMemoryNote(userID, content string) error {
	_, err := s.db.Exec(`INSERT INTO memory_notes (user_id, content) VALUES (?, ?)`, userID, content)
	if err != nil {
		return fmt.Errorf("append memory note: %w", err)
	}
	return nil
}

// LoadMemoryNotes returns the most recent notes for a user, oldest first.
func (s *Service) LoadMemoryNotes(userID string, limit int) ([]memory.Note, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, content FROM (
			SELECT id, user_id, content FROM memory_notes
			WHERE user_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memory notes: %w", err)
	}
	defer rows.Close()

	var notes []memory.Note
	for rows.Next() {
		var n memory.Note
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content); err != nil {
			return nil, fmt.Errorf("scan memory note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
