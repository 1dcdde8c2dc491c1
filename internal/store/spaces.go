package store

import (
	"database/sql"
	"fmt"

	"github.com/LoomClaw/LoomClaw/internal/space"
)

// GetSpace returns a space by id, or nil.
func (s *Service) GetSpace(spaceID string) (*space.Space, error) {
	return s.scanSpace(s.db.QueryRow(
		`SELECT space_id, name, owner_user_id, note, created_at FROM spaces WHERE space_id = ?`, spaceID))
}

// GetSpaceByName returns a space by name, or nil.
func (s *Service) GetSpaceByName(name string) (*space.Space, error) {
	return s.scanSpace(s.db.QueryRow(
		`SELECT space_id, name, owner_user_id, note, created_at FROM spaces WHERE name = ?`, name))
}

func (s *Service) scanSpace(row *sql.Row) (*space.Space, error) {
	var sp space.Space
	err := row.Scan(&sp.ID, &sp.Name, &sp.OwnerID, &sp.Note, &sp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load space: %w", err)
	}
	return &sp, nil
}

// SaveSpace upserts a space row.
func (s *Service) SaveSpace(sp *space.Space) error {
	_, err := s.db.Exec(`
		INSERT INTO spaces (space_id, name, owner_user_id, note, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(space_id) DO UPDATE SET name = excluded.name, note = excluded.note`,
		sp.ID, sp.Name, sp.OwnerID, sp.Note, sp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save space: %w", err)
	}
	return nil
}

// DeleteSpace removes a space and its memberships.
func (s *Service) DeleteSpace(spaceID string) error {
	if _, err := s.db.Exec(`DELETE FROM space_members WHERE space_id = ?`, spaceID); err != nil {
		return fmt.Errorf("delete space members: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM spaces WHERE space_id = ?`, spaceID); err != nil {
		return fmt.Errorf("delete space: %w", err)
	}
	return nil
}

// AddSpaceMember joins a user to a space. Idempotent.
func (s *Service) AddSpaceMember(spaceID, userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO space_members (space_id, user_id) VALUES (?, ?)
		ON CONFLICT(space_id, user_id) DO NOTHING`, spaceID, userID)
	if err != nil {
		return fmt.Errorf("add space member: %w", err)
	}
	return nil
}

// RemoveSpaceMember removes a user from a space.
func (s *Service) RemoveSpaceMember(spaceID, userID string) error {
	_, err := s.db.Exec(`DELETE FROM space_members WHERE space_id = ? AND user_id = ?`, spaceID, userID)
	if err != nil {
		return fmt.Errorf("remove space member: %w", err)
	}
	return nil
}

// SpacesByMember lists the spaces a user belongs to.
func (s *Service) SpacesByMember(userID string) ([]space.Space, error) {
	rows, err := s.db.Query(`
		SELECT sp.space_id, sp.name, sp.owner_user_id, sp.note, sp.created_at
		FROM spaces sp JOIN space_members m ON m.space_id = sp.space_id
		WHERE m.user_id = ? ORDER BY sp.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("query spaces: %w", err)
	}
	defer rows.Close()

	var out []space.Space
	for rows.Next() {
		var sp space.Space
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.OwnerID, &sp.Note, &sp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// IsSpaceMember reports membership.
func (s *Service) IsSpaceMember(spaceID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM space_members WHERE space_id = ? AND user_id = ?`, spaceID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check space member: %w", err)
	}
	return n > 0, nil
}
