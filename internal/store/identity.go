package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/LoomClaw/LoomClaw/internal/identity"
)

// GetUser returns a user row, or nil when absent.
func (s *Service) GetUser(userID string) (*identity.User, error) {
	var u identity.User
	err := s.db.QueryRow(`SELECT user_id, display_name, created_at FROM users WHERE user_id = ?`, userID).
		Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user row.
func (s *Service) CreateUser(u *identity.User) error {
	_, err := s.db.Exec(`INSERT INTO users (user_id, display_name, created_at) VALUES (?, ?, ?)`,
		u.ID, u.DisplayName, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// DeleteUser removes a user row.
func (s *Service) DeleteUser(userID string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// UserIDByIdentity returns the user bound to (channel, sender), or "".
func (s *Service) UserIDByIdentity(channel, sender string) (string, error) {
	var uid string
	err := s.db.QueryRow(`SELECT user_id FROM user_identities WHERE channel = ? AND sender = ?`, channel, sender).
		Scan(&uid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup identity: %w", err)
	}
	return uid, nil
}

// AddIdentity binds (channel, sender) to a user.
func (s *Service) AddIdentity(channel, sender, userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_identities (channel, sender, user_id) VALUES (?, ?, ?)
		ON CONFLICT(channel, sender) DO UPDATE SET user_id = excluded.user_id`,
		channel, sender, userID)
	if err != nil {
		return fmt.Errorf("add identity: %w", err)
	}
	return nil
}

// RemoveIdentity detaches (channel, sender).
func (s *Service) RemoveIdentity(channel, sender string) error {
	_, err := s.db.Exec(`DELETE FROM user_identities WHERE channel = ? AND sender = ?`, channel, sender)
	if err != nil {
		return fmt.Errorf("remove identity: %w", err)
	}
	return nil
}

// ReassignIdentities moves every identity of one user to another.
func (s *Service) ReassignIdentities(fromUserID, toUserID string) error {
	_, err := s.db.Exec(`UPDATE user_identities SET user_id = ? WHERE user_id = ?`, toUserID, fromUserID)
	if err != nil {
		return fmt.Errorf("reassign identities: %w", err)
	}
	return nil
}

// SaveLinkCode stores a redeemable link code.
func (s *Service) SaveLinkCode(code, userID string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO link_codes (code, user_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET user_id = excluded.user_id, expires_at = excluded.expires_at`,
		code, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save link code: %w", err)
	}
	return nil
}

// TakeLinkCode consumes a link code, returning its user and expiry.
// A missing code returns "" without error.
func (s *Service) TakeLinkCode(code string) (string, time.Time, error) {
	var uid string
	var expiresAt time.Time
	err := s.db.QueryRow(`SELECT user_id, expires_at FROM link_codes WHERE code = ?`, code).
		Scan(&uid, &expiresAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("lookup link code: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM link_codes WHERE code = ?`, code); err != nil {
		return "", time.Time{}, fmt.Errorf("consume link code: %w", err)
	}
	return uid, expiresAt, nil
}
