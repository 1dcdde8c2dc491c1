// Package identity resolves channel-native senders to durable users and
// implements link-code identity merging.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrLinkCodeInvalid is returned for unknown or expired link codes.
var ErrLinkCodeInvalid = errors.New("identity: link code invalid or expired")

// linkCodeTTL bounds how long a generated code stays redeemable.
const linkCodeTTL = 15 * time.Minute

// User is a durable cross-channel identity.
type User struct {
	ID          string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Backend is the narrow persistence contract for users and identities.
type Backend interface {
	GetUser(userID string) (*User, error)
	CreateUser(u *User) error
	DeleteUser(userID string) error
	UserIDByIdentity(channel, sender string) (string, error)
	AddIdentity(channel, sender, userID string) error
	RemoveIdentity(channel, sender string) error
	ReassignIdentities(fromUserID, toUserID string) error
	SaveLinkCode(code, userID string, expiresAt time.Time) error
	TakeLinkCode(code string) (userID string, expiresAt time.Time, err error)
}

// Service is the User Store used by the agent loop.
type Service struct {
	backend Backend
	now     func() time.Time
}

// NewService creates an identity service.
func NewService(backend Backend) *Service {
	return &Service{backend: backend, now: time.Now}
}

// ResolveOrCreate returns the user bound to (channel, sender), creating one
// on first contact.
func (s *Service) ResolveOrCreate(channel, sender, displayName string) (*User, error) {
	if uid, err := s.backend.UserIDByIdentity(channel, sender); err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	} else if uid != "" {
		u, err := s.backend.GetUser(uid)
		if err != nil {
			return nil, fmt.Errorf("load user: %w", err)
		}
		if u != nil {
			return u, nil
		}
		// Dangling identity row; fall through and recreate.
		slog.Warn("Identity points at missing user", "channel", channel, "sender", sender, "user", uid)
	}

	u := &User{
		ID:          "u_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		DisplayName: strings.TrimSpace(displayName),
		CreatedAt:   s.now(),
	}
	if err := s.backend.CreateUser(u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if err := s.backend.AddIdentity(channel, sender, u.ID); err != nil {
		return nil, fmt.Errorf("bind identity: %w", err)
	}
	slog.Info("User created", "user", u.ID, "channel", channel)
	return u, nil
}

// Get returns a user by id, or nil when unknown.
func (s *Service) Get(userID string) (*User, error) {
	return s.backend.GetUser(userID)
}

// GenerateLinkCode mints a short-lived code that another channel identity
// can redeem to merge into this user.
func (s *Service) GenerateLinkCode(userID string) (string, error) {
	code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	if err := s.backend.SaveLinkCode(code, userID, s.now().Add(linkCodeTTL)); err != nil {
		return "", fmt.Errorf("save link code: %w", err)
	}
	return code, nil
}

// RedeemLinkCode merges the (channel, sender) identity into the code's
// user. Returns the surviving user id and the id of the user the identity
// previously belonged to ("" when it had none, same id when already linked).
func (s *Service) RedeemLinkCode(code, channel, sender string) (mergedID, previousID string, err error) {
	targetID, expiresAt, err := s.backend.TakeLinkCode(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return "", "", err
	}
	if targetID == "" || s.now().After(expiresAt) {
		return "", "", ErrLinkCodeInvalid
	}

	previousID, err = s.backend.UserIDByIdentity(channel, sender)
	if err != nil {
		return "", "", fmt.Errorf("lookup identity: %w", err)
	}
	if previousID == targetID {
		return targetID, previousID, nil
	}
	if previousID != "" {
		// Move every identity of the old user, then retire it.
		if err := s.backend.ReassignIdentities(previousID, targetID); err != nil {
			return "", "", fmt.Errorf("reassign identities: %w", err)
		}
		if err := s.backend.DeleteUser(previousID); err != nil {
			slog.Warn("Retiring merged user failed", "user", previousID, "error", err)
		}
	} else {
		if err := s.backend.AddIdentity(channel, sender, targetID); err != nil {
			return "", "", fmt.Errorf("bind identity: %w", err)
		}
	}
	slog.Info("Identity linked", "channel", channel, "user", targetID)
	return targetID, previousID, nil
}

// Unlink detaches the (channel, sender) identity from its user. The next
// message from that sender creates a fresh user.
func (s *Service) Unlink(channel, sender string) error {
	if err := s.backend.RemoveIdentity(channel, sender); err != nil {
		return fmt.Errorf("remove identity: %w", err)
	}
	return nil
}
