// Package space manages named shared context scopes for users. A space's
// note is injected into the system prompt for its members.
package space

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Errors surfaced to the command layer.
var (
	ErrNotFound  = errors.New("space: not found")
	ErrNotMember = errors.New("space: not a member")
)

// Space is a named shared context owned by a user.
type Space struct {
	ID        string    `json:"space_id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_user_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend is the narrow persistence contract for spaces.
type Backend interface {
	GetSpace(spaceID string) (*Space, error)
	GetSpaceByName(name string) (*Space, error)
	SaveSpace(*Space) error
	DeleteSpace(spaceID string) error
	AddSpaceMember(spaceID, userID string) error
	RemoveSpaceMember(spaceID, userID string) error
	SpacesByMember(userID string) ([]Space, error)
	IsSpaceMember(spaceID, userID string) (bool, error)
}

// Service is the space store used by the command handler and the prompt
// builder.
type Service struct {
	backend Backend
}

// NewService creates a space service.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// Create makes a space owned by userID and joins them to it.
func (s *Service) Create(name, userID string) (*Space, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("space: name required")
	}
	if existing, err := s.backend.GetSpaceByName(name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("space: name %q already taken", name)
	}
	sp := &Space{
		ID:        "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Name:      name,
		OwnerID:   userID,
		CreatedAt: time.Now(),
	}
	if err := s.backend.SaveSpace(sp); err != nil {
		return nil, fmt.Errorf("save space: %w", err)
	}
	if err := s.backend.AddSpaceMember(sp.ID, userID); err != nil {
		return nil, fmt.Errorf("join space: %w", err)
	}
	return sp, nil
}

// Join adds a user to a space by name.
func (s *Service) Join(name, userID string) (*Space, error) {
	sp, err := s.backend.GetSpaceByName(strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if sp == nil {
		return nil, ErrNotFound
	}
	if err := s.backend.AddSpaceMember(sp.ID, userID); err != nil {
		return nil, fmt.Errorf("join space: %w", err)
	}
	return sp, nil
}

// Leave removes a user from a space by name.
func (s *Service) Leave(name, userID string) error {
	sp, err := s.backend.GetSpaceByName(strings.TrimSpace(name))
	if err != nil {
		return err
	}
	if sp == nil {
		return ErrNotFound
	}
	if err := s.backend.RemoveSpaceMember(sp.ID, userID); err != nil {
		return fmt.Errorf("leave space: %w", err)
	}
	return nil
}

// SetNote updates the shared context note. Members only.
func (s *Service) SetNote(name, userID, note string) error {
	sp, err := s.backend.GetSpaceByName(strings.TrimSpace(name))
	if err != nil {
		return err
	}
	if sp == nil {
		return ErrNotFound
	}
	member, err := s.backend.IsSpaceMember(sp.ID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	sp.Note = note
	if err := s.backend.SaveSpace(sp); err != nil {
		return fmt.Errorf("save space: %w", err)
	}
	return nil
}

// ListForUser returns the spaces a user belongs to.
func (s *Service) ListForUser(userID string) ([]Space, error) {
	return s.backend.SpacesByMember(userID)
}

// ContextFor renders the space context block for a user's system prompt.
// Returns "" when the user belongs to no space with a note.
func (s *Service) ContextFor(userID string) string {
	if userID == "" {
		return ""
	}
	spaces, err := s.backend.SpacesByMember(userID)
	if err != nil || len(spaces) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, sp := range spaces {
		if strings.TrimSpace(sp.Note) == "" {
			continue
		}
		fmt.Fprintf(&sb, "Space %q:\n%s\n", sp.Name, strings.TrimSpace(sp.Note))
	}
	return strings.TrimSpace(sb.String())
}
