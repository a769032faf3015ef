package storage

import (
	"context"
	"time"

	"github.com/michaelbrown/parley/internal/engine"
)

// Session is the persisted metadata for a conversation. Status values mirror
// the session lifecycle: active, paused, completed.
type Session struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	WorkDir        string    `json:"work_dir"`
	Model          string    `json:"model"`
	AllowedTools   []string  `json:"allowed_tools,omitempty"`
	PermissionMode string    `json:"permission_mode,omitempty"`
	MaxTurns       int       `json:"max_turns,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionListOptions controls filtering and pagination for ListSessions.
type SessionListOptions struct {
	Status string
	Limit  int
	Offset int
}

// Store is the persistence interface for sessions and their histories.
type Store interface {
	// CreateSession inserts a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by ID or ID prefix.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions ordered by updated_at descending.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]Session, error)

	// UpdateSession updates mutable fields (name, status, updated_at).
	UpdateSession(ctx context.Context, s *Session) error

	// DeleteSession removes a session and its history.
	DeleteSession(ctx context.Context, id string) error

	// SaveHistory overwrites the full message history for a session.
	SaveHistory(ctx context.Context, sessionID string, history []engine.Message) error

	// LoadHistory returns the message history for a session.
	LoadHistory(ctx context.Context, sessionID string) ([]engine.Message, error)

	// Close releases resources.
	Close() error
}
