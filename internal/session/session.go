// Package session is the session/query concurrency core: it multiplexes
// many logical conversations over the engine boundary, turns asynchronous
// user input into an ordered per-session input stream, and turns engine
// output into session-scoped events with correct lifecycle and interruption
// semantics.
package session

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/michaelbrown/parley/internal/engine"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

var (
	// ErrSessionNotFound is returned for commands naming an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCompleted is returned when input is sent to a completed session.
	ErrSessionCompleted = errors.New("session is completed")
	// ErrSessionExists is returned on a session ID collision at creation.
	ErrSessionExists = errors.New("session already exists")
)

// Config is the engine configuration for a session. It may change between
// queries but never mid-query; a running query keeps the options it started
// with.
type Config struct {
	WorkDir      string   `json:"work_dir,omitempty"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	// PermissionMode is "prompt" (gate every tool use) or "auto"
	// (auto-allow, for headless runs). Empty means "prompt".
	PermissionMode string `json:"permission_mode,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
}

func (c Config) clone() Config {
	c.AllowedTools = slices.Clone(c.AllowedTools)
	return c
}

// Session is one logical, independently interruptible conversation. All
// mutable fields are guarded by mu; the running query handle is owned
// exclusively by the manager's query runner.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu        sync.Mutex
	name      string
	status    Status
	config    Config
	history   []engine.Message
	turns     []engine.Turn // conversation context handed to the next query
	updatedAt time.Time
	queue     *Queue
	running   *queryHandle
}

// Snapshot is a read-only copy of a session's state. Mutating it does not
// affect the live session.
type Snapshot struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Status    Status           `json:"status"`
	Config    Config           `json:"config"`
	History   []engine.Message `json:"-"`
	Running   bool             `json:"running"`
	QueueLen  int              `json:"queue_len"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.ID,
		Name:      s.name,
		Status:    s.status,
		Config:    s.config.clone(),
		History:   slices.Clone(s.history),
		Running:   s.running != nil,
		QueueLen:  s.queue.Len(),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
	}
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// History returns a copy of the messages received so far, in arrival order.
func (s *Session) History() []engine.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// appendMessage records one engine message, refreshing updatedAt. Assistant
// text is also recorded as conversation context for the next query cycle.
func (s *Session) appendMessage(m engine.Message, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
	s.updatedAt = now
	if am, ok := m.(engine.AssistantMessage); ok {
		if text := am.Text(); text != "" {
			s.turns = append(s.turns, engine.Turn{Role: "assistant", Content: text})
		}
	}
}

// recordUserTurn records a user input at the moment it is handed to the
// engine, so later query cycles carry the full conversation context.
func (s *Session) recordUserTurn(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, engine.Turn{Role: "user", Content: content})
}
