package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry owns the session map: creation, lookup, removal, and listing.
// Removal of a session with a running query goes through Manager.Delete,
// which interrupts the query first.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty registry using the given clock.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		now:      now,
	}
}

// newSessionID generates a time-ordered identifier with a random component.
func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return id.String(), nil
}

// Create allocates a new active session with empty history and an empty
// input queue.
func (r *Registry) Create(name string, cfg Config) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := r.now()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		name:      name,
		status:    StatusActive,
		config:    cfg.clone(),
		updatedAt: now,
		queue:     NewQueue(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, ErrSessionExists
	}
	r.sessions[id] = s
	return s, nil
}

// Restore inserts a previously persisted session. Used at startup; restored
// sessions begin with no running query.
func (r *Registry) Restore(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return ErrSessionExists
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes the session from the map. The caller is responsible for
// having interrupted any running query first.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns read-only snapshots of all sessions.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, len(sessions))
	for i, s := range sessions {
		snaps[i] = s.Snapshot()
	}
	return snaps
}

// All returns the live sessions, for manager-internal iteration.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
