package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/michaelbrown/parley/internal/engine"
	"github.com/michaelbrown/parley/internal/logger"
	"github.com/michaelbrown/parley/internal/storage"
	"github.com/michaelbrown/parley/internal/transport"
)

// Options configures a Manager.
type Options struct {
	// PermissionTimeout bounds how long a permission request may wait for a
	// decision before it is denied. Zero means DefaultPermissionTimeout.
	PermissionTimeout time.Duration
	// AutoAllow grants every tool-use request without consulting the gate.
	// Per-session permission modes override it.
	AutoAllow bool
	// Defaults fill unset fields of the config passed to Create.
	Defaults Config
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns all sessions and their query lifecycles. Every mutation of a
// session goes through it; transports and CLIs only hold session IDs.
type Manager struct {
	engine    engine.Engine
	publisher transport.Publisher
	store     storage.Store
	registry  *Registry
	gate      *Gate
	autoAllow bool
	defaults  Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewManager wires a manager over an engine, an event publisher, and an
// optional store. A nil store disables persistence.
func NewManager(eng engine.Engine, pub transport.Publisher, store storage.Store, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:    eng,
		publisher: pub,
		store:     store,
		registry:  NewRegistry(now),
		gate:      NewGate(pub, opts.PermissionTimeout),
		autoAllow: opts.AutoAllow,
		defaults:  opts.Defaults,
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Create registers a new active session and persists its metadata.
func (m *Manager) Create(ctx context.Context, name string, cfg Config) (Snapshot, error) {
	cfg = m.applyDefaults(cfg)
	s, err := m.registry.Create(name, cfg)
	if err != nil {
		return Snapshot{}, err
	}
	snap := s.Snapshot()
	if m.store != nil {
		if err := m.store.CreateSession(ctx, metaFromSnapshot(snap)); err != nil {
			m.registry.Remove(s.ID)
			return Snapshot{}, fmt.Errorf("persisting session: %w", err)
		}
	}
	m.publisher.Publish(transport.StatusEvent(s.ID, string(StatusActive)))
	logger.WithSession(s.ID).Info("session created", "name", name)
	return snap, nil
}

// Send enqueues a user message. For an active session with no running query
// this starts one; for a running or paused session the message waits in the
// queue. Completed sessions reject input.
func (m *Manager) Send(ctx context.Context, id, content string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	if status == StatusCompleted {
		return ErrSessionCompleted
	}
	if err := s.queue.Push(engine.UserMessage{Content: content}); err != nil {
		return ErrSessionCompleted
	}
	if status == StatusActive {
		m.startQuery(s)
	}
	return nil
}

// Interrupt cancels the session's running query, if any, and waits until the
// query has fully stopped: no further messages from it will be appended once
// Interrupt returns. Interrupting an idle session is a no-op.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	h := s.running
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	h.interrupted.Store(true)
	h.stream.Interrupt()
	select {
	case <-h.finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for query cancellation: %w", ctx.Err())
	}
}

// Pause stops the session's running query and holds further input in the
// queue until Resume. Pausing a paused session is a no-op.
func (m *Manager) Pause(ctx context.Context, id string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	switch s.status {
	case StatusCompleted:
		s.mu.Unlock()
		return ErrSessionCompleted
	case StatusPaused:
		s.mu.Unlock()
		return nil
	}
	// Flip status before interrupting so the consume goroutine does not
	// start a fresh query off the pending queue.
	s.status = StatusPaused
	s.updatedAt = m.now()
	s.mu.Unlock()

	if err := m.Interrupt(ctx, id); err != nil {
		return err
	}
	m.publisher.Publish(transport.StatusEvent(id, string(StatusPaused)))
	m.persistMeta(s)
	logger.WithSession(id).Info("session paused")
	return nil
}

// Resume reactivates a paused session. Input that accumulated while paused
// starts a query immediately.
func (m *Manager) Resume(ctx context.Context, id string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	switch s.status {
	case StatusCompleted:
		s.mu.Unlock()
		return ErrSessionCompleted
	case StatusActive:
		s.mu.Unlock()
		return nil
	}
	s.status = StatusActive
	s.updatedAt = m.now()
	pending := s.queue.Len() > 0
	s.mu.Unlock()

	m.publisher.Publish(transport.StatusEvent(id, string(StatusActive)))
	m.persistMeta(s)
	logger.WithSession(id).Info("session resumed", "pending", pending)
	if pending {
		m.startQuery(s)
	}
	return nil
}

// Complete ends the session: any running query is interrupted, the queue is
// closed so no further input is accepted, and the history is persisted.
// Completing a completed session is a no-op.
func (m *Manager) Complete(ctx context.Context, id string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.status == StatusCompleted {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusCompleted
	s.updatedAt = m.now()
	s.mu.Unlock()

	if err := m.Interrupt(ctx, id); err != nil {
		return err
	}
	s.queue.Close()
	m.publisher.Publish(transport.StatusEvent(id, string(StatusCompleted)))
	m.persistMeta(s)
	m.persistHistory(s)
	logger.WithSession(id).Info("session completed")
	return nil
}

// Delete interrupts any running query, then removes the session and its
// persisted state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if err := m.Interrupt(ctx, id); err != nil {
		return err
	}
	s.queue.Close()
	m.registry.Remove(id)
	if m.store != nil {
		if err := m.store.DeleteSession(ctx, id); err != nil {
			logger.WithSession(id).Error("failed to delete persisted session", "error", err)
		}
	}
	logger.WithSession(id).Info("session deleted")
	return nil
}

// Rename changes the session's display name.
func (m *Manager) Rename(ctx context.Context, id, name string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.name = name
	s.updatedAt = m.now()
	s.mu.Unlock()
	m.persistMeta(s)
	return nil
}

// Get returns a point-in-time snapshot of one session.
func (m *Manager) Get(id string) (Snapshot, error) {
	s, err := m.registry.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []Snapshot {
	return m.registry.List()
}

// History returns a copy of the session's engine message history.
func (m *Manager) History(id string) ([]engine.Message, error) {
	s, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return s.History(), nil
}

// ResolvePermission answers a pending permission request.
func (m *Manager) ResolvePermission(requestID string, decision engine.PermissionDecision) error {
	return m.gate.Resolve(requestID, decision)
}

// Restore loads persisted sessions into the registry. It is called once at
// startup, before the manager serves any commands.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	metas, err := m.store.ListSessions(ctx, storage.SessionListOptions{Limit: -1})
	if err != nil {
		return fmt.Errorf("listing persisted sessions: %w", err)
	}
	for i := range metas {
		meta := &metas[i]
		history, err := m.store.LoadHistory(ctx, meta.ID)
		if err != nil {
			logger.WithSession(meta.ID).Error("failed to load history", "error", err)
			history = nil
		}
		s := restoredSession(meta, history)
		if err := m.registry.Restore(s); err != nil {
			logger.WithSession(meta.ID).Warn("skipping duplicate persisted session")
			continue
		}
	}
	logger.Get().Info("sessions restored", "count", len(metas))
	return nil
}

// Shutdown interrupts all running queries and waits for their goroutines to
// finish, bounded by ctx. The manager accepts no new queries afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)
	m.cancel()
	for _, s := range m.registry.All() {
		if err := m.Interrupt(ctx, s.ID); err != nil {
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for query runners: %w", ctx.Err())
	}
}

func (m *Manager) applyDefaults(cfg Config) Config {
	if cfg.WorkDir == "" {
		cfg.WorkDir = m.defaults.WorkDir
	}
	if cfg.Model == "" {
		cfg.Model = m.defaults.Model
	}
	if cfg.AllowedTools == nil {
		cfg.AllowedTools = m.defaults.AllowedTools
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = m.defaults.PermissionMode
	}
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = m.defaults.MaxTurns
	}
	return cfg
}

func (m *Manager) persistMeta(s *Session) {
	if m.store == nil {
		return
	}
	snap := s.Snapshot()
	if err := m.store.UpdateSession(context.Background(), metaFromSnapshot(snap)); err != nil {
		logger.WithSession(s.ID).Error("failed to persist session metadata", "error", err)
	}
}

func (m *Manager) persistHistory(s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveHistory(context.Background(), s.ID, s.History()); err != nil {
		logger.WithSession(s.ID).Error("failed to persist history", "error", err)
	}
}

func metaFromSnapshot(snap Snapshot) *storage.Session {
	return &storage.Session{
		ID:             snap.ID,
		Name:           snap.Name,
		Status:         string(snap.Status),
		WorkDir:        snap.Config.WorkDir,
		Model:          snap.Config.Model,
		AllowedTools:   snap.Config.AllowedTools,
		PermissionMode: snap.Config.PermissionMode,
		MaxTurns:       snap.Config.MaxTurns,
		CreatedAt:      snap.CreatedAt,
		UpdatedAt:      snap.UpdatedAt,
	}
}

func restoredSession(meta *storage.Session, history []engine.Message) *Session {
	s := &Session{
		ID:        meta.ID,
		CreatedAt: meta.CreatedAt,
		name:      meta.Name,
		status:    Status(meta.Status),
		config: Config{
			WorkDir:        meta.WorkDir,
			Model:          meta.Model,
			AllowedTools:   meta.AllowedTools,
			PermissionMode: meta.PermissionMode,
			MaxTurns:       meta.MaxTurns,
		},
		history:   history,
		updatedAt: meta.UpdatedAt,
		queue:     NewQueue(),
	}
	// Rebuild conversation context from the persisted assistant turns.
	for _, msg := range history {
		if a, ok := msg.(engine.AssistantMessage); ok {
			if text := a.Text(); text != "" {
				s.turns = append(s.turns, engine.Turn{Role: "assistant", Content: text})
			}
		}
	}
	if s.status == StatusCompleted {
		s.queue.Close()
	}
	return s
}
