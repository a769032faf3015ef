package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/michaelbrown/parley/internal/engine"
	"github.com/michaelbrown/parley/internal/logger"
	"github.com/michaelbrown/parley/internal/transport"
)

// DefaultPermissionTimeout bounds how long a tool-use request waits for a
// decision before being denied, so a stuck approval never wedges a session.
const DefaultPermissionTimeout = 30 * time.Second

// ErrUnknownPermissionRequest is returned when resolving a request that is
// not pending (already resolved, timed out, or never existed).
var ErrUnknownPermissionRequest = errors.New("unknown permission request")

// Gate intercepts tool-use requests from the engine and resolves them
// against an external approval decision. Each request is published as an
// event and suspends the engine's tool invocation until Resolve is called or
// the timeout elapses.
type Gate struct {
	publisher transport.Publisher
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan engine.PermissionDecision
}

// NewGate creates a gate publishing requests to pub. A zero timeout uses
// DefaultPermissionTimeout.
func NewGate(pub transport.Publisher, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	return &Gate{
		publisher: pub,
		timeout:   timeout,
		pending:   make(map[string]chan engine.PermissionDecision),
	}
}

// Request publishes a permission request for the session and blocks until a
// decision arrives, the timeout elapses (deny, reason "timeout"), or ctx is
// cancelled (deny, reason "interrupted").
func (g *Gate) Request(ctx context.Context, sessionID, tool string, input map[string]any) engine.PermissionDecision {
	id := uuid.NewString()
	ch := make(chan engine.PermissionDecision, 1)

	g.mu.Lock()
	g.pending[id] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	log := logger.WithSession(sessionID)
	log.Info("permission requested", "requestID", id, "tool", tool)
	g.publisher.Publish(transport.PermissionEvent(sessionID, id, tool, input))

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		log.Info("permission resolved", "requestID", id, "allow", decision.Allow)
		return decision
	case <-timer.C:
		log.Warn("permission request timed out", "requestID", id, "tool", tool)
		return engine.Denied("timeout")
	case <-ctx.Done():
		log.Debug("permission request cancelled", "requestID", id)
		return engine.Denied("interrupted")
	}
}

// Resolve delivers a decision for a pending request.
func (g *Gate) Resolve(requestID string, decision engine.PermissionDecision) error {
	g.mu.Lock()
	ch, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()
	if !ok {
		return ErrUnknownPermissionRequest
	}
	ch <- decision
	return nil
}
