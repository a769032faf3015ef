package session

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/michaelbrown/parley/internal/engine"
	"github.com/michaelbrown/parley/internal/logger"
	"github.com/michaelbrown/parley/internal/transport"
)

// queryHandle is the ownership handle for one in-flight query. It is set as
// Session.running by startQuery and cleared only by the consume goroutine;
// other components request changes through Manager operations, never by
// touching the handle.
type queryHandle struct {
	stream      *engine.Stream
	interrupted atomic.Bool
	// finished is closed once the handle has been detached from the session
	// and no further messages from this query will be appended.
	finished chan struct{}
}

// promptSource is the per-session bridge handed to the engine. It records
// each delivered message as conversation context at the hand-off point, the
// only place a queued message leaves the queue.
type promptSource struct {
	session *Session
}

func (p *promptSource) Next(ctx context.Context) (engine.UserMessage, error) {
	msg, err := p.session.queue.Next(ctx)
	if err != nil {
		return engine.UserMessage{}, err
	}
	p.session.recordUserTurn(msg.Content)
	return msg, nil
}

// startQuery opens a new engine query for the session unless one is already
// running or the session is not active. The session mutex is held across the
// idle check and the handle swap, so at most one query runs per session.
func (m *Manager) startQuery(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil || s.status != StatusActive {
		return
	}

	cfg := s.config.clone()
	opts := engine.Options{
		WorkDir:      cfg.WorkDir,
		Model:        cfg.Model,
		AllowedTools: cfg.AllowedTools,
		MaxTurns:     cfg.MaxTurns,
		Context:      slices.Clone(s.turns),
		CanUseTool:   m.canUseTool(s.ID, cfg.PermissionMode),
	}

	stream, err := m.engine.Query(m.ctx, &promptSource{session: s}, opts)
	if err != nil {
		logger.WithSession(s.ID).Error("failed to start query", "error", err)
		m.publisher.Publish(transport.ErrorEvent(s.ID, err.Error()))
		return
	}

	h := &queryHandle{stream: stream, finished: make(chan struct{})}
	s.running = h

	m.wg.Add(1)
	go m.consume(s, h)
}

// canUseTool returns the permission hook for a query. Auto-allow is an
// explicit configuration choice (session permission mode "auto", or the
// manager-wide flag); otherwise every tool use goes through the gate.
func (m *Manager) canUseTool(sessionID, mode string) engine.CanUseToolFunc {
	auto := mode == "auto" || (mode == "" && m.autoAllow)
	if auto {
		log := logger.WithSession(sessionID)
		return func(_ context.Context, tool string, _ map[string]any) engine.PermissionDecision {
			log.Debug("auto-allowing tool use", "tool", tool)
			return engine.Allowed()
		}
	}
	return func(ctx context.Context, tool string, input map[string]any) engine.PermissionDecision {
		return m.gate.Request(ctx, sessionID, tool, input)
	}
}

// consume drives one query cycle: every engine message is appended to
// history and published; a result message ends the cycle. Engine failures
// are converted into error events here and never escape to other sessions.
func (m *Manager) consume(s *Session, h *queryHandle) {
	defer m.wg.Done()
	log := logger.WithSession(s.ID)
	log.Debug("query started")

	sawResult := false
	for msg := range h.stream.Messages() {
		if h.interrupted.Load() {
			// Interrupted: the undelivered remainder of the response is lost.
			break
		}

		s.appendMessage(msg, m.now())
		if ev, err := transport.MessageEvent(s.ID, msg); err == nil {
			m.publisher.Publish(ev)
		} else {
			log.Error("failed to encode message event", "error", err)
		}

		if res, ok := msg.(engine.ResultMessage); ok {
			sawResult = true
			if res.Subtype == engine.ResultError {
				m.publisher.Publish(transport.ErrorEvent(s.ID, res.Detail))
				log.Warn("query cycle ended with error", "detail", res.Detail)
			} else {
				log.Debug("query cycle completed", "turns", res.NumTurns)
			}
			break
		}
	}

	// End the cycle: release the engine's pending input pull and wait for it
	// to acknowledge teardown before giving up ownership of the handle.
	h.stream.Interrupt()
	<-h.stream.Done()

	s.mu.Lock()
	s.running = nil
	s.mu.Unlock()

	if !sawResult && !h.interrupted.Load() {
		// The engine terminated without a result message. Surface a
		// synthetic error so the session never sticks in a running state.
		detail := "query ended unexpectedly"
		if err := h.stream.Err(); err != nil {
			detail = err.Error()
		}
		m.publisher.Publish(transport.ErrorEvent(s.ID, detail))
		log.Warn("query ended without result", "detail", detail)
	}

	close(h.finished)

	m.persistHistory(s)

	// Input that arrived while this cycle ran starts the next one.
	s.mu.Lock()
	pending := s.status == StatusActive && s.running == nil && s.queue.Len() > 0
	s.mu.Unlock()
	if pending && !m.closed.Load() {
		m.startQuery(s)
	}
}
