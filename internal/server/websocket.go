package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/parley/internal/engine"
	"github.com/michaelbrown/parley/internal/logger"
	"github.com/michaelbrown/parley/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Tailscale handles auth
	},
}

// wsCommand is a message from the client. Type is one of "message",
// "interrupt", or "permission".
type wsCommand struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`

	RequestID    string         `json:"request_id,omitempty"`
	Allow        bool           `json:"allow,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// handleWebSocket streams session events to the client and accepts commands
// back. With an {id} route parameter the feed is scoped to one session;
// without it the client sees every session's events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID != "" {
		if _, err := s.manager.Get(sessionID); err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Get().Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe(sessionID)
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	// Writes are serialized: the event pump and command error replies share
	// the connection.
	var wsMu sync.Mutex

	go func() {
		defer stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				wsMu.Lock()
				err := conn.WriteJSON(ev)
				wsMu.Unlock()
				if err != nil {
					logger.Get().Debug("websocket write failed", "error", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Get().Debug("websocket read failed", "error", err)
			}
			return
		}

		if err := s.dispatchCommand(ctx, sessionID, cmd); err != nil {
			target := cmd.SessionID
			if target == "" {
				target = sessionID
			}
			wsMu.Lock()
			writeErr := conn.WriteJSON(transport.ErrorEvent(target, err.Error()))
			wsMu.Unlock()
			if writeErr != nil {
				return
			}
		}
	}
}

// dispatchCommand routes one client command to the manager. On a
// session-scoped feed the command's session defaults to the feed's session.
func (s *Server) dispatchCommand(ctx context.Context, feedSession string, cmd wsCommand) error {
	target := cmd.SessionID
	if target == "" {
		target = feedSession
	}

	switch cmd.Type {
	case "message":
		if cmd.Content == "" {
			return errInvalidCommand
		}
		return s.manager.Send(ctx, target, cmd.Content)
	case "interrupt":
		return s.manager.Interrupt(ctx, target)
	case "permission":
		return s.manager.ResolvePermission(cmd.RequestID, engine.PermissionDecision{
			Allow:        cmd.Allow,
			Reason:       cmd.Reason,
			UpdatedInput: cmd.UpdatedInput,
		})
	default:
		return errInvalidCommand
	}
}

var errInvalidCommand = errors.New("invalid command")
