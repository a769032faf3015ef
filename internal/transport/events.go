// Package transport delivers session-scoped events to the presentation
// layer. The Hub is an in-process publish/subscribe fan-out; the WebSocket
// layer in internal/server bridges it to remote clients.
package transport

import (
	"encoding/json"

	"github.com/michaelbrown/parley/internal/engine"
)

// EventType identifies the kind of a session-scoped event.
type EventType string

const (
	// EventMessage carries an engine message appended to session history.
	EventMessage EventType = "message"
	// EventPermissionRequest announces a tool-use request awaiting a decision.
	EventPermissionRequest EventType = "permission-request"
	// EventError surfaces a query failure scoped to one session.
	EventError EventType = "error"
	// EventStatusChanged reports a session lifecycle transition.
	EventStatusChanged EventType = "session-status-changed"
)

// PermissionPayload describes a pending tool-use request.
type PermissionPayload struct {
	RequestID string         `json:"request_id"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
}

// Event is one session-scoped notification. Exactly one of the payload
// fields is set, according to Type.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	Message    json.RawMessage    `json:"message,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Error      string             `json:"error,omitempty"`
	Status     string             `json:"status,omitempty"`
}

// MessageEvent builds a message event from a typed engine message.
func MessageEvent(sessionID string, m engine.Message) (Event, error) {
	data, err := engine.EncodeMessage(m)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EventMessage, SessionID: sessionID, Message: data}, nil
}

// ErrorEvent builds an error event.
func ErrorEvent(sessionID, detail string) Event {
	return Event{Type: EventError, SessionID: sessionID, Error: detail}
}

// StatusEvent builds a status-changed event.
func StatusEvent(sessionID, status string) Event {
	return Event{Type: EventStatusChanged, SessionID: sessionID, Status: status}
}

// PermissionEvent builds a permission-request event.
func PermissionEvent(sessionID, requestID, tool string, input map[string]any) Event {
	return Event{
		Type:      EventPermissionRequest,
		SessionID: sessionID,
		Permission: &PermissionPayload{
			RequestID: requestID,
			Tool:      tool,
			Input:     input,
		},
	}
}

// Publisher is the outbound event channel consumed by session components.
type Publisher interface {
	Publish(Event)
}
