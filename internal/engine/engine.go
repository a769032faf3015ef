// Package engine defines the boundary to the generative query engine: the
// typed output messages, the pull-based prompt source, and the cancellable
// stream handle returned by a query. The concrete implementation in this
// package drives an OpenAI-compatible chat API with an MCP tool loop.
package engine

import (
	"context"
	"errors"
)

// ErrNoMoreInput is returned by a PromptSource when the input sequence has
// ended (session completed or deleted). It signals exhaustion, not failure.
var ErrNoMoreInput = errors.New("engine: no more input")

// PromptSource is an ordered asynchronous sequence of user messages. Next
// blocks until a message is available, the context is cancelled, or the
// sequence ends with ErrNoMoreInput.
type PromptSource interface {
	Next(ctx context.Context) (UserMessage, error)
}

// PermissionDecision is the outcome of a tool-use permission check. An
// approver may rewrite the tool input before allowing it.
type PermissionDecision struct {
	Allow        bool           `json:"allow"`
	Reason       string         `json:"reason,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// Allowed is shorthand for an unconditional allow decision.
func Allowed() PermissionDecision {
	return PermissionDecision{Allow: true}
}

// Denied builds a deny decision with a human-readable reason.
func Denied(reason string) PermissionDecision {
	return PermissionDecision{Allow: false, Reason: reason}
}

// CanUseToolFunc decides whether the engine may execute a tool. A deny is a
// recoverable refusal: the engine reports it to the model and continues.
type CanUseToolFunc func(ctx context.Context, tool string, input map[string]any) PermissionDecision

// Turn is one prior conversation turn, supplied as context for a new query.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Options configures a single query. They are fixed for the lifetime of the
// query; callers wanting different options start a new one.
type Options struct {
	WorkDir      string
	Model        string
	AllowedTools []string
	MaxTurns     int
	Context      []Turn
	CanUseTool   CanUseToolFunc
}

// Engine runs queries against the generative engine. Implementations must
// return promptly; the returned stream produces messages asynchronously and
// exposes cooperative cancellation.
type Engine interface {
	Query(ctx context.Context, prompt PromptSource, opts Options) (*Stream, error)
}
