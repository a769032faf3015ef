// Package logger provides the process-wide structured logger.
//
// All components log through slog with a shared handler so that output can
// be filtered by session or component. Session-scoped code should use
// WithSession so every entry carries the session ID.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu       sync.Mutex
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
)

// Init configures the root logger to write to w. Calling it again replaces
// the previous handler, which tests use to capture output.
func Init(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

// SetDebug enables or disables debug level logging.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

func get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	}
	return root
}

// Get returns the root logger. Use this when there is no session context.
func Get() *slog.Logger {
	return get()
}

// WithSession returns a logger with the session ID attached to every entry.
func WithSession(sessionID string) *slog.Logger {
	return get().With("sessionID", sessionID)
}

// WithComponent returns a logger with a component name attached, for
// non-session-scoped logging.
func WithComponent(component string) *slog.Logger {
	return get().With("component", component)
}
