package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/parley/internal/config"
	"github.com/michaelbrown/parley/internal/logger"
	"github.com/michaelbrown/parley/internal/session"
	"github.com/michaelbrown/parley/internal/transport"
)

// Server is the HTTP server for the Parley API.
type Server struct {
	cfg      *config.Config
	manager  *session.Manager
	hub      *transport.Hub
	router   chi.Router
	http     *http.Server
}

// New creates a new Server.
func New(cfg *config.Config, manager *session.Manager, hub *transport.Hub) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		hub:     hub,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Sessions
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Patch("/sessions/{id}", s.handleRenameSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)

		// Messages and lifecycle
		r.Get("/sessions/{id}/history", s.handleGetHistory)
		r.Post("/sessions/{id}/messages", s.handleSendMessage)
		r.Post("/sessions/{id}/interrupt", s.handleInterrupt)
		r.Post("/sessions/{id}/pause", s.handlePause)
		r.Post("/sessions/{id}/resume", s.handleResume)
		r.Post("/sessions/{id}/complete", s.handleComplete)

		// Permissions
		r.Post("/permissions/{requestID}", s.handleResolvePermission)

		// WebSocket event feeds (no JSON content-type)
		r.Get("/sessions/{id}/ws", s.handleWebSocket)
		r.Get("/ws", s.handleWebSocket)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	logger.Get().Info("server starting", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Get().Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
