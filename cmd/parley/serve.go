package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/parley/internal/config"
	"github.com/michaelbrown/parley/internal/engine"
	"github.com/michaelbrown/parley/internal/logger"
	"github.com/michaelbrown/parley/internal/server"
	"github.com/michaelbrown/parley/internal/session"
	"github.com/michaelbrown/parley/internal/storage/sqlite"
	"github.com/michaelbrown/parley/internal/tools"
	"github.com/michaelbrown/parley/internal/transport"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Parley server",
	Long: `Start the Parley HTTP server with REST API and WebSocket event feeds.

Sessions persist across restarts. API endpoints are under /api; per-session
events stream over /api/sessions/{id}/ws.

Examples:
  parley serve
  parley serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logger.Get()

	// Open storage
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	// Create tool registry
	registry := tools.NewRegistry()
	defer registry.Close()

	for name, toolCfg := range cfg.Tools {
		if err := registry.Register(name, toolCfg); err != nil {
			log.Warn("failed to start tool server", "tool", name, "error", err)
		}
	}

	model := cfg.Engine.Model
	if modelFlag != "" {
		model = modelFlag
	}

	eng := engine.NewOpenAIEngine(cfg.Engine.BaseURL, cfg.Engine.APIKey, registry)
	hub := transport.NewHub()
	defer hub.Close()

	manager := session.NewManager(eng, hub, store, session.Options{
		PermissionTimeout: time.Duration(cfg.Permission.TimeoutSeconds) * time.Second,
		AutoAllow:         cfg.Permission.Mode == "auto",
		Defaults: session.Config{
			WorkDir:      cfg.Session.WorkDir,
			Model:        model,
			AllowedTools: cfg.Session.AllowedTools,
			MaxTurns:     cfg.Session.MaxTurns,
		},
	})

	if err := manager.Restore(cmd.Context()); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, manager, hub)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			log.Error("manager shutdown incomplete", "error", err)
		}
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
