package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/parley/internal/config"
	"github.com/michaelbrown/parley/internal/engine"
	"github.com/michaelbrown/parley/internal/session"
	"github.com/michaelbrown/parley/internal/storage/sqlite"
	"github.com/michaelbrown/parley/internal/tools"
	"github.com/michaelbrown/parley/internal/transport"
)

var resumeID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive conversation in a single Parley session.
The model can use tools; each tool call asks for permission unless the
session runs in auto mode.

Examples:
  parley chat
  parley chat --model qwen3:8b
  parley chat --profile coder`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Load session profile if specified
	var profile *config.Profile
	if profileFlag != "" {
		profile, err = config.FindProfile(cfg.Session.ProfilesDir, profileFlag)
		if err != nil {
			return fmt.Errorf("loading profile: %w", err)
		}
	}

	model := modelFlag
	if model == "" {
		if profile != nil && profile.Model != "" {
			model = profile.Model
		} else {
			model = cfg.Engine.Model
		}
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	// Create tool registry from config
	registry := tools.NewRegistry()
	defer registry.Close()

	for name, toolCfg := range cfg.Tools {
		if err := registry.Register(name, toolCfg); err != nil {
			fmt.Printf("Warning: failed to start tool server %s: %v\n", name, err)
		}
	}

	eng := engine.NewOpenAIEngine(cfg.Engine.BaseURL, cfg.Engine.APIKey, registry)
	hub := transport.NewHub()
	defer hub.Close()

	manager := session.NewManager(eng, hub, store, session.Options{
		PermissionTimeout: time.Duration(cfg.Permission.TimeoutSeconds) * time.Second,
		AutoAllow:         cfg.Permission.Mode == "auto",
		Defaults: session.Config{
			WorkDir:  cfg.Session.WorkDir,
			Model:    model,
			MaxTurns: cfg.Session.MaxTurns,
		},
	})
	if err := manager.Restore(cmd.Context()); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	}()

	snap, err := chatSession(cmd.Context(), manager, store, profile)
	if err != nil {
		return err
	}

	fmt.Printf("Parley - Interactive Chat\n")
	if profile != nil {
		fmt.Printf("Profile: %s\n", profile.Name)
	}
	fmt.Printf("Session: %s | Model: %s\n", snap.ID[:8], snap.Config.Model)
	if registry.HasTools() {
		fmt.Printf("Tools: MCP servers loaded\n")
	}
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	// Render session events as they arrive
	events, unsubscribe := hub.Subscribe(snap.ID)
	defer unsubscribe()
	go renderEvents(events)

	// Set up readline for input with history
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36myou>\033[0m ",
		HistoryFile:     "/tmp/parley_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C interrupts the running query, not the whole app.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			manager.Interrupt(ctx, snap.ID)
			cancel()
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if done := handleCommand(cmd.Context(), input, manager, snap.ID); done {
				continue
			}
		}

		if err := manager.Send(cmd.Context(), snap.ID, input); err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
		}
	}
}

// chatSession resolves the session to chat in: the resumed one if --resume
// was given, otherwise a fresh session.
func chatSession(ctx context.Context, manager *session.Manager, store *sqlite.SQLiteStore, profile *config.Profile) (session.Snapshot, error) {
	if resumeID != "" {
		// The store resolves ID prefixes
		meta, err := store.GetSession(ctx, resumeID)
		if err != nil {
			return session.Snapshot{}, err
		}
		if err := manager.Resume(ctx, meta.ID); err != nil {
			return session.Snapshot{}, err
		}
		return manager.Get(meta.ID)
	}

	cfg := session.Config{}
	if profile != nil {
		cfg.WorkDir = profile.WorkDir
		cfg.Model = profile.Model
		cfg.AllowedTools = profile.AllowedTools
		cfg.PermissionMode = profile.PermissionMode
		cfg.MaxTurns = profile.MaxTurns
	}
	return manager.Create(ctx, "", cfg)
}

// renderEvents prints the session's event stream.
func renderEvents(events <-chan transport.Event) {
	for ev := range events {
		switch ev.Type {
		case transport.EventMessage:
			msg, err := engine.DecodeMessage(ev.Message)
			if err != nil {
				continue
			}
			renderMessage(msg)
		case transport.EventError:
			fmt.Printf("\n\033[31merror: %s\033[0m\n", ev.Error)
		case transport.EventPermissionRequest:
			p := ev.Permission
			input, _ := json.Marshal(p.Input)
			fmt.Printf("\n\033[33m? Tool %s wants to run: %s\033[0m\n", p.Tool, string(input))
			fmt.Printf("  /allow %s or /deny %s\n", p.RequestID, p.RequestID)
		}
	}
}

func renderMessage(msg engine.Message) {
	switch m := msg.(type) {
	case engine.AssistantMessage:
		for _, block := range m.Content {
			switch block.Type {
			case engine.ContentText:
				fmt.Printf("\n\033[32mparley>\033[0m %s\n", block.Text)
			case engine.ContentToolUse:
				fmt.Printf("  \033[33m⚡ Tool: %s\033[0m\n", block.ToolName)
			}
		}
	case engine.ResultMessage:
		if m.Subtype == engine.ResultSuccess {
			fmt.Println()
		}
	}
}

func handleCommand(ctx context.Context, input string, manager *session.Manager, sessionID string) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		os.Exit(0)
	case "/interrupt":
		if err := manager.Interrupt(ctx, sessionID); err != nil {
			fmt.Printf("error: %s\n", err)
		} else {
			fmt.Println("(interrupted)")
		}
	case "/pause":
		if err := manager.Pause(ctx, sessionID); err != nil {
			fmt.Printf("error: %s\n", err)
		} else {
			fmt.Println("Session paused. Input queues until /resume.")
		}
	case "/resume":
		if err := manager.Resume(ctx, sessionID); err != nil {
			fmt.Printf("error: %s\n", err)
		} else {
			fmt.Println("Session resumed.")
		}
	case "/allow", "/deny":
		if len(fields) < 2 {
			fmt.Printf("usage: %s <request-id>\n", fields[0])
			return true
		}
		decision := engine.Allowed()
		if fields[0] == "/deny" {
			decision = engine.Denied("denied by user")
		}
		if err := manager.ResolvePermission(fields[1], decision); err != nil {
			fmt.Printf("error: %s\n", err)
		}
	case "/history":
		history, err := manager.History(sessionID)
		if err != nil {
			fmt.Printf("error: %s\n", err)
			return true
		}
		data, err := engine.EncodeHistory(history)
		if err != nil {
			fmt.Printf("error: %s\n", err)
			return true
		}
		fmt.Println(string(data))
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help       - Show this help")
		fmt.Println("  /interrupt  - Cancel the running query")
		fmt.Println("  /pause      - Pause the session (input queues)")
		fmt.Println("  /resume     - Resume a paused session")
		fmt.Println("  /allow <id> - Allow a pending tool request")
		fmt.Println("  /deny <id>  - Deny a pending tool request")
		fmt.Println("  /history    - Show raw session history (JSON)")
		fmt.Println("  /quit       - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return true
}
