package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/parley/internal/engine"
	"github.com/michaelbrown/parley/internal/transport"
)

// scriptFunc drives one fake query cycle. It owns the stream's producer side
// and must close it.
type scriptFunc func(call int, ctx context.Context, prompt engine.PromptSource, stream *engine.Stream, opts engine.Options)

// fakeEngine runs a script per query, mirroring the one-cycle-per-query
// contract of the real engine.
type fakeEngine struct {
	script scriptFunc

	mu    sync.Mutex
	calls int
	opts  []engine.Options
}

func (f *fakeEngine) Query(ctx context.Context, prompt engine.PromptSource, opts engine.Options) (*engine.Stream, error) {
	qctx, cancel := context.WithCancel(ctx)
	stream := engine.NewStream(cancel)

	f.mu.Lock()
	call := f.calls
	f.calls++
	f.opts = append(f.opts, opts)
	f.mu.Unlock()

	go f.script(call, qctx, prompt, stream, opts)
	return stream, nil
}

func (f *fakeEngine) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEngine) queryOpts(call int) engine.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[call]
}

// echoScript answers one message with an assistant echo and a success result.
func echoScript(_ int, ctx context.Context, prompt engine.PromptSource, stream *engine.Stream, _ engine.Options) {
	defer stream.Close(nil)
	msg, err := prompt.Next(ctx)
	if err != nil {
		return
	}
	stream.Emit(ctx, engine.AssistantMessage{Content: engine.TextBlocks("echo: " + msg.Content)})
	stream.Emit(ctx, engine.ResultMessage{Subtype: engine.ResultSuccess, Detail: "echo: " + msg.Content, NumTurns: 1})
}

// blockScript emits one assistant message and then hangs until interrupted.
func blockScript(_ int, ctx context.Context, prompt engine.PromptSource, stream *engine.Stream, _ engine.Options) {
	defer stream.Close(nil)
	msg, err := prompt.Next(ctx)
	if err != nil {
		return
	}
	stream.Emit(ctx, engine.AssistantMessage{Content: engine.TextBlocks("thinking about " + msg.Content)})
	<-ctx.Done()
}

func newTestManager(t *testing.T, script scriptFunc, opts Options) (*Manager, *fakeEngine, *capturePublisher) {
	t.Helper()
	eng := &fakeEngine{script: script}
	pub := &capturePublisher{}
	m := NewManager(eng, pub, nil, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, eng, pub
}

func historyLen(t *testing.T, m *Manager, id string) int {
	t.Helper()
	history, err := m.History(id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return len(history)
}

func TestSendRunsQueryCycle(t *testing.T) {
	m, _, pub := newTestManager(t, echoScript, Options{})
	ctx := context.Background()

	snap, err := m.Create(ctx, "test", Config{Model: "test-model"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Send(ctx, snap.ID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 2 })

	history, _ := m.History(snap.ID)
	assistant, ok := history[0].(engine.AssistantMessage)
	if !ok {
		t.Fatalf("history[0] = %T, want AssistantMessage", history[0])
	}
	if assistant.Text() != "echo: hello" {
		t.Errorf("assistant text = %q, want %q", assistant.Text(), "echo: hello")
	}
	result, ok := history[1].(engine.ResultMessage)
	if !ok {
		t.Fatalf("history[1] = %T, want ResultMessage", history[1])
	}
	if result.Subtype != engine.ResultSuccess {
		t.Errorf("result subtype = %q, want success", result.Subtype)
	}

	// The cycle ends: no running query, session still active.
	waitFor(t, func() bool {
		got, _ := m.Get(snap.ID)
		return !got.Running
	})
	got, _ := m.Get(snap.ID)
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}

	if events := pub.byType(transport.EventMessage); len(events) != 2 {
		t.Errorf("got %d message events, want 2", len(events))
	}
	if events := pub.byType(transport.EventError); len(events) != 0 {
		t.Errorf("got %d error events, want 0", len(events))
	}
}

func TestInputQueuedWhileRunning(t *testing.T) {
	m, eng, _ := newTestManager(t, echoScript, Options{})
	ctx := context.Background()

	snap, err := m.Create(ctx, "", Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Send(ctx, snap.ID, "one"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.Send(ctx, snap.ID, "two"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Both messages run, in order, across two query cycles.
	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 4 })

	history, _ := m.History(snap.ID)
	first := history[0].(engine.AssistantMessage)
	second := history[2].(engine.AssistantMessage)
	if first.Text() != "echo: one" || second.Text() != "echo: two" {
		t.Errorf("out of order: %q then %q", first.Text(), second.Text())
	}

	waitFor(t, func() bool { return eng.queryCount() == 2 })
}

func TestInterruptStopsQuery(t *testing.T) {
	m, _, pub := newTestManager(t, blockScript, Options{})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	if err := m.Send(ctx, snap.ID, "task"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 1 })

	if err := m.Interrupt(ctx, snap.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	// Once Interrupt returns the query is fully stopped.
	got, _ := m.Get(snap.ID)
	if got.Running {
		t.Error("query still running after Interrupt")
	}
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if n := historyLen(t, m, snap.ID); n != 1 {
		t.Errorf("history length = %d, want 1", n)
	}
	// Interruption is not an error.
	if events := pub.byType(transport.EventError); len(events) != 0 {
		t.Errorf("got %d error events, want 0", len(events))
	}

	// Interrupting an idle session is a no-op.
	if err := m.Interrupt(ctx, snap.ID); err != nil {
		t.Errorf("idle Interrupt: %v", err)
	}
}

func TestAbnormalStreamEndEmitsError(t *testing.T) {
	script := func(_ int, ctx context.Context, prompt engine.PromptSource, stream *engine.Stream, _ engine.Options) {
		msg, err := prompt.Next(ctx)
		if err != nil {
			stream.Close(nil)
			return
		}
		stream.Emit(ctx, engine.AssistantMessage{Content: engine.TextBlocks("partial answer to " + msg.Content)})
		stream.Close(errors.New("connection reset"))
	}
	m, _, pub := newTestManager(t, script, Options{})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "hello")

	waitFor(t, func() bool { return len(pub.byType(transport.EventError)) == 1 })

	ev := pub.byType(transport.EventError)[0]
	if !strings.Contains(ev.Error, "connection reset") {
		t.Errorf("error event = %q, want connection reset", ev.Error)
	}

	// The session survives the failure.
	got, _ := m.Get(snap.ID)
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	waitFor(t, func() bool {
		got, _ := m.Get(snap.ID)
		return !got.Running
	})
}

func TestErrorResultKeepsSessionActive(t *testing.T) {
	script := func(_ int, ctx context.Context, prompt engine.PromptSource, stream *engine.Stream, _ engine.Options) {
		defer stream.Close(nil)
		if _, err := prompt.Next(ctx); err != nil {
			return
		}
		stream.Emit(ctx, engine.ResultMessage{Subtype: engine.ResultError, Detail: "model overloaded"})
	}
	m, _, pub := newTestManager(t, script, Options{})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "hello")

	waitFor(t, func() bool { return len(pub.byType(transport.EventError)) == 1 })

	got, _ := m.Get(snap.ID)
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active: an error result must not complete the session", got.Status)
	}

	// The error result still lands in history.
	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 1 })
}

func TestPauseAndResume(t *testing.T) {
	script := func(call int, ctx context.Context, prompt engine.PromptSource, stream *engine.Stream, opts engine.Options) {
		if call == 0 {
			blockScript(call, ctx, prompt, stream, opts)
		} else {
			echoScript(call, ctx, prompt, stream, opts)
		}
	}
	m, eng, pub := newTestManager(t, script, Options{})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "one")
	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 1 })

	// Pause interrupts the running query.
	if err := m.Pause(ctx, snap.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	got, _ := m.Get(snap.ID)
	if got.Status != StatusPaused {
		t.Errorf("status = %q, want paused", got.Status)
	}
	if got.Running {
		t.Error("query still running after Pause")
	}

	// Paused sessions accept input but start no query.
	if err := m.Send(ctx, snap.ID, "two"); err != nil {
		t.Fatalf("Send while paused: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := eng.queryCount(); n != 1 {
		t.Errorf("query count = %d while paused, want 1", n)
	}
	got, _ = m.Get(snap.ID)
	if got.QueueLen != 1 {
		t.Errorf("queue length = %d, want 1", got.QueueLen)
	}

	// Resume drains the queued input.
	if err := m.Resume(ctx, snap.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 3 })

	history, _ := m.History(snap.ID)
	if a := history[1].(engine.AssistantMessage); a.Text() != "echo: two" {
		t.Errorf("resumed answer = %q, want %q", a.Text(), "echo: two")
	}

	statuses := pub.byType(transport.EventStatusChanged)
	var seq []string
	for _, ev := range statuses {
		seq = append(seq, ev.Status)
	}
	want := []string{"active", "paused", "active"}
	if len(seq) != len(want) {
		t.Fatalf("status events = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("status event %d = %q, want %q", i, seq[i], want[i])
		}
	}
}

func TestCompleteRejectsFurtherInput(t *testing.T) {
	m, _, _ := newTestManager(t, echoScript, Options{})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	if err := m.Complete(ctx, snap.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := m.Get(snap.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}

	if err := m.Send(ctx, snap.ID, "too late"); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("Send = %v, want ErrSessionCompleted", err)
	}
	if err := m.Pause(ctx, snap.ID); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("Pause = %v, want ErrSessionCompleted", err)
	}
	if err := m.Resume(ctx, snap.ID); !errors.Is(err, ErrSessionCompleted) {
		t.Errorf("Resume = %v, want ErrSessionCompleted", err)
	}
	// Completing again is a no-op.
	if err := m.Complete(ctx, snap.ID); err != nil {
		t.Errorf("second Complete: %v", err)
	}
}

func TestDeleteInterruptsAndRemoves(t *testing.T) {
	m, _, _ := newTestManager(t, blockScript, Options{})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "task")
	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 1 })

	if err := m.Delete(ctx, snap.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := m.Get(snap.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete = %v, want ErrSessionNotFound", err)
	}
	if err := m.Send(ctx, snap.ID, "gone"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Send after delete = %v, want ErrSessionNotFound", err)
	}
}

func TestQueriesCarryConversationContext(t *testing.T) {
	m, eng, _ := newTestManager(t, echoScript, Options{})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "one")
	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 2 })
	waitFor(t, func() bool {
		got, _ := m.Get(snap.ID)
		return !got.Running
	})

	m.Send(ctx, snap.ID, "two")
	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 4 })

	opts := eng.queryOpts(1)
	if len(opts.Context) != 2 {
		t.Fatalf("context length = %d, want 2", len(opts.Context))
	}
	if opts.Context[0].Role != "user" || opts.Context[0].Content != "one" {
		t.Errorf("context[0] = %+v, want user/one", opts.Context[0])
	}
	if opts.Context[1].Role != "assistant" || opts.Context[1].Content != "echo: one" {
		t.Errorf("context[1] = %+v, want assistant/echo: one", opts.Context[1])
	}
}

// gateScript asks permission for one tool call and reports the outcome.
func gateScript(_ int, ctx context.Context, prompt engine.PromptSource, stream *engine.Stream, opts engine.Options) {
	defer stream.Close(nil)
	msg, err := prompt.Next(ctx)
	if err != nil {
		return
	}
	decision := opts.CanUseTool(ctx, "shell_exec", map[string]any{"command": msg.Content})
	detail := "denied: " + decision.Reason
	if decision.Allow {
		detail = "allowed"
	}
	stream.Emit(ctx, engine.ResultMessage{Subtype: engine.ResultSuccess, Detail: detail, NumTurns: 1})
}

func TestPermissionPromptFlow(t *testing.T) {
	m, _, pub := newTestManager(t, gateScript, Options{PermissionTimeout: 2 * time.Second})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "ls")

	waitFor(t, func() bool { return len(pub.byType(transport.EventPermissionRequest)) == 1 })
	req := pub.byType(transport.EventPermissionRequest)[0]
	if req.Permission.Tool != "shell_exec" {
		t.Errorf("tool = %q, want shell_exec", req.Permission.Tool)
	}

	if err := m.ResolvePermission(req.Permission.RequestID, engine.Allowed()); err != nil {
		t.Fatalf("ResolvePermission: %v", err)
	}

	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 1 })
	history, _ := m.History(snap.ID)
	if res := history[0].(engine.ResultMessage); res.Detail != "allowed" {
		t.Errorf("result = %q, want allowed", res.Detail)
	}
}

func TestPermissionTimeoutDenies(t *testing.T) {
	m, _, pub := newTestManager(t, gateScript, Options{PermissionTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "rm -rf /")

	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 1 })
	history, _ := m.History(snap.ID)
	if res := history[0].(engine.ResultMessage); res.Detail != "denied: timeout" {
		t.Errorf("result = %q, want %q", res.Detail, "denied: timeout")
	}
	if events := pub.byType(transport.EventPermissionRequest); len(events) != 1 {
		t.Errorf("got %d permission events, want 1", len(events))
	}
}

func TestPermissionAutoAllow(t *testing.T) {
	m, _, pub := newTestManager(t, gateScript, Options{AutoAllow: true})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "ls")

	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 1 })
	history, _ := m.History(snap.ID)
	if res := history[0].(engine.ResultMessage); res.Detail != "allowed" {
		t.Errorf("result = %q, want allowed", res.Detail)
	}
	if events := pub.byType(transport.EventPermissionRequest); len(events) != 0 {
		t.Errorf("got %d permission events, want 0 in auto mode", len(events))
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	m, _, pub := newTestManager(t, blockScript, Options{})
	ctx := context.Background()

	a, _ := m.Create(ctx, "a", Config{})
	b, _ := m.Create(ctx, "b", Config{})

	m.Send(ctx, a.ID, "task a")
	m.Send(ctx, b.ID, "task b")
	waitFor(t, func() bool {
		return historyLen(t, m, a.ID) == 1 && historyLen(t, m, b.ID) == 1
	})

	// Interrupting one session leaves the other running.
	if err := m.Interrupt(ctx, a.ID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	gotA, _ := m.Get(a.ID)
	gotB, _ := m.Get(b.ID)
	if gotA.Running {
		t.Error("session a still running")
	}
	if !gotB.Running {
		t.Error("session b should still be running")
	}

	for _, ev := range pub.byType(transport.EventMessage) {
		if ev.SessionID != a.ID && ev.SessionID != b.ID {
			t.Errorf("event for unknown session %q", ev.SessionID)
		}
	}
}

func TestShutdownStopsRunners(t *testing.T) {
	m, _, _ := newTestManager(t, blockScript, Options{})
	ctx := context.Background()

	snap, _ := m.Create(ctx, "", Config{})
	m.Send(ctx, snap.ID, "task")
	waitFor(t, func() bool { return historyLen(t, m, snap.ID) == 1 })

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, _ := m.Get(snap.ID)
	if got.Running {
		t.Error("query still running after Shutdown")
	}
}
