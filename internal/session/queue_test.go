package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/michaelbrown/parley/internal/engine"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if err := q.Push(engine.UserMessage{Content: content}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		msg, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if msg.Content != want {
			t.Errorf("got %q, want %q", msg.Content, want)
		}
	}

	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestQueueNextBlocksUntilPush(t *testing.T) {
	q := NewQueue()

	got := make(chan engine.UserMessage, 1)
	go func() {
		msg, err := q.Next(context.Background())
		if err != nil {
			t.Errorf("Next: %v", err)
			return
		}
		got <- msg
	}()

	// Give the consumer time to park before pushing.
	time.Sleep(20 * time.Millisecond)
	if err := q.Push(engine.UserMessage{Content: "wake up"}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Content != "wake up" {
			t.Errorf("got %q, want %q", msg.Content, "wake up")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake after Push")
	}
}

func TestQueueNextCancelled(t *testing.T) {
	q := NewQueue()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after cancel")
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	q.Push(engine.UserMessage{Content: "pending"})
	q.Close()

	// Pending input drains before the end-of-input signal.
	msg, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Content != "pending" {
		t.Errorf("got %q, want %q", msg.Content, "pending")
	}

	if _, err := q.Next(ctx); !errors.Is(err, engine.ErrNoMoreInput) {
		t.Errorf("got %v, want ErrNoMoreInput", err)
	}

	if err := q.Push(engine.UserMessage{Content: "late"}); !errors.Is(err, engine.ErrNoMoreInput) {
		t.Errorf("Push after Close = %v, want ErrNoMoreInput", err)
	}

	// Close is idempotent
	q.Close()
}

func TestQueueCloseWakesWaiter(t *testing.T) {
	q := NewQueue()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, engine.ErrNoMoreInput) {
			t.Errorf("got %v, want ErrNoMoreInput", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}
