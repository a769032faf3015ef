package session

import (
	"context"
	"sync"

	"github.com/michaelbrown/parley/internal/engine"
)

// Queue is the per-session FIFO of pending user messages, bridging the
// push-based command side to the engine's pull-based prompt source. It is
// unbounded; user-authored turns are small and infrequent relative to engine
// throughput.
//
// There is exactly one consumer (the query loop pulling for the engine), so
// a message leaves the queue exactly once and is never re-delivered. Pull
// suspends on an empty queue instead of reporting exhaustion: the underlying
// sequence only ends when the queue is closed by session completion or
// deletion.
type Queue struct {
	mu       sync.Mutex
	items    []engine.UserMessage
	notify   chan struct{} // 1-buffered wakeup token for the consumer
	closedCh chan struct{}
	closed   bool
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	return &Queue{
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends a message and wakes the consumer if it is waiting. Pushing to
// a closed queue reports ErrNoMoreInput.
func (q *Queue) Push(msg engine.UserMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return engine.ErrNoMoreInput
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next removes and returns the oldest message, blocking while the queue is
// empty. It returns ErrNoMoreInput once the queue is closed, and ctx.Err()
// if the caller's context ends first. Next implements engine.PromptSource.
func (q *Queue) Next(ctx context.Context) (engine.UserMessage, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return engine.UserMessage{}, engine.ErrNoMoreInput
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.closedCh:
		case <-ctx.Done():
			return engine.UserMessage{}, ctx.Err()
		}
	}
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close ends the queue: blocked and future Next calls return ErrNoMoreInput.
// Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}

var _ engine.PromptSource = (*Queue)(nil)
