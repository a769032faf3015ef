package engine

import (
	"context"
	"sync"
)

// Stream is the handle to one in-flight query. The consumer reads Messages
// until the channel closes; Interrupt requests cooperative cancellation and
// Done is closed once the engine has acknowledged teardown.
type Stream struct {
	msgs   chan Message
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewStream creates a stream whose Interrupt calls cancel. The producer side
// (an Engine implementation) emits messages with Emit and must call Close
// exactly once when finished.
func NewStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		msgs:   make(chan Message, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Messages returns the ordered output sequence. It is closed when the query
// ends for any reason.
func (s *Stream) Messages() <-chan Message {
	return s.msgs
}

// Interrupt requests cooperative cancellation. Safe to call more than once.
// Callers that need acknowledgement wait on Done.
func (s *Stream) Interrupt() {
	s.cancel()
}

// Done is closed after the engine has finished teardown and will emit no
// further messages.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports an abnormal termination cause. Valid after Done is closed; nil
// for natural completion and interruption.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers one message to the consumer. It returns false if the query
// context was cancelled before the message could be delivered.
func (s *Stream) Emit(ctx context.Context, m Message) bool {
	select {
	case s.msgs <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream, recording err as the abnormal termination cause.
// Must be called exactly once, by the producer.
func (s *Stream) Close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.msgs)
	close(s.done)
}
