package transport

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestHubScopedSubscription(t *testing.T) {
	h := NewHub()
	defer h.Close()

	chA, cancelA := h.Subscribe("sess-a")
	defer cancelA()
	chAll, cancelAll := h.Subscribe("")
	defer cancelAll()

	h.Publish(ErrorEvent("sess-a", "for a"))
	h.Publish(ErrorEvent("sess-b", "for b"))

	// The scoped subscriber sees only its session.
	ev := recv(t, chA)
	if ev.SessionID != "sess-a" {
		t.Errorf("scoped subscriber got event for %q", ev.SessionID)
	}
	select {
	case ev := <-chA:
		t.Errorf("unexpected event for %q on scoped channel", ev.SessionID)
	default:
	}

	// The wildcard subscriber sees both.
	first := recv(t, chAll)
	second := recv(t, chAll)
	if first.SessionID != "sess-a" || second.SessionID != "sess-b" {
		t.Errorf("wildcard got %q then %q", first.SessionID, second.SessionID)
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, cancel := h.Subscribe("sess-a")
	cancel()

	// Cancel closes the channel and unregisters; publishing must not panic.
	h.Publish(ErrorEvent("sess-a", "late"))

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Cancelling again is safe.
	cancel()
}

func TestHubSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, cancel := h.Subscribe("")
	defer cancel()

	// Publish never blocks, even far past the subscriber buffer.
	for i := 0; i < subscriberBuffer*2; i++ {
		h.Publish(StatusEvent("sess-a", "active"))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained != subscriberBuffer {
		t.Errorf("drained %d events, want %d buffered", drained, subscriberBuffer)
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub()

	ch, _ := h.Subscribe("")
	h.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after hub Close")
	}

	// Operations on a closed hub are no-ops.
	h.Publish(ErrorEvent("sess-a", "late"))
	late, cancelLate := h.Subscribe("")
	if _, ok := <-late; ok {
		t.Error("expected closed channel from subscribe after Close")
	}
	cancelLate()
	h.Close()
}
