package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersKinds(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	circuits, unsub := b.Subscribe(4, CircuitOpened)
	defer unsub()

	b.Publish(Event{Kind: PassDone})
	b.Publish(Event{Kind: CircuitOpened, ActionUID: "a1"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(circuits); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	e := <-circuits
	if e.ActionUID != "a1" || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	for i := 0; i < 3; i++ {
		b.Publish(Event{Kind: PassDone, Time: time.Unix(int64(i), 0)})
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
	if e := <-ch; e.Time.Unix() != 0 {
		t.Fatalf("kept event %v, want the first", e.Time)
	}

	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	// Publishing with no subscribers is a no-op.
	b.Publish(Event{Kind: PassDone})
}
