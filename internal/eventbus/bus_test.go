package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: FunctionInvoked})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != FunctionInvoked {
				t.Fatalf("Type = %q", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatal("expected Publish to stamp Time")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := Dropped(b); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}
