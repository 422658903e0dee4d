package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, stop1 := b.Subscribe(4)
	ch2, stop2 := b.Subscribe(4)
	defer stop1()
	defer stop2()

	b.Publish(Event{Type: "job.fired", Data: "42"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != "job.fired" || ev.Data != "42" {
				t.Fatalf("event = %+v", ev)
			}
			if ev.Time.IsZero() {
				t.Fatal("publish should stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, stop := b.Subscribe(1)
	defer stop()

	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"}) // buffer full; must not block

	if ev := <-ch; ev.Type != "first" {
		t.Fatalf("Type = %q, want first", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, stop := b.Subscribe(1)
	stop()
	stop()

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Publish(Event{Type: "after"}) // must not panic
}
