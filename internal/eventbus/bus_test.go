package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	capt, unsubCapt := b.Subscribe(4, "autocapture.")
	defer unsubCapt()

	b.Publish(Event{Type: "config.reloaded"})
	b.Publish(Event{Type: "autocapture.started", Data: "p1"})

	if got := (<-all).Type; got != "config.reloaded" {
		t.Fatalf("first event on all = %s", got)
	}
	if got := (<-all).Type; got != "autocapture.started" {
		t.Fatalf("second event on all = %s", got)
	}
	e := <-capt
	if e.Type != "autocapture.started" || e.Data != "p1" {
		t.Fatalf("unexpected filtered event %+v", e)
	}
	if e.Time.IsZero() {
		t.Fatal("Publish should stamp Time")
	}
	select {
	case extra := <-capt:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if b.Dropped() != 9 {
		t.Fatalf("Dropped = %d, want 9", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
