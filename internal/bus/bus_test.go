package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(MessageUpserted, "m1")

	select {
	case evt := <-ch:
		if evt.Kind != MessageUpserted {
			t.Errorf("got kind %q, want %q", evt.Kind, MessageUpserted)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Emit(ChatUpserted, nil)
	b.Emit(ConnOnline, nil)

	select {
	case evt := <-ch:
		if evt.Kind != ConnOnline {
			t.Errorf("got kind %q, want %q", evt.Kind, ConnOnline)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("chat.", 10)
	unsub()
	unsub()

	b.Emit(ChatUpserted, nil)

	if _, ok := <-ch; ok {
		t.Error("received event after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 1)
	defer unsub()

	b.Emit(DrainStarted, nil)
	b.Emit(DrainFinished, nil)

	evt := <-ch
	if evt.Kind != DrainStarted {
		t.Errorf("got %q, want %q", evt.Kind, DrainStarted)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
