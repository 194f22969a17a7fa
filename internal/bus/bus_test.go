package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan Event, 10)
	b.Subscribe("sub1", func(ev Event) { got <- ev })

	b.Publish(Event{Kind: EventRunCreated, Topic: "agent:agt_1", Payload: "hello"})

	select {
	case ev := <-got:
		if ev.Kind != EventRunCreated {
			t.Fatalf("kind = %q, want %q", ev.Kind, EventRunCreated)
		}
		if ev.Topic != "agent:agt_1" {
			t.Fatalf("topic = %q, want %q", ev.Topic, "agent:agt_1")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestKindFilter(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan Event, 10)
	b.Subscribe("runs-only", func(ev Event) { got <- ev }, EventRunCreated, EventRunUpdated)

	b.Publish(Event{Kind: EventStreamChunk})
	b.Publish(Event{Kind: EventRunUpdated})

	select {
	case ev := <-got:
		if ev.Kind != EventRunUpdated {
			t.Fatalf("kind = %q, want %q (stream_chunk should be filtered)", ev.Kind, EventRunUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPerSubscriberFIFO(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	const n = 100
	b.Subscribe("ordered", func(ev Event) {
		mu.Lock()
		order = append(order, ev.Payload.(int))
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		b.Publish(Event{Kind: EventNodeState, Payload: i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockSiblings(t *testing.T) {
	b := New()
	defer b.Close()

	// The slow subscriber never drains past the first event.
	block := make(chan struct{})
	b.Subscribe("slow", func(ev Event) { <-block })
	defer close(block)

	healthy := make(chan Event, defaultQueueSize+100)
	b.Subscribe("healthy", func(ev Event) { healthy <- ev })

	// Overflow the slow subscriber's queue; the publisher must not block.
	published := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize+50; i++ {
			b.Publish(Event{Kind: EventStreamChunk, Payload: i})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if b.Dropped() == 0 {
		t.Fatal("expected dropped events for the slow subscriber")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	got := make(chan Event, 1)
	b.Subscribe("temp", func(ev Event) { got <- ev })
	b.Unsubscribe("temp")

	b.Publish(Event{Kind: EventRunCreated})

	select {
	case <-got:
		t.Fatal("unsubscribed handler should not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}
