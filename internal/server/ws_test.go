package server

import (
	"context"
	"testing"
	"time"

	"github.com/cipher982/zerg/internal/bus"
)

func TestClientQueueBounded(t *testing.T) {
	c := newWSClient(nil)

	for i := 0; i < outboundQueueSize; i++ {
		if !c.enqueue(newEnvelope("node_state", "workflow_execution:run_1", i)) {
			t.Fatalf("enqueue %d should fit in the queue", i)
		}
	}

	if c.enqueue(newEnvelope("node_state", "workflow_execution:run_1", "overflow")) {
		t.Fatal("enqueue past the cap should report overflow")
	}
}

func TestRouterTopicFiltering(t *testing.T) {
	events := bus.New()
	defer events.Close()

	router := newTopicRouter(events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router.Start(ctx)

	subscribed := newWSClient(nil)
	subscribed.subscribe("thread:thr_1")
	router.add(subscribed)

	other := newWSClient(nil)
	other.subscribe("thread:thr_2")
	router.add(other)

	events.Publish(bus.Event{
		Kind:    bus.EventStreamChunk,
		Topic:   "thread:thr_1",
		Payload: map[string]any{"chunk_type": "assistant_token", "content": "hi"},
	})

	select {
	case env := <-subscribed.send:
		if env.Type != "stream_chunk" || env.Topic != "thread:thr_1" {
			t.Fatalf("unexpected frame: %+v", env)
		}
		if env.V != 1 || env.ID == "" || env.TS == 0 {
			t.Fatalf("envelope v1 fields missing: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribed client received nothing")
	}

	select {
	case env := <-other.send:
		t.Fatalf("other client should receive nothing, got %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouterOverflowClosesOnlyThatClient(t *testing.T) {
	events := bus.New()
	defer events.Close()

	router := newTopicRouter(events)

	stuck := newWSClient(nil)
	stuck.subscribe("ops:events")
	router.add(stuck)

	healthy := newWSClient(nil)
	healthy.subscribe("ops:events")
	router.add(healthy)

	// Drain the healthy client as we publish; leave the stuck one full.
	total := outboundQueueSize + 100
	received := 0
	drain := func() {
		for {
			select {
			case <-healthy.send:
				received++
			default:
				return
			}
		}
	}

	for i := 0; i < total; i++ {
		router.broadcast("run_updated", "ops:events", i)
		drain()
	}
	drain()

	if received != total {
		t.Fatalf("healthy client received %d, want %d", received, total)
	}

	// The stuck client must have been removed from the router.
	router.mu.RLock()
	_, stillThere := router.clients[stuck.id]
	router.mu.RUnlock()
	if stillThere {
		t.Fatal("overflowing client should be removed from the router")
	}
}
