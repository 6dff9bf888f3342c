package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lingxian/groupbuy/internal/domain"
)

// fakeBus is an in-memory SignalBus: Subscribe hands out one shared channel
// regardless of pattern.
type fakeBus struct {
	mu sync.Mutex
	ch chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan []byte, 16)}
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ch <- payload
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return b.ch, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestHubRoutesEventsToSubscribedClients(t *testing.T) {
	bus := newFakeBus()
	hub := NewHub(bus, testLogger(), Config{Mode: "serve"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := &client{
		hub:  hub,
		send: make(chan []byte, 4),
		subs: map[string]bool{domain.EventChannelPattern: true},
	}
	hub.register <- c

	payload, err := json.Marshal(domain.GroupEvent{
		Type:       domain.EventGroupJoined,
		GroupID:    1,
		ActivityID: 7,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := bus.Publish(ctx, domain.EventChannel(7), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-c.send:
		var ev domain.GroupEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode delivered event: %v", err)
		}
		if ev.Type != domain.EventGroupJoined || ev.ActivityID != 7 {
			t.Fatalf("delivered event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered to subscribed client")
	}
}

func TestHubShutdownReleasesPumps(t *testing.T) {
	hub := NewHub(newFakeBus(), testLogger(), Config{Mode: "serve"})
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() { ran <- hub.Run(ctx) }()

	c := &client{
		hub:  hub,
		send: make(chan []byte, 1),
		subs: map[string]bool{domain.EventChannelPattern: true},
	}
	hub.register <- c

	cancel()
	select {
	case err := <-ran:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// A pump exiting after the hub stopped must not hang on unregister.
	released := make(chan struct{})
	go func() {
		c.drop()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("drop blocked after hub shutdown")
	}
}
