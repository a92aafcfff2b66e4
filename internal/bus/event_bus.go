package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crystaldolphin/pingbridge/internal/schema"
)

// Handler receives a domain event.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus is an in-process, goroutine-safe pub/sub for domain events.
type EventBus struct {
	mu      sync.RWMutex
	typed   map[EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

func NewEventBus() *EventBus {
	return &EventBus{typed: make(map[EventType][]subscription)}
}

// Publish fans ev out to matching subscribers, each in its own goroutine.
// Panicking handlers are recovered and logged.
func (b *EventBus) Publish(ctx context.Context, ev Event) {
	if b.closed.Load() {
		return
	}
	if ev.ID == "" {
		ev.ID = schema.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.typed[ev.Type])+len(b.allSubs))
	subs = append(subs, b.typed[ev.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus: event handler panicked", "event", ev.Type, "panic", r)
				}
			}()
			h(ctx, ev)
		}(sub.handler)
	}
}

// Subscribe registers h for one event type and returns an unsubscribe func.
func (b *EventBus) Subscribe(t EventType, h Handler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.typed[t] = append(b.typed[t], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typed[t] = removeSub(b.typed[t], id)
	}
}

// SubscribeAll registers h for every event type.
func (b *EventBus) SubscribeAll(h Handler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.allSubs = append(b.allSubs, subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = removeSub(b.allSubs, id)
	}
}

func removeSub(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Close stops new publishes and waits for in-flight handlers. Idempotent.
func (b *EventBus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
