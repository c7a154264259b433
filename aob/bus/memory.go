package bus

import (
	"context"
	"sync"

	"github.com/aobuild/aob-go/aob/event"
)

// Handler consumes published events. Handlers run synchronously inside
// Publish; a slow handler slows the publisher, not the engine.
type Handler func(key string, evt event.Event)

// MemBus is an in-process Bus that fans events out to subscribed handlers
// and records everything it delivers. Used by tests and single-process
// deployments.
type MemBus struct {
	mu       sync.Mutex
	handlers []Handler
	byKey    map[string][]event.Event
}

// NewMemBus creates an empty in-memory bus.
func NewMemBus() *MemBus {
	return &MemBus{byKey: make(map[string][]event.Event)}
}

// Subscribe registers a handler for all subsequently published events.
func (b *MemBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish implements Bus.
func (b *MemBus) Publish(ctx context.Context, key string, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.byKey[key] = append(b.byKey[key], evt)
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(key, evt)
	}
	return nil
}

// Delivered returns the events published under key, in delivery order.
func (b *MemBus) Delivered(key string) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Event(nil), b.byKey[key]...)
}
