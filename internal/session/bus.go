package session

import (
	"context"
	"sync"
)

// EventType identifies an auth state change.
type EventType string

const (
	EventSignedIn    EventType = "SIGNED_IN"
	EventSignedOut   EventType = "SIGNED_OUT"
	EventUserUpdated EventType = "USER_UPDATED"
)

// Event is one auth state change, local or remote.
type Event struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id"`
}

// Handler consumes auth events. Handlers must not block; slow work
// belongs in the handler's own goroutine.
type Handler func(Event)

// Bus fans auth events out to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers a handler and returns its removal function.
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// MemoryBus is the in-process Bus used for single-instance deployments
// and tests.
type MemoryBus struct {
	mu       sync.Mutex
	next     int
	handlers map[int]Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]Handler)}
}

// Publish delivers the event to every subscriber synchronously.
func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

// Subscribe registers a handler for every subsequent event.
func (b *MemoryBus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Close drops all subscribers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]Handler)
	return nil
}
