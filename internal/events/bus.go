// Package events provides the in-process publish point shared by the
// orchestrator, the proxy, the metrics sampler and the WebSocket hub.
package events

import (
	"sync"

	"github.com/splax/localship/internal/domain"
)

// Publisher is the write side of the bus.
type Publisher interface {
	Emit(event domain.Event)
}

// Handler receives events. It runs on the emitter's goroutine and must not block.
type Handler func(domain.Event)

// Bus fans events out synchronously, in registration order. There is no
// persistence and no replay.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []subscription
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler and returns a function that removes it.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// Emit delivers event to every current subscriber.
func (b *Bus) Emit(event domain.Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	for i, sub := range b.handlers {
		handlers[i] = sub.handler
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Len reports the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.handlers {
		if sub.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}
