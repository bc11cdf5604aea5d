package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for single-process deployments and tests.
// Handlers run synchronously in publish order, which gives the per-publisher
// ordering guarantee trivially.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string][]Handler),
	}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	handlers := b.handlers[channel]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.handlers[channel] = append(b.handlers[channel], h)
	return nil
}

func (b *MemoryBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]Handler)
	b.closed = true
	return nil
}
