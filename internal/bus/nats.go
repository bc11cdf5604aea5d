package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"palaver/internal/models"
)

// NATSBus implements Bus over core NATS subjects. Core NATS gives the same
// non-durable at-most-once semantics as Redis pub/sub, so the two backends
// are interchangeable behind the Bus interface.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		subs: make(map[string]*nats.Subscription),
	}
}

func (b *NATSBus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("publish to %s: %w: %w", channel, models.ErrUnavailable, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; ok {
		return fmt.Errorf("already subscribed to %s", channel)
	}

	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w: %w", channel, models.ErrUnavailable, err)
	}
	b.subs[channel] = sub
	return nil
}

func (b *NATSBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)
	return sub.Unsubscribe()
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("bus: failed to unsubscribe from %s: %v", channel, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.conn.Close()
	return nil
}
