package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"palaver/internal/models"
)

// RedisBus implements Bus over Redis PUBLISH/SUBSCRIBE. Each subscription
// holds its own dedicated connection, as Redis requires.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redis.PubSub),
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w: %w", channel, models.ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; ok {
		return fmt.Errorf("already subscribed to %s", channel)
	}

	ps := b.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so a publish racing this
	// call is not silently lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s: %w: %w", channel, models.ErrUnavailable, err)
	}
	b.subs[channel] = ps

	go func() {
		for msg := range ps.Channel() {
			h([]byte(msg.Payload))
		}
		log.Printf("bus: subscription to %s closed", channel)
	}()

	return nil
}

func (b *RedisBus) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)
	return ps.Close()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, ps := range b.subs {
		if err := ps.Close(); err != nil {
			log.Printf("bus: failed to close subscription to %s: %v", channel, err)
		}
	}
	b.subs = make(map[string]*redis.PubSub)
	return nil
}
