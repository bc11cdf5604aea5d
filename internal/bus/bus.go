// Package bus is the cross-process publish/subscribe channel decoupling
// "a message was created" from "deliver it to connected sockets". Delivery
// is at-most-once and non-durable: a subscriber that is offline at publish
// time never sees the payload; durable history covers anything missed.
package bus

import "context"

// Channel names shared by all processes.
const (
	ChannelMessages = "chat:message"
	ChannelPresence = "chat:presence"
)

// Handler is invoked once per delivered payload for the lifetime of the
// subscription.
type Handler func(payload []byte)

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers the handler for the channel. One handler per
	// channel per process is the expected usage.
	Subscribe(ctx context.Context, channel string, h Handler) error
	Unsubscribe(channel string) error
	Close() error
}
