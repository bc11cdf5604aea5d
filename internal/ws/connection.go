package ws

import (
	"context"
	"errors"
	"log"
	"sync"

	"palaver/internal/models"
)

const sendBufferSize = 64

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type gateway interface {
	Register(ctx context.Context, c *Connection)
	Unregister(ctx context.Context, c *Connection)
	Heartbeat(ctx context.Context, userID string)
}

// Connection drives one live websocket: a reader pump feeding inbound
// events and a main loop interleaving them with outbound sends. Lifecycle
// is register on Handle entry, unregister on exit; a dropped connection is
// simply a fresh Connection from the client, there is no reconnect state.
type Connection struct {
	ws         wsConnection
	hub        gateway
	userID     string
	fromClient chan models.ClientEvent
	send       chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(hub gateway, ws wsConnection, userID string) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		fromClient: make(chan models.ClientEvent),
		send:       make(chan models.ServerEvent, sendBufferSize),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) UserID() string {
	return c.userID
}

// Send enqueues an event for delivery. Delivery is at-most-once: when the
// client is too slow and the buffer is full, the event is dropped rather
// than blocking the fan-out path, and durable history covers the gap.
func (c *Connection) Send(ev models.ServerEvent) {
	select {
	case c.send <- ev:
	default:
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.hub.Register(ctx, c)
	defer c.hub.Unregister(context.WithoutCancel(ctx), c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	}()

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.processClientEvent(ctx, ev)
		case ev := <-c.send:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ctx context.Context, ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventTypeHeartbeat:
		c.hub.Heartbeat(ctx, c.userID)
		c.Send(models.HeartbeatAckEvent())
	default:
		log.Printf("ws: ignoring unknown client event %q from %s", ev.Type, c.userID)
	}
}
