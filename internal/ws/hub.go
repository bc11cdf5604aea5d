package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"palaver/internal/bus"
	"palaver/internal/models"
)

type presenceTracker interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	SnapshotOnlineUsers(ctx context.Context) ([]string, error)
}

// Hub owns this process's live connections: the userId -> set of handles
// map. It applies fan-out bus events to local sockets and keeps the shared
// presence tracker in step with connects, disconnects and heartbeats.
// Cross-process coordination goes exclusively through the bus and the
// tracker; the map only ever holds this process's sockets.
type Hub struct {
	bus           bus.Bus
	presence      presenceTracker
	sweepInterval time.Duration

	mu    sync.RWMutex
	conns map[string]map[*Connection]struct{}
}

func NewHub(b bus.Bus, presence presenceTracker, sweepInterval time.Duration) *Hub {
	return &Hub{
		bus:           b,
		presence:      presence,
		sweepInterval: sweepInterval,
		conns:         make(map[string]map[*Connection]struct{}),
	}
}

// Run subscribes the hub to the fan-out channels and drives the periodic
// presence sweep until the context is cancelled. The sweep re-broadcasts
// the full online set on a fixed interval as a corrective against TTL
// expiry, bounding presence staleness to one interval.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.bus.Subscribe(ctx, bus.ChannelMessages, h.handleMessagePayload); err != nil {
		return err
	}
	if err := h.bus.Subscribe(ctx, bus.ChannelPresence, h.handlePresencePayload); err != nil {
		return err
	}
	defer func() {
		_ = h.bus.Unsubscribe(bus.ChannelMessages)
		_ = h.bus.Unsubscribe(bus.ChannelPresence)
	}()

	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.BroadcastPresence(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Register adds a connection, marks its user online and re-broadcasts
// presence so every process (including this one) learns about the edge.
func (h *Hub) Register(ctx context.Context, c *Connection) {
	h.mu.Lock()
	if h.conns[c.userID] == nil {
		h.conns[c.userID] = make(map[*Connection]struct{})
	}
	h.conns[c.userID][c] = struct{}{}
	h.mu.Unlock()

	if err := h.presence.MarkOnline(ctx, c.userID); err != nil {
		log.Printf("ws: failed to mark %s online: %v", c.userID, err)
	}
	h.BroadcastPresence(ctx)
}

// Unregister removes a connection. The user is marked offline only when
// this was their last local handle; otherwise the entry is refreshed, since
// another tab is still alive. A connection on another process keeps the
// user online through that process's own heartbeats.
func (h *Hub) Unregister(ctx context.Context, c *Connection) {
	h.mu.Lock()
	if set, ok := h.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	_, stillConnected := h.conns[c.userID]
	h.mu.Unlock()

	var err error
	if stillConnected {
		err = h.presence.MarkOnline(ctx, c.userID)
	} else {
		err = h.presence.MarkOffline(ctx, c.userID)
	}
	if err != nil {
		log.Printf("ws: failed to update presence for %s: %v", c.userID, err)
	}
	h.BroadcastPresence(ctx)
}

// Heartbeat refreshes the user's liveness entry.
func (h *Hub) Heartbeat(ctx context.Context, userID string) {
	if err := h.presence.MarkOnline(ctx, userID); err != nil {
		log.Printf("ws: failed to refresh presence for %s: %v", userID, err)
	}
}

// BroadcastPresence publishes the full online-user set on the presence
// channel. A tracker outage degrades to an empty set rather than blocking;
// a bus outage falls back to delivering to local connections only.
func (h *Hub) BroadcastPresence(ctx context.Context) {
	online, err := h.presence.SnapshotOnlineUsers(ctx)
	if err != nil {
		log.Printf("ws: presence snapshot failed, broadcasting empty set: %v", err)
		online = nil
	}

	payload, err := json.Marshal(models.PresenceFanout{OnlineUsers: online})
	if err != nil {
		log.Printf("ws: failed to encode presence payload: %v", err)
		return
	}
	if err := h.bus.Publish(ctx, bus.ChannelPresence, payload); err != nil {
		log.Printf("ws: presence publish failed, delivering locally only: %v", err)
		h.deliverPresence(online)
	}
}

func (h *Hub) handleMessagePayload(payload []byte) {
	var ev models.MessageFanout
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("ws: ignoring malformed message fanout payload: %v", err)
		return
	}
	h.DeliverMessage(ev)
}

// DeliverMessage sends the message to every local handle whose user is in
// the event's participant list, and to no one else. Sends are best-effort:
// a handle that is being torn down or has a full buffer is skipped.
func (h *Hub) DeliverMessage(ev models.MessageFanout) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, userID := range ev.Participants {
		for c := range h.conns[userID] {
			c.Send(models.NewMessageEvent(ev.Message))
		}
	}
}

func (h *Hub) handlePresencePayload(payload []byte) {
	var ev models.PresenceFanout
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("ws: ignoring malformed presence fanout payload: %v", err)
		return
	}
	h.deliverPresence(ev.OnlineUsers)
}

func (h *Hub) deliverPresence(online []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, set := range h.conns {
		for c := range set {
			c.Send(models.PresenceUpdateEvent(online))
		}
	}
}
