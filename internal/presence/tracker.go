// Package presence tracks per-user liveness with expiry. The state lives in
// an external key-with-expiry store shared by every server process; local
// socket counts are never the source of truth.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const keyPrefix = "presence:"

// Store is the minimal key-with-expiry surface the tracker needs. The Redis
// implementation maps it onto SET..EX / DEL / KEYS.
type Store interface {
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Tracker marks users online with a TTL entry refreshed by heartbeats.
// Entries expire lazily: a crashed client disappears from the snapshot
// within heartbeat interval times the safety factor, without any explicit
// mark-off.
type Tracker struct {
	store Store
	ttl   time.Duration
}

func NewTracker(store Store, ttl time.Duration) *Tracker {
	return &Tracker{store: store, ttl: ttl}
}

func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// MarkOnline sets or refreshes the user's liveness entry.
func (t *Tracker) MarkOnline(ctx context.Context, userID string) error {
	if err := t.store.SetEx(ctx, keyPrefix+userID, "1", t.ttl); err != nil {
		return fmt.Errorf("mark %s online: %w", userID, err)
	}
	return nil
}

// MarkOffline deletes the entry immediately. This is the fast path for clean
// disconnects; TTL expiry covers everything else.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) error {
	if err := t.store.Del(ctx, keyPrefix+userID); err != nil {
		return fmt.Errorf("mark %s offline: %w", userID, err)
	}
	return nil
}

// SnapshotOnlineUsers materializes the online-user set across all processes.
// The result is sorted so repeated snapshots of the same state are equal.
func (t *Tracker) SnapshotOnlineUsers(ctx context.Context) ([]string, error) {
	keys, err := t.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("snapshot online users: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, k := range keys {
		users = append(users, strings.TrimPrefix(k, keyPrefix))
	}
	sort.Strings(users)
	return users, nil
}
