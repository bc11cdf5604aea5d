package push

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"palaver/internal/models"
)

// Subscription is a browser push subscription registered by a user. A user
// may hold several (one per browser).
type Subscription struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// SubscriptionStore is the persistence surface the notifier needs.
type SubscriptionStore interface {
	ListPushSubscriptions(userID string) ([]Subscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact address sent to the push service,
	// usually a mailto: URL.
	Subscriber string
}

// Notifier sends best-effort web-push notifications to users that have no
// live connection when a message is created. Durable history remains the
// source of truth for anything missed.
type Notifier struct {
	store SubscriptionStore
	cfg   Config

	send func(payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)
}

func NewNotifier(store SubscriptionStore, cfg Config) *Notifier {
	return &Notifier{
		store: store,
		cfg:   cfg,
		send:  webpush.SendNotification,
	}
}

// Enabled reports whether VAPID keys are configured. A disabled notifier
// silently does nothing.
func (n *Notifier) Enabled() bool {
	return n.cfg.VAPIDPublicKey != "" && n.cfg.VAPIDPrivateKey != ""
}

// NotifyOffline pushes a notification about msg to every subscription of the
// given users. Failures are logged, never surfaced: push delivery is
// best-effort. Subscriptions rejected as gone are pruned.
func (n *Notifier) NotifyOffline(userIDs []string, msg models.Message) {
	if !n.Enabled() || len(userIDs) == 0 {
		return
	}

	payload, err := json.Marshal(notification{
		Title:          fmt.Sprintf("New message from %s", msg.SenderID),
		Body:           msg.Content,
		ConversationID: msg.ConversationID,
	})
	if err != nil {
		log.Printf("push: failed to marshal notification: %v", err)
		return
	}

	for _, userID := range userIDs {
		subs, err := n.store.ListPushSubscriptions(userID)
		if err != nil {
			log.Printf("push: failed to list subscriptions for %s: %v", userID, err)
			continue
		}
		for _, sub := range subs {
			n.notify(sub, payload)
		}
	}
}

func (n *Notifier) notify(sub Subscription, payload []byte) {
	resp, err := n.send(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             60,
	})
	if err != nil {
		log.Printf("push: failed to notify %s: %v", sub.UserID, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// The push service tells us the subscription is dead; drop it.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if err := n.store.DeletePushSubscription(sub.UserID, sub.Endpoint); err != nil {
			log.Printf("push: failed to prune subscription for %s: %v", sub.UserID, err)
		}
	}
}

type notification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId"`
}
