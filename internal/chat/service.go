// Package chat implements the message and conversation operations behind
// the REST surface: appending messages, cursor-paginated history, and the
// conversation directory with deterministic direct-conversation ids.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"

	"palaver/internal/bus"
	"palaver/internal/content"
	"palaver/internal/models"
)

const (
	// DefaultPageLimit applies when the caller does not ask for a limit;
	// MaxPageLimit is the server-side clamp.
	DefaultPageLimit = 20
	MaxPageLimit     = 100

	convCacheTTL   = 5 * time.Minute
	convCacheSweep = time.Minute
)

// Store is the durable storage surface the service needs.
type Store interface {
	GetConversation(id string) (models.Conversation, error)
	EnsureConversation(conv models.Conversation) (models.Conversation, error)
	ListGroupConversations(userID string) ([]models.Conversation, error)
	AppendMessage(msg models.Message) (models.Message, error)
	PageMessages(conversationID string, limit int, before uint64) ([]models.Message, error)
}

// Publisher is the fan-out side of the bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PresenceSnapshotter materializes the cross-process online-user set.
type PresenceSnapshotter interface {
	SnapshotOnlineUsers(ctx context.Context) ([]string, error)
}

// Notifier pushes best-effort notifications to users without a live
// connection anywhere.
type Notifier interface {
	NotifyOffline(userIDs []string, msg models.Message)
}

type Service struct {
	store    Store
	bus      Publisher
	presence PresenceSnapshotter
	notifier Notifier

	// Conversations are immutable once created, so caching resolved ones
	// is safe; the TTL only bounds memory.
	convs geche.Geche[string, models.Conversation]

	now func() time.Time
}

type ServiceConfig struct {
	Store    Store
	Bus      Publisher
	Presence PresenceSnapshotter
	Notifier Notifier // optional
}

func NewService(ctx context.Context, cfg ServiceConfig) *Service {
	return &Service{
		store:    cfg.Store,
		bus:      cfg.Bus,
		presence: cfg.Presence,
		notifier: cfg.Notifier,
		convs:    geche.NewMapTTLCache[string, models.Conversation](ctx, convCacheTTL, convCacheSweep),
		now:      time.Now,
	}
}

// SendMessage appends a message to the conversation and publishes it on the
// fan-out bus. The append is durable before anything is published; a bus
// outage degrades to history-only operation and never fails the send.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, msgContent string) (models.Message, error) {
	if conversationID == "" || msgContent == "" {
		return models.Message{}, fmt.Errorf("%w: conversationId and content are required", models.ErrInvalidArgument)
	}
	if err := content.ValidateUserID(senderID); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}

	conv, err := s.resolveConversation(conversationID)
	if err != nil {
		return models.Message{}, err
	}

	html, err := content.RenderMarkdown(msgContent)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to render message content: %w", err)
	}

	msg, err := s.store.AppendMessage(models.Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content.Sanitize(msgContent),
		ContentHTML:    html,
		CreatedAt:      s.now().Unix(),
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to append message: %w", err)
	}

	s.fanOut(ctx, msg, conv.Participants)
	return msg, nil
}

func (s *Service) fanOut(ctx context.Context, msg models.Message, participants []string) {
	payload, err := json.Marshal(models.MessageFanout{
		Message:      msg,
		Participants: participants,
	})
	if err != nil {
		log.Printf("chat: failed to encode fanout payload: %v", err)
		return
	}
	if err := s.bus.Publish(ctx, bus.ChannelMessages, payload); err != nil {
		log.Printf("chat: fanout publish failed, live delivery skipped: %v", err)
	}

	if s.notifier == nil {
		return
	}
	// Push runs out of band: the sender's response must not wait on push
	// service round-trips. The sending process is the only one that
	// notifies, so multi-process fan-out sends one push per message.
	go func() {
		online, err := s.presence.SnapshotOnlineUsers(context.Background())
		if err != nil {
			log.Printf("chat: presence snapshot failed, skipping push: %v", err)
			return
		}
		onlineSet := make(map[string]bool, len(online))
		for _, u := range online {
			onlineSet[u] = true
		}
		var offline []string
		for _, p := range participants {
			if !onlineSet[p] && p != msg.SenderID {
				offline = append(offline, p)
			}
		}
		s.notifier.NotifyOffline(offline, msg)
	}()
}

// History returns a page of the conversation's messages newest-first.
// nextCursor is the id of the oldest returned message, present (non-zero)
// exactly when a full page was returned. Note that a conversation whose
// remaining message count equals the limit yields a cursor to one final
// empty page; that looseness is part of the contract.
func (s *Service) History(ctx context.Context, conversationID string, limit int, before uint64) ([]models.Message, uint64, error) {
	if conversationID == "" {
		return nil, 0, fmt.Errorf("%w: conversationId is required", models.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	messages, err := s.store.PageMessages(conversationID, limit, before)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to page messages: %w", err)
	}

	var nextCursor uint64
	if len(messages) == limit && limit > 0 {
		nextCursor = messages[len(messages)-1].ID
	}
	return messages, nextCursor, nil
}

// GetOrCreateDirect resolves the direct conversation between two users,
// creating it if needed. The result is identical regardless of argument
// order.
func (s *Service) GetOrCreateDirect(ctx context.Context, userA, userB string) (models.Conversation, error) {
	if err := content.ValidateUserID(userA); err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	if err := content.ValidateUserID(userB); err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	if userA == userB {
		return models.Conversation{}, fmt.Errorf("%w: direct conversation needs two distinct users", models.ErrInvalidArgument)
	}
	return s.ensureDirect(DeriveDirectID(userA, userB), []string{userA, userB})
}

// CreateGroup creates a group conversation with a fresh server-generated id.
func (s *Service) CreateGroup(ctx context.Context, name string, memberIDs []string) (models.Conversation, error) {
	if name == "" {
		return models.Conversation{}, fmt.Errorf("%w: group name is required", models.ErrInvalidArgument)
	}
	if len(memberIDs) < 2 {
		return models.Conversation{}, fmt.Errorf("%w: a group needs at least 2 members", models.ErrInvalidArgument)
	}
	for _, id := range memberIDs {
		if err := content.ValidateUserID(id); err != nil {
			return models.Conversation{}, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
		}
	}

	conv, err := s.store.EnsureConversation(models.Conversation{
		ID:           "group_" + uuid.NewString(),
		Type:         models.ConversationTypeGroup,
		Name:         content.Sanitize(name),
		Participants: memberIDs,
		CreatedAt:    s.now().Unix(),
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create group: %w", err)
	}
	s.convs.Set(conv.ID, conv)
	return conv, nil
}

// ListGroups returns all group conversations the user participates in.
func (s *Service) ListGroups(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := content.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	groups, err := s.store.ListGroupConversations(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// resolveConversation looks the conversation up, lazily deriving a direct
// conversation when the id is a well-formed dm id that does not exist yet.
func (s *Service) resolveConversation(id string) (models.Conversation, error) {
	if conv, err := s.convs.Get(id); err == nil {
		return conv, nil
	}

	conv, err := s.store.GetConversation(id)
	switch {
	case err == nil:
		s.convs.Set(conv.ID, conv)
		return conv, nil
	case errors.Is(err, models.ErrNotFound):
		participants, ok := ParseDirectID(id)
		if !ok {
			return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
		}
		return s.ensureDirect(id, participants)
	default:
		return models.Conversation{}, fmt.Errorf("failed to resolve conversation: %w", err)
	}
}

func (s *Service) ensureDirect(id string, participants []string) (models.Conversation, error) {
	conv, err := s.store.EnsureConversation(models.Conversation{
		ID:           id,
		Type:         models.ConversationTypeDirect,
		Participants: participants,
		CreatedAt:    s.now().Unix(),
	})
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to ensure direct conversation: %w", err)
	}
	s.convs.Set(conv.ID, conv)
	return conv, nil
}
