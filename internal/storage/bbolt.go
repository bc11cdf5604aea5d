package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"palaver/internal/models"
	"palaver/internal/push"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketUsers         = []byte("users")
	bucketPushSubs      = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPushSubs); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// EnsureConversation stores the conversation unless one with the same id
// already exists, and returns the stored version. The single update
// transaction is what makes concurrent first-messages between the same DM
// pair converge on one conversation.
func (s *BboltStorage) EnsureConversation(conv models.Conversation) (models.Conversation, error) {
	if conv.ID == "" {
		return models.Conversation{}, errors.New("conversation missing id")
	}

	result := conv
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if data := b.Get([]byte(conv.ID)); data != nil {
			var existing DBConversation
			if err := existing.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			result = existing.toModel()
			return nil
		}

		dbConv := DBConversation{
			ID:           conv.ID,
			Type:         string(conv.Type),
			Name:         conv.Name,
			Participants: conv.Participants,
			CreatedAt:    conv.CreatedAt,
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return b.Put(dbConv.Key(), data)
	})
	return result, err
}

// GetConversation returns the conversation with the given id or
// models.ErrNotFound.
func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		data := b.Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		conv = dbConv.toModel()
		return nil
	})
	return conv, err
}

// ListGroupConversations returns all GROUP conversations containing userID.
func (s *BboltStorage) ListGroupConversations(userID string) ([]models.Conversation, error) {
	var groups []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		return b.ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbConv.Type != string(models.ConversationTypeGroup) {
				return nil
			}
			conv := dbConv.toModel()
			if conv.HasParticipant(userID) {
				groups = append(groups, conv)
			}
			return nil
		})
	})
	return groups, err
}

// AppendMessage assigns the next store-wide monotonic id to the message and
// stores it under its conversation. Messages are immutable once stored.
func (s *BboltStorage) AppendMessage(msg models.Message) (models.Message, error) {
	if msg.ConversationID == "" {
		return models.Message{}, errors.New("message missing conversation id")
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		convBucket, err := root.CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		// The sequence lives on the root bucket: ids are monotonic across
		// the whole store, usable as a pagination cursor.
		id, err := root.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate message id: %w", err)
		}
		msg.ID = id

		dbMsg := DBMessage{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Content:        msg.Content,
			ContentHTML:    msg.ContentHTML,
			CreatedAt:      msg.CreatedAt,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return convBucket.Put(dbMsg.Key(), data)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// PageMessages returns up to limit messages of the conversation, newest
// first. When before > 0 only messages with id strictly less than it are
// returned, so chained pages never skip or duplicate even while new
// messages are being appended.
func (s *BboltStorage) PageMessages(conversationID string, limit int, before uint64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // no messages for this conversation
		}

		c := convBucket.Cursor()

		var k, v []byte
		if before == 0 {
			k, v = c.Last()
		} else {
			cursorKey := make([]byte, 8)
			binary.BigEndian.PutUint64(cursorKey, before)
			// Seek lands on the first key >= cursor; step back to get the
			// newest key strictly below it.
			if sk, _ := c.Seek(cursorKey); sk == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				ID:             dbMsg.ID,
				ConversationID: dbMsg.ConversationID,
				SenderID:       dbMsg.SenderID,
				Content:        dbMsg.Content,
				ContentHTML:    dbMsg.ContentHTML,
				CreatedAt:      dbMsg.CreatedAt,
			})
		}
		return nil
	})
	return messages, err
}

// UpsertUser stores a roster entry.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := DBUser{
			ID:          user.ID,
			DisplayName: user.DisplayName,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// ListUsers returns the full roster in id order.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, models.User{
				ID:          dbUser.ID,
				DisplayName: dbUser.DisplayName,
			})
			return nil
		})
	})
	return users, err
}

func (s *BboltStorage) UpsertPushSubscription(sub push.Subscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubs)
		dbSub := DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]push.Subscription, error) {
	var subs []push.Subscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPushSubs).Cursor()
		prefix := []byte(userID + "\x00")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, push.Subscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				P256dh:   dbSub.P256dh,
				Auth:     dbSub.Auth,
			})
		}
		return nil
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).Delete(pushSubscriptionKey(userID, endpoint))
	})
}

func (c *DBConversation) toModel() models.Conversation {
	return models.Conversation{
		ID:           c.ID,
		Type:         models.ConversationType(c.Type),
		Name:         c.Name,
		Participants: c.Participants,
		CreatedAt:    c.CreatedAt,
	}
}
