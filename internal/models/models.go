package models

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("temporarily unavailable")
)

type ConversationType string

const (
	ConversationTypeDirect ConversationType = "DIRECT"
	ConversationTypeGroup  ConversationType = "GROUP"
)

// Conversation is a chat thread. DIRECT conversations have exactly two
// participants and a deterministic id derived from them; GROUP conversations
// have at least two participants and a server-generated id.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Name         string           `json:"name,omitempty"`
	Participants []string         `json:"participants"`
	CreatedAt    int64            `json:"createdAt"` // Unix timestamp (seconds)
}

func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is immutable once stored. ID is assigned by the store and is
// monotonically increasing in creation order; history pagination uses it
// as the cursor.
type Message struct {
	ID             uint64 `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	ContentHTML    string `json:"contentHtml,omitempty"`
	CreatedAt      int64  `json:"createdAt"` // Unix timestamp (seconds)
}

// User identity is external and static; the backend only keeps a display
// roster for the client's login selector.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ClientEvent is a message from the client over the websocket. Heartbeat is
// the only kind in scope; anything else is logged and ignored.
type ClientEvent struct {
	Type ClientEventType `json:"type"`
}

type ClientEventType string

const (
	ClientEventTypeHeartbeat ClientEventType = "HEARTBEAT"
)

// ServerEvent is a message to the client over the websocket.
type ServerEvent struct {
	Type    ServerEventType `json:"type"`
	Payload any             `json:"payload,omitempty"`
}

type ServerEventType string

const (
	ServerEventTypeHeartbeatAck   ServerEventType = "HEARTBEAT_ACK"
	ServerEventTypeNewMessage     ServerEventType = "NEW_MESSAGE"
	ServerEventTypePresenceUpdate ServerEventType = "PRESENCE_UPDATE"
)

func NewMessageEvent(msg Message) ServerEvent {
	return ServerEvent{Type: ServerEventTypeNewMessage, Payload: msg}
}

func PresenceUpdateEvent(onlineUsers []string) ServerEvent {
	return ServerEvent{
		Type:    ServerEventTypePresenceUpdate,
		Payload: PresencePayload{OnlineUsers: onlineUsers},
	}
}

func HeartbeatAckEvent() ServerEvent {
	return ServerEvent{Type: ServerEventTypeHeartbeatAck}
}

type PresencePayload struct {
	OnlineUsers []string `json:"onlineUsers"`
}

// MessageFanout is the payload published on the message channel. It carries
// the participant list so that delivery filtering needs no extra lookup on
// the receiving process.
type MessageFanout struct {
	Message      Message  `json:"message"`
	Participants []string `json:"participants"`
}

// PresenceFanout carries the full online-user set, not a delta, so a
// late-joining subscriber is never missing state.
type PresenceFanout struct {
	OnlineUsers []string `json:"onlineUsers"`
}
