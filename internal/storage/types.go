package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBConversation struct {
	ID           string   `msgpack:"id"`
	Type         string   `msgpack:"type"`
	Name         string   `msgpack:"name"`
	Participants []string `msgpack:"participants"`
	CreatedAt    int64    `msgpack:"createdAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             uint64 `msgpack:"id"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	Content        string `msgpack:"content"`
	ContentHTML    string `msgpack:"contentHtml"`
	CreatedAt      int64  `msgpack:"createdAt"`
}

// Key is the big-endian message id, so bucket order equals creation order.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.ID)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

// Key combines user id and endpoint so one user can register several
// browsers; the NUL separator cannot occur in either part.
func (s *DBPushSubscription) Key() []byte {
	return pushSubscriptionKey(s.UserID, s.Endpoint)
}

func pushSubscriptionKey(userID, endpoint string) []byte {
	return []byte(userID + "\x00" + endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
