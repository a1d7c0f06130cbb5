package storage

import (
	"encoding"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Storeable is anything that can be persisted under its own key.
type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// StoredMessage is the durable form of a chat message.
type StoredMessage struct {
	ID         string    `msgpack:"id"`
	SenderID   string    `msgpack:"senderId"`
	ReceiverID string    `msgpack:"receiverId"`
	Content    string    `msgpack:"content"`
	Direction  string    `msgpack:"direction"`
	CreatedAt  time.Time `msgpack:"createdAt"`
	Status     string    `msgpack:"status"`
}

// ConversationRecord is the durable form of one conversation: the three
// message buckets plus the pagination snapshot. Stored under chat_<id>.
type ConversationRecord struct {
	ID              string          `msgpack:"id"`
	Messages        []StoredMessage `msgpack:"messages"`
	PendingMessages []StoredMessage `msgpack:"pendingMessages"`
	FailedMessages  []StoredMessage `msgpack:"failedMessages"`
	HasMore         bool            `msgpack:"hasMore"`
	NextCursor      *string         `msgpack:"nextCursor"`
}

func (r *ConversationRecord) Key() []byte {
	return recordKey(r.ID)
}

func (r *ConversationRecord) MarshalBinary() (data []byte, err error) {
	type alias ConversationRecord
	return msgpack.Marshal((*alias)(r))
}

func (r *ConversationRecord) UnmarshalBinary(data []byte) error {
	type alias ConversationRecord
	return msgpack.Unmarshal(data, (*alias)(r))
}

// Metadata describes a conversation without its message bodies, so the
// conversation list stays cheap to read.
type Metadata struct {
	LastAccessed    time.Time `msgpack:"lastAccessed"`
	LastMessageTime time.Time `msgpack:"lastMessageTime"`
	MessageCount    int       `msgpack:"messageCount"`
	UnreadCount     int       `msgpack:"unreadCount"`
	HasUnread       bool      `msgpack:"hasUnread"`
	Pinned          bool      `msgpack:"pinned"`
	HasMore         bool      `msgpack:"hasMore"`
	NextCursor      *string   `msgpack:"nextCursor"`
}

// MetadataMap is the aggregate metadata record, conversation id to metadata,
// stored as a whole under the chat_metadata key.
type MetadataMap map[string]*Metadata

func (m MetadataMap) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal(map[string]*Metadata(m))
}

func (m *MetadataMap) UnmarshalBinary(data []byte) error {
	return msgpack.Unmarshal(data, (*map[string]*Metadata)(m))
}

func recordKey(id string) []byte {
	return []byte("chat_" + id)
}
