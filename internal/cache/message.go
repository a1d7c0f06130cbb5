package cache

import (
	"time"

	"github.com/Sidharth-Singh10/affinity-chatd/internal/storage"
)

// Direction says which way a message traveled relative to this client.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Status is the delivery status of a message. It decides which bucket of a
// conversation holds the message.
type Status string

const (
	StatusSent    Status = "Sent"
	StatusPending Status = "Pending"
	StatusFailed  Status = "Failed"
)

// Message is a single chat message. Identity is the ID: two messages with the
// same id in the same conversation are the same logical message.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Content    string
	Direction  Direction
	CreatedAt  time.Time
	Status     Status
}

// Patch carries server-assigned fields merged into a message on a status
// transition.
type Patch struct {
	Content   *string
	CreatedAt *time.Time
}

func (p *Patch) apply(m *Message) {
	if p == nil {
		return
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.CreatedAt != nil {
		m.CreatedAt = *p.CreatedAt
	}
}

// Snapshot is the per-conversation view handed to the UI layer.
type Snapshot struct {
	Confirmed []Message
	Pending   []Message
	Failed    []Message
}

func toStored(msgs []Message) []storage.StoredMessage {
	out := make([]storage.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, storage.StoredMessage{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			Direction:  string(m.Direction),
			CreatedAt:  m.CreatedAt,
			Status:     string(m.Status),
		})
	}
	return out
}

func fromStored(msgs []storage.StoredMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{
			ID:         m.ID,
			SenderID:   m.SenderID,
			ReceiverID: m.ReceiverID,
			Content:    m.Content,
			Direction:  Direction(m.Direction),
			CreatedAt:  m.CreatedAt,
			Status:     Status(m.Status),
		})
	}
	return out
}
