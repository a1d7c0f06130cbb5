// Package wire defines the JSON frame protocol spoken over the chat socket.
//
// Inbound frames are modeled as a closed sum: Decode inspects which tagging
// keys are present and returns exactly one Frame variant, so callers dispatch
// with an exhaustive type switch instead of probing optional fields.
package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrUnknownFrame is returned for inbound data that matches no frame shape.
var ErrUnknownFrame = errors.New("wire: unknown frame shape")

// Frame is an inbound frame: DirectMessage, HistoryPage or Ack.
type Frame interface {
	frameKind()
}

// DirectMessage is a live message delivered to this client.
type DirectMessage struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Content   string    `json:"content"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryPage is one page of a paginated history response, older-first caller
// semantics: NextCursor points at the page before Messages[0].
type HistoryPage struct {
	Messages   []DirectMessage `json:"messages"`
	HasMore    bool            `json:"has_more"`
	NextCursor *string         `json:"next_cursor"`
}

// Ack confirms server-side persistence of a previously sent message id.
type Ack struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (DirectMessage) frameKind() {}
func (HistoryPage) frameKind()   {}
func (Ack) frameKind()           {}

// SendRequest is the outbound send frame.
type SendRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
}

// HistoryRequest asks for the page of messages older than the cursor.
// The cursor rides in message_id; nil requests the newest page.
type HistoryRequest struct {
	ConversationID string  `json:"conversation_id"`
	MessageID      *string `json:"message_id,omitempty"`
}

type probe struct {
	From     *string         `json:"from"`
	Messages json.RawMessage `json:"messages"`
	HasMore  *bool           `json:"has_more"`
	MsgID    *string         `json:"message_id"`
	Status   *string         `json:"status"`
}

// Decode parses an inbound frame. Returns ErrUnknownFrame for valid JSON that
// matches no known shape; malformed JSON is returned as the unmarshal error.
func Decode(data []byte) (Frame, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	switch {
	case p.Messages != nil || p.HasMore != nil:
		var f HistoryPage
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case p.From != nil && p.MsgID != nil:
		var f DirectMessage
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case p.MsgID != nil && p.Status != nil:
		var f Ack
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, ErrUnknownFrame
}
