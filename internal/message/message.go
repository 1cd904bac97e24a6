package message

import (
	"time"

	"github.com/google/uuid"
)

// Direction indicates whether a message was sent by this client or received.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Message is a single chat message owned by exactly one conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	Timestamp      int64     `json:"timestamp"` // unix millis, logical send time
	Direction      Direction `json:"direction"`
	Status         Status    `json:"status"`
}

// NewOutbound creates an optimistic outbound message with a fresh client id
// and status pending. text must already be validated (see ValidateText).
func NewOutbound(conversationID, text string, timestamp int64) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Text:           text,
		Timestamp:      timestamp,
		Direction:      Outbound,
		Status:         StatusPending,
	}
}

// NewInbound creates a message received from the server. Inbound messages
// are delivered on arrival and become read only via explicit read-marking.
func NewInbound(conversationID, id, text string, timestamp int64) *Message {
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Text:           text,
		Timestamp:      timestamp,
		Direction:      Inbound,
		Status:         StatusDelivered,
	}
}

// Advance applies a status transition if it is legal, reporting whether the
// message changed. Illegal transitions (backward rank, leaving failed) are
// rejected without error: late and duplicate status events are expected.
func (m *Message) Advance(to Status) bool {
	if !CanTransition(m.Status, to) {
		return false
	}
	m.Status = to
	return true
}

// Now returns the current time as unix millis.
func Now() int64 {
	return time.Now().UnixMilli()
}
