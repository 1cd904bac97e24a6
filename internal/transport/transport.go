package transport

import (
	"context"
	"encoding/json"
)

// Wire event names exchanged with the messaging service.
const (
	EventNewMessage     = "new-message"
	EventMessageStatus  = "message-status-updated"
	EventConversation   = "conversation-updated"
	EventSendMessage    = "send-message"
	EventJoinChat       = "join-chat"
	EventLeaveChat      = "leave-chat"
	EventTyping         = "typing"
	EventStopTyping     = "stop-typing"
)

// Frame is the JSON envelope carried on the wire.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload is the body of new-message and send-message frames.
type MessagePayload struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
}

// StatusPayload is the body of message-status-updated frames.
type StatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// ConversationPayload is the body of conversation-updated frames.
type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
	DisplayName    string `json:"displayName"`
}

// TypingPayload is the body of typing and stop-typing frames.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

// Handler receives every decoded inbound frame.
type Handler func(event string, payload json.RawMessage)

// CloseHandler is invoked once when an established connection is lost.
// err is nil on a locally requested disconnect.
type CloseHandler func(err error)

// Channel is the bidirectional message channel capability consumed by the
// connection manager. Implementations must invoke the registered Handler
// from a single goroutine.
type Channel interface {
	// Connect establishes the connection, presenting token to the server.
	Connect(ctx context.Context, token string) error
	// Disconnect tears the connection down. Safe to call when not connected.
	Disconnect() error
	// Emit transmits one frame. Returns an error if the channel is down.
	Emit(ctx context.Context, event string, payload any) error
	// SetHandler registers the inbound frame handler. Must be called before Connect.
	SetHandler(h Handler)
	// SetCloseHandler registers the connection-loss callback.
	SetCloseHandler(h CloseHandler)
}
