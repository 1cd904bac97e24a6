package convstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pcoelho/chatsync/internal/bus"
	"github.com/pcoelho/chatsync/internal/message"
	"go.uber.org/zap"
)

// UnknownConversationError reports an operation against a conversation the
// store has never been told about. The directory event creating it must
// arrive first; callers log and drop, this is never fatal.
type UnknownConversationError struct {
	ConversationID string
}

func (e *UnknownConversationError) Error() string {
	return fmt.Sprintf("unknown conversation %q", e.ConversationID)
}

// Summary is the derived per-conversation view.
type Summary struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	UnreadCount   int    `json:"unreadCount"`
	LastMessageAt int64  `json:"lastMessageAt"`
	Preview       string `json:"preview"`
	HasMessages   bool   `json:"-"`
}

// MessageChange is the payload of msg.created, msg.received and
// msg.status_changed bus events.
type MessageChange struct {
	ConversationID string
	MessageID      string
	Status         message.Status
}

// ConversationChange is the payload of conv.updated bus events.
type ConversationChange struct {
	ConversationID string
	DisplayName    string
}

// Selection is the payload of conv.selected bus events.
type Selection struct {
	ConversationID string
	Previous       string
}

// Store is the authoritative in-memory collection of conversations for the
// session. Events mutate it, the presentation layer reads derived views.
type Store struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	convs    map[string]*Conversation
	order    []string // creation order, for stable sorting of empty conversations
	msgIndex map[string]string
	active   string
}

// New creates an empty store.
func New(b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		bus:      b,
		logger:   logger,
		convs:    make(map[string]*Conversation),
		msgIndex: make(map[string]string),
	}
}

// Upsert creates a conversation or renames an existing one. This is the
// directory event that must precede any message traffic for the id.
func (s *Store) Upsert(conversationID, displayName string) *Conversation {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		conv = newConversation(conversationID, displayName)
		s.convs[conversationID] = conv
		s.order = append(s.order, conversationID)
	}
	s.mu.Unlock()

	if ok {
		conv.rename(displayName)
	}
	s.publish("conv.updated", ConversationChange{
		ConversationID: conversationID,
		DisplayName:    conv.DisplayName(),
	})
	return conv
}

// Get returns a conversation by id.
func (s *Store) Get(conversationID string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[conversationID]
	return conv, ok
}

// Active returns the currently selected conversation id, or "".
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Select makes a conversation active and bulk-reads its delivered inbound
// messages. Re-selection is idempotent.
func (s *Store) Select(conversationID string) error {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return &UnknownConversationError{ConversationID: conversationID}
	}
	previous := s.active
	s.active = conversationID
	s.mu.Unlock()

	marked := conv.markInboundRead()
	if marked > 0 {
		s.logger.Debug("marked inbound messages read",
			zap.String("conversation", conversationID), zap.Int("count", marked))
	}
	s.publish("conv.selected", Selection{ConversationID: conversationID, Previous: previous})
	return nil
}

// CreateOutbound validates text and optimistically appends a pending
// outbound message, returning a copy of it. The UI reflects the message
// before any network confirmation.
func (s *Store) CreateOutbound(conversationID, text string) (message.Message, error) {
	s.mu.RLock()
	conv, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return message.Message{}, &UnknownConversationError{ConversationID: conversationID}
	}

	cleaned, err := message.ValidateText(text)
	if err != nil {
		return message.Message{}, err
	}

	m := conv.appendOutbound(cleaned)
	s.mu.Lock()
	s.msgIndex[m.ID] = conversationID
	s.mu.Unlock()

	s.publish("msg.created", MessageChange{
		ConversationID: conversationID, MessageID: m.ID, Status: m.Status,
	})
	return m, nil
}

// AppendInbound stores a message delivered by the server. Duplicate
// (conversation, message id) payloads yield exactly one stored message.
func (s *Store) AppendInbound(conversationID, id, text string, timestamp int64) error {
	s.mu.RLock()
	conv, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if !ok {
		return &UnknownConversationError{ConversationID: conversationID}
	}

	m, added := conv.appendInbound(id, text, timestamp)
	if !added {
		s.logger.Debug("duplicate inbound message dropped",
			zap.String("conversation", conversationID), zap.String("msg_id", id))
		return nil
	}
	s.mu.Lock()
	s.msgIndex[id] = conversationID
	s.mu.Unlock()

	s.publish("msg.received", MessageChange{
		ConversationID: conversationID, MessageID: m.ID, Status: m.Status,
	})
	return nil
}

// ApplyStatus advances a message's delivery status. Unknown ids (a message
// from a since-cleared session, or a stray ack) and rank regressions are
// absorbed as no-ops: duplicate and late events are normal.
func (s *Store) ApplyStatus(messageID string, st message.Status) {
	s.mu.RLock()
	convID, ok := s.msgIndex[messageID]
	conv := s.convs[convID]
	s.mu.RUnlock()
	if !ok || conv == nil {
		s.logger.Debug("status for unknown message dropped", zap.String("msg_id", messageID))
		return
	}

	m, applied := conv.applyStatus(messageID, st)
	if !applied {
		s.logger.Debug("status transition rejected",
			zap.String("msg_id", messageID),
			zap.String("current", string(m.Status)), zap.String("to", string(st)))
		return
	}
	s.publish("msg.status_changed", MessageChange{
		ConversationID: convID, MessageID: messageID, Status: m.Status,
	})
}

// MessagesOf returns a copy of a conversation's messages in send order.
func (s *Store) MessagesOf(conversationID string) ([]message.Message, error) {
	conv, ok := s.Get(conversationID)
	if !ok {
		return nil, &UnknownConversationError{ConversationID: conversationID}
	}
	return conv.Messages(), nil
}

// List returns conversation summaries ordered by last message timestamp
// descending. Conversations with no messages sort last, keeping their
// relative creation order.
func (s *Store) List() []Summary {
	s.mu.RLock()
	items := make([]Summary, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, s.convs[id].Summary())
	}
	s.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.HasMessages != b.HasMessages {
			return a.HasMessages
		}
		return a.LastMessageAt > b.LastMessageAt
	})
	return items
}

// Search returns summaries of conversations whose display name or any
// message text contains term, case-insensitively.
func (s *Store) Search(term string) []Summary {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return s.List()
	}

	var out []Summary
	for _, sum := range s.List() {
		conv, ok := s.Get(sum.ID)
		if ok && conv.matches(term) {
			out = append(out, sum)
		}
	}
	return out
}

// Counts returns the number of conversations and messages held.
func (s *Store) Counts() (conversations, messages int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs), len(s.msgIndex)
}

func (s *Store) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
