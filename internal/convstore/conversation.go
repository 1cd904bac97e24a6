package convstore

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pcoelho/chatsync/internal/message"
)

const previewLen = 50

// Conversation owns an ordered message sequence. All mutation goes through
// methods holding the conversation's own lock, so concurrent events for the
// same conversation are serialized while distinct conversations proceed in
// parallel.
type Conversation struct {
	id string

	mu          sync.Mutex
	displayName string
	msgs        []*message.Message
	index       map[string]*message.Message
	lastTS      int64
}

func newConversation(id, displayName string) *Conversation {
	return &Conversation{
		id:          id,
		displayName: displayName,
		index:       make(map[string]*message.Message),
	}
}

// ID returns the conversation's stable identifier.
func (c *Conversation) ID() string { return c.id }

// DisplayName returns the current display name.
func (c *Conversation) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

func (c *Conversation) rename(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		c.displayName = name
	}
}

// appendOutbound creates an optimistic pending message. The timestamp is
// clamped so send times never decrease within the conversation.
func (c *Conversation) appendOutbound(text string) message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := message.Now()
	if ts < c.lastTS {
		ts = c.lastTS
	}
	m := message.NewOutbound(c.id, text, ts)
	c.msgs = append(c.msgs, m)
	c.index[m.ID] = m
	c.lastTS = ts
	return *m
}

// appendInbound stores a server-delivered message. Duplicate ids are
// absorbed silently: transport retries must not duplicate content.
func (c *Conversation) appendInbound(id, text string, ts int64) (message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.index[id]; ok {
		return *existing, false
	}
	m := message.NewInbound(c.id, id, text, ts)
	c.msgs = append(c.msgs, m)
	c.index[m.ID] = m
	if ts > c.lastTS {
		c.lastTS = ts
	}
	return *m, true
}

// applyStatus advances one message's status, reporting whether anything
// changed. Unknown ids and rank regressions are no-ops.
func (c *Conversation) applyStatus(id string, st message.Status) (message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.index[id]
	if !ok {
		return message.Message{}, false
	}
	if !m.Advance(st) {
		return *m, false
	}
	return *m, true
}

// markInboundRead bulk-reads every delivered inbound message; opening a
// conversation is an implicit read receipt. Returns the number marked.
func (c *Conversation) markInboundRead() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	marked := 0
	for _, m := range c.msgs {
		if m.Direction == message.Inbound && m.Advance(message.StatusRead) {
			marked++
		}
	}
	return marked
}

// Messages returns a copy of the message sequence in send order.
func (c *Conversation) Messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]message.Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = *m
	}
	return out
}

// UnreadCount is the number of inbound messages not yet read.
func (c *Conversation) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, m := range c.msgs {
		if m.Direction == message.Inbound && m.Status != message.StatusRead {
			n++
		}
	}
	return n
}

// Summary produces the derived view the conversation list renders.
func (c *Conversation) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		ID:          c.id,
		DisplayName: c.displayName,
	}
	for _, m := range c.msgs {
		if m.Direction == message.Inbound && m.Status != message.StatusRead {
			s.UnreadCount++
		}
	}
	if len(c.msgs) > 0 {
		last := c.msgs[len(c.msgs)-1]
		s.LastMessageAt = last.Timestamp
		s.Preview = preview(last)
		s.HasMessages = true
	}
	return s
}

func (c *Conversation) matches(term string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.Contains(strings.ToLower(c.displayName), term) {
		return true
	}
	for _, m := range c.msgs {
		if strings.Contains(strings.ToLower(m.Text), term) {
			return true
		}
	}
	return false
}

// preview truncates the last message for list rendering; own messages get a
// leading check mark.
func preview(m *message.Message) string {
	text := m.Text
	if utf8.RuneCountInString(text) > previewLen {
		text = string([]rune(text)[:previewLen]) + "..."
	}
	if m.Direction == message.Outbound {
		return "✓ " + text
	}
	return text
}
