package syncer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pcoelho/chatsync/internal/bus"
	"github.com/pcoelho/chatsync/internal/conn"
	"github.com/pcoelho/chatsync/internal/convstore"
	"github.com/pcoelho/chatsync/internal/message"
	"github.com/pcoelho/chatsync/internal/store"
	"github.com/pcoelho/chatsync/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// fakeConn records subscriptions and emitted frames and lets tests inject
// inbound events.
type fakeConn struct {
	mu   sync.Mutex
	subs map[string][]conn.Handler
	sent []sentFrame
}

type sentFrame struct {
	event   string
	payload any
}

func newFakeConn() *fakeConn {
	return &fakeConn{subs: make(map[string][]conn.Handler)}
}

func (f *fakeConn) Subscribe(event string, h conn.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[event] = append(f.subs[event], h)
	return func() {}
}

func (f *fakeConn) Send(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{event: event, payload: payload})
	return nil
}

func (f *fakeConn) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	handlers := append([]conn.Handler(nil), f.subs[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if err := h(event, body); err != nil {
			t.Fatalf("handler for %s: %v", event, err)
		}
	}
}

func (f *fakeConn) sentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.event
	}
	return out
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestEngine(t *testing.T) (*Engine, *fakeConn, *convstore.Store, *bus.Bus, *store.DB) {
	t.Helper()
	fc := newFakeConn()
	b := bus.New()
	convs := convstore.New(b, zap.NewNop())
	db := testDB(t)
	e := NewEngine(fc, convs, db, b, zap.NewNop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, fc, convs, b, db
}

func TestInboundMessageFlow(t *testing.T) {
	_, fc, convs, _, db := newTestEngine(t)
	convs.Upsert("c1", "Alice")

	fc.deliver(t, transport.EventNewMessage, transport.MessagePayload{
		ConversationID: "c1", ID: "m1", Text: "hello", Timestamp: 1000,
	})

	msgs, err := convs.MessagesOf("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Fatalf("messages = %+v, want one 'hello'", msgs)
	}
	if msgs[0].Status != message.StatusDelivered {
		t.Errorf("status = %s, want delivered", msgs[0].Status)
	}

	cp, err := db.GetCheckpoint("last_message_ts:c1")
	if err != nil {
		t.Fatal(err)
	}
	if cp != "1000" {
		t.Errorf("checkpoint = %q, want 1000", cp)
	}
}

func TestInboundUnknownConversationDropped(t *testing.T) {
	_, fc, convs, _, _ := newTestEngine(t)

	// Must not error: directory event has not arrived yet.
	fc.deliver(t, transport.EventNewMessage, transport.MessagePayload{
		ConversationID: "ghost", ID: "m1", Text: "boo", Timestamp: 1000,
	})
	if n, _ := convs.Counts(); n != 0 {
		t.Error("unknown conversation must not be created implicitly")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	_, fc, convs, _, _ := newTestEngine(t)
	convs.Upsert("c1", "Alice")

	f := fc
	f.mu.Lock()
	handlers := append([]conn.Handler(nil), f.subs[transport.EventNewMessage]...)
	f.mu.Unlock()
	for _, h := range handlers {
		if err := h(transport.EventNewMessage, []byte(`{"broken`)); err != nil {
			t.Fatalf("malformed payload must not error: %v", err)
		}
	}

	msgs, _ := convs.MessagesOf("c1")
	if len(msgs) != 0 {
		t.Error("malformed payload must not append messages")
	}
}

func TestStatusUpdateFlow(t *testing.T) {
	e, fc, convs, _, _ := newTestEngine(t)
	convs.Upsert("c1", "Alice")
	m, err := e.SendText(context.Background(), "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}

	fc.deliver(t, transport.EventMessageStatus, transport.StatusPayload{MessageID: m.ID, Status: "sent"})
	fc.deliver(t, transport.EventMessageStatus, transport.StatusPayload{MessageID: m.ID, Status: "read"})
	// Late delivery ack after read: absorbed, never a regression.
	fc.deliver(t, transport.EventMessageStatus, transport.StatusPayload{MessageID: m.ID, Status: "delivered"})
	// Unknown status value: dropped.
	fc.deliver(t, transport.EventMessageStatus, transport.StatusPayload{MessageID: m.ID, Status: "teleported"})

	msgs, _ := convs.MessagesOf("c1")
	if msgs[0].Status != message.StatusRead {
		t.Errorf("status = %s, want read", msgs[0].Status)
	}
}

func TestSendTextQueuesDurably(t *testing.T) {
	e, _, convs, _, db := newTestEngine(t)
	convs.Upsert("c1", "Alice")

	m, err := e.SendText(context.Background(), "c1", "  <b>hi</b>  ")
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "hi" {
		t.Errorf("text = %q, want sanitized 'hi'", m.Text)
	}
	if m.Status != message.StatusPending {
		t.Errorf("status = %s, want pending", m.Status)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].MessageID != m.ID {
		t.Fatalf("pending = %+v, want the queued message", pending)
	}
}

func TestSendTextQueueFailureFailsMessage(t *testing.T) {
	e, _, convs, _, db := newTestEngine(t)
	convs.Upsert("c1", "Alice")

	// With the database gone the durable queue write fails; the optimistic
	// message must not stay pending since nothing will ever drain it.
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	m, err := e.SendText(context.Background(), "c1", "hello")
	if err == nil {
		t.Fatal("expected queue error")
	}

	msgs, merr := convs.MessagesOf("c1")
	if merr != nil {
		t.Fatal(merr)
	}
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Status != message.StatusFailed {
		t.Errorf("status = %s, want failed", msgs[0].Status)
	}
}

func TestConversationAnnouncement(t *testing.T) {
	_, fc, convs, _, _ := newTestEngine(t)

	fc.deliver(t, transport.EventConversation, transport.ConversationPayload{
		ConversationID: "c7", DisplayName: "Support",
	})
	conv, ok := convs.Get("c7")
	if !ok || conv.DisplayName() != "Support" {
		t.Fatalf("conversation not created from announcement")
	}

	// Now messages for it are accepted.
	fc.deliver(t, transport.EventNewMessage, transport.MessagePayload{
		ConversationID: "c7", ID: "m1", Text: "welcome", Timestamp: 1000,
	})
	msgs, _ := convs.MessagesOf("c7")
	if len(msgs) != 1 {
		t.Error("message after announcement should be stored")
	}
}

func TestSelectAnnouncesRooms(t *testing.T) {
	e, fc, convs, _, _ := newTestEngine(t)
	convs.Upsert("c1", "Alice")
	convs.Upsert("c2", "Bob")

	if err := e.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Select(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}

	want := []string{"join-chat", "leave-chat", "join-chat"}
	got := fc.sentEvents()
	if len(got) != len(want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent = %v, want %v", got, want)
		}
	}
}

func TestRejoinActiveOnReconnect(t *testing.T) {
	e, fc, convs, b, _ := newTestEngine(t)
	convs.Upsert("c1", "Alice")
	if err := e.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	before := len(fc.sentEvents())

	b.Publish(bus.Event{Kind: "conn.reconnected", Timestamp: time.Now(), Payload: conn.Reconnected{Attempts: 2}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sent := fc.sentEvents()
		if len(sent) > before && sent[len(sent)-1] == transport.EventJoinChat {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("active conversation was not re-joined after reconnect")
}

func TestRejoinConsultsCheckpoint(t *testing.T) {
	fc := newFakeConn()
	b := bus.New()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	convs := convstore.New(b, logger)
	db := testDB(t)
	e := NewEngine(fc, convs, db, b, logger)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	convs.Upsert("c1", "Alice")
	fc.deliver(t, transport.EventNewMessage, transport.MessagePayload{
		ConversationID: "c1", ID: "m1", Text: "hi", Timestamp: 1234,
	})
	if err := e.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	b.Publish(bus.Event{Kind: "conn.reconnected", Timestamp: time.Now(), Payload: conn.Reconnected{Attempts: 1}})

	// The rejoin must surface the stored resume point for the conversation.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, entry := range logs.FilterMessage("re-joining active conversation after reconnect").All() {
			if entry.ContextMap()["resume_from"] == "1234" {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("resume point not consulted on rejoin")
}

func TestTypingPassThrough(t *testing.T) {
	e, fc, _, b, _ := newTestEngine(t)
	typing, unsub := b.Subscribe("typing.", 16)
	defer unsub()

	if err := e.Typing(context.Background(), "c1", true); err != nil {
		t.Fatal(err)
	}
	sent := fc.sentEvents()
	if sent[len(sent)-1] != transport.EventTyping {
		t.Errorf("sent = %v, want typing", sent)
	}

	fc.deliver(t, transport.EventStopTyping, transport.TypingPayload{ConversationID: "c1"})
	select {
	case evt := <-typing:
		if evt.Kind != "typing.stop" {
			t.Errorf("kind = %s, want typing.stop", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("typing event not republished")
	}
}
