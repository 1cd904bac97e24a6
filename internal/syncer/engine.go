package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/pcoelho/chatsync/internal/bus"
	"github.com/pcoelho/chatsync/internal/conn"
	"github.com/pcoelho/chatsync/internal/convstore"
	"github.com/pcoelho/chatsync/internal/message"
	"github.com/pcoelho/chatsync/internal/store"
	"github.com/pcoelho/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Connection is the event surface the engine consumes. Satisfied by
// *conn.Manager.
type Connection interface {
	Subscribe(event string, h conn.Handler) (unsubscribe func())
	Send(ctx context.Context, event string, payload any) error
}

// Engine routes inbound transport events into the conversation store and
// carries user-initiated operations back out. It owns the conversation-
// scoped subscriptions and re-announces them after a reconnect.
type Engine struct {
	conn   Connection
	convs  *convstore.Store
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	unsubs []func()
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(c Connection, convs *convstore.Store, db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		conn:   c,
		convs:  convs,
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to the wire events and to connection lifecycle events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.unsubs = append(e.unsubs,
		e.conn.Subscribe(transport.EventNewMessage, e.handleNewMessage),
		e.conn.Subscribe(transport.EventMessageStatus, e.handleStatus),
		e.conn.Subscribe(transport.EventConversation, e.handleConversation),
		e.conn.Subscribe(transport.EventTyping, e.handleTyping),
		e.conn.Subscribe(transport.EventStopTyping, e.handleTyping),
	)

	events, unsub := e.bus.Subscribe("conn.", 64)
	e.unsubs = append(e.unsubs, unsub)
	go func() {
		for {
			select {
			case evt := <-events:
				if evt.Kind == "conn.reconnected" {
					e.rejoinActive(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears down all subscriptions owned by the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
}

// SendText validates and optimistically appends an outbound message, then
// queues it durably for the outbox sender. The returned message is already
// visible to the presentation layer with status pending.
func (e *Engine) SendText(_ context.Context, conversationID, text string) (message.Message, error) {
	m, err := e.convs.CreateOutbound(conversationID, text)
	if err != nil {
		return message.Message{}, err
	}
	if err := e.db.QueueOutbox(m.ID, m.ConversationID, m.Text, m.Timestamp); err != nil {
		// Without a durable row nothing will ever drain this message, so
		// it must not linger pending. The caller retries with a new one.
		e.convs.ApplyStatus(m.ID, message.StatusFailed)
		return m, err
	}
	return m, nil
}

// Select switches the active conversation, marks its delivered inbound
// messages read, and announces room membership to the server. Selection
// works offline; the join is re-announced on reconnect.
func (e *Engine) Select(ctx context.Context, conversationID string) error {
	previous := e.convs.Active()
	if err := e.convs.Select(conversationID); err != nil {
		return err
	}

	if previous != "" && previous != conversationID {
		e.emit(ctx, transport.EventLeaveChat, transport.TypingPayload{ConversationID: previous})
	}
	e.emit(ctx, transport.EventJoinChat, transport.TypingPayload{ConversationID: conversationID})
	return nil
}

// Typing forwards a typing indicator. No state-machine effect.
func (e *Engine) Typing(ctx context.Context, conversationID string, active bool) error {
	event := transport.EventTyping
	if !active {
		event = transport.EventStopTyping
	}
	return e.conn.Send(ctx, event, transport.TypingPayload{ConversationID: conversationID})
}

func (e *Engine) rejoinActive(ctx context.Context) {
	active := e.convs.Active()
	if active == "" {
		return
	}
	fields := []zap.Field{zap.String("conversation", active)}
	// The checkpoint marks the last inbound message seen before the
	// connection was lost; anything after it was missed while offline.
	if resume, err := e.db.GetCheckpoint("last_message_ts:" + active); err == nil && resume != "" {
		fields = append(fields, zap.String("resume_from", resume))
	}
	e.logger.Info("re-joining active conversation after reconnect", fields...)
	e.emit(ctx, transport.EventJoinChat, transport.TypingPayload{ConversationID: active})
}

// emit sends best-effort announcements. Transport unavailability is
// expected while offline and not an error for the caller.
func (e *Engine) emit(ctx context.Context, event string, payload any) {
	if err := e.conn.Send(ctx, event, payload); err != nil {
		var unavailable *conn.TransportUnavailableError
		if errors.As(err, &unavailable) {
			e.logger.Debug("announcement skipped while offline", zap.String("event", event))
			return
		}
		e.logger.Warn("announcement failed", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) handleNewMessage(_ string, payload json.RawMessage) error {
	var p transport.MessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" || p.ConversationID == "" {
		e.logger.Debug("dropping malformed new-message payload", zap.Error(err))
		return nil
	}

	if err := e.convs.AppendInbound(p.ConversationID, p.ID, p.Text, p.Timestamp); err != nil {
		var unknown *convstore.UnknownConversationError
		if errors.As(err, &unknown) {
			// The directory event has not arrived; logged and dropped.
			e.logger.Warn("message for unknown conversation dropped",
				zap.String("conversation", p.ConversationID), zap.String("msg_id", p.ID))
			return nil
		}
		return err
	}

	if err := e.db.UpsertCheckpoint("last_message_ts:"+p.ConversationID,
		strconv.FormatInt(p.Timestamp, 10)); err != nil {
		e.logger.Warn("failed to record checkpoint", zap.Error(err))
	}
	return nil
}

func (e *Engine) handleStatus(_ string, payload json.RawMessage) error {
	var p transport.StatusPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.MessageID == "" {
		e.logger.Debug("dropping malformed status payload", zap.Error(err))
		return nil
	}
	st, ok := message.ParseStatus(p.Status)
	if !ok {
		e.logger.Debug("dropping unknown status value", zap.String("status", p.Status))
		return nil
	}
	e.convs.ApplyStatus(p.MessageID, st)
	return nil
}

func (e *Engine) handleConversation(_ string, payload json.RawMessage) error {
	var p transport.ConversationPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		e.logger.Debug("dropping malformed conversation payload", zap.Error(err))
		return nil
	}
	e.convs.Upsert(p.ConversationID, p.DisplayName)
	return nil
}

// handleTyping republishes typing indicators for the presentation layer.
func (e *Engine) handleTyping(event string, payload json.RawMessage) error {
	var p transport.TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		return nil
	}
	kind := "typing.start"
	if event == transport.EventStopTyping {
		kind = "typing.stop"
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: p})
	return nil
}
