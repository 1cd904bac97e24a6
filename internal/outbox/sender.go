package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/pcoelho/chatsync/internal/conn"
	"github.com/pcoelho/chatsync/internal/convstore"
	"github.com/pcoelho/chatsync/internal/message"
	"github.com/pcoelho/chatsync/internal/store"
	"github.com/pcoelho/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Connection is the transport surface the sender drains through.
type Connection interface {
	Phase() conn.Phase
	Send(ctx context.Context, event string, payload any) error
}

// Sender drains the durable outbox whenever the connection is up. Queued
// messages stay pending across disconnects; a successful transmit advances
// the optimistic message to sent.
type Sender struct {
	db     *store.DB
	conn   Connection
	convs  *convstore.Store
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, c Connection, convs *convstore.Store, logger *zap.Logger) *Sender {
	return &Sender{
		db:     db,
		conn:   c,
		convs:  convs,
		logger: logger,
	}
}

// Start requeues entries stranded by a previous crash and begins polling.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueSending(); err != nil {
		s.logger.Error("failed to requeue stranded outbox entries", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued stranded outbox entries", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	// Queued messages simply wait out a disconnect; they are not failures.
	if s.conn.Phase() != conn.PhaseConnected {
		return
	}

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.MessageID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("msg_id", entry.MessageID))
			continue
		}

		err := s.conn.Send(ctx, transport.EventSendMessage, transport.MessagePayload{
			ConversationID: entry.ConversationID,
			ID:             entry.MessageID,
			Text:           entry.Body,
			Timestamp:      entry.SendTimestamp,
		})
		if err != nil {
			var unavailable *conn.TransportUnavailableError
			if errors.As(err, &unavailable) {
				// Connection dropped mid-drain: the entry goes back to the
				// queue and the message stays pending.
				_ = s.db.RequeueEntry(entry.MessageID)
				return
			}
			s.logger.Error("failed to send message", zap.Error(err), zap.String("msg_id", entry.MessageID))
			_ = s.db.MarkOutboxFailed(entry.MessageID, err.Error())
			s.convs.ApplyStatus(entry.MessageID, message.StatusFailed)
			continue
		}

		// Emit succeeded: the transport accepted the frame. Delivery and
		// read confirmations arrive later as status events.
		if err := s.db.MarkOutboxSent(entry.MessageID, ""); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("msg_id", entry.MessageID))
		}
		s.convs.ApplyStatus(entry.MessageID, message.StatusSent)
		s.logger.Info("message sent", zap.String("msg_id", entry.MessageID),
			zap.String("conversation", entry.ConversationID))
	}
}
