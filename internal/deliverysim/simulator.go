// Package deliverysim fakes the remote side of the delivery pipeline when no
// real server acknowledges receipts. Once a message reaches sent it is bumped
// to delivered and then read on short timers, so the rest of the stack can be
// exercised end to end against a dumb echo server.
package deliverysim

import (
	"sync"
	"time"

	"github.com/pcoelho/chatsync/internal/bus"
	"github.com/pcoelho/chatsync/internal/convstore"
	"github.com/pcoelho/chatsync/internal/message"
	"go.uber.org/zap"
)

// Config controls the simulated acknowledgement delays.
type Config struct {
	DeliverAfter time.Duration
	ReadAfter    time.Duration
}

// DefaultConfig mirrors the delays of a live session on a decent link.
func DefaultConfig() Config {
	return Config{
		DeliverAfter: 2 * time.Second,
		ReadAfter:    5 * time.Second,
	}
}

// Simulator watches message status events and schedules fake delivery and
// read receipts for outbound messages that reached sent.
type Simulator struct {
	convs  *convstore.Store
	bus    *bus.Bus
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	timers map[string][]*time.Timer
	done   chan struct{}
	unsub  func()
}

func New(convs *convstore.Store, b *bus.Bus, cfg Config, logger *zap.Logger) *Simulator {
	return &Simulator{
		convs:  convs,
		bus:    b,
		cfg:    cfg,
		logger: logger.Named("deliverysim"),
		timers: make(map[string][]*time.Timer),
	}
}

// Start subscribes to message and connection events. Call Stop to cancel
// pending timers.
func (s *Simulator) Start() {
	events, unsubMsg := s.bus.Subscribe("msg.", 64)
	connEvents, unsubConn := s.bus.Subscribe("conn.", 64)
	s.mu.Lock()
	s.unsub = func() {
		unsubMsg()
		unsubConn()
	}
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		for {
			select {
			case evt := <-events:
				s.handle(evt)
			case evt := <-connEvents:
				// A dead connection cannot produce receipts.
				if evt.Kind == "conn.disconnected" {
					s.cancelAll()
				}
			case <-done:
				return
			}
		}
	}()
	s.logger.Info("delivery simulation enabled",
		zap.Duration("deliver_after", s.cfg.DeliverAfter),
		zap.Duration("read_after", s.cfg.ReadAfter))
}

// Stop cancels the event loop and all scheduled receipts.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	for id, timers := range s.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(s.timers, id)
	}
}

func (s *Simulator) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timers := range s.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(s.timers, id)
	}
}

func (s *Simulator) handle(evt bus.Event) {
	if evt.Kind != "msg.status_changed" {
		return
	}
	change, ok := evt.Payload.(convstore.MessageChange)
	if !ok {
		return
	}
	switch change.Status {
	case message.StatusSent:
		s.schedule(change.MessageID)
	case message.StatusFailed:
		s.Cancel(change.MessageID)
	}
}

func (s *Simulator) schedule(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	if _, exists := s.timers[messageID]; exists {
		return
	}
	s.timers[messageID] = []*time.Timer{
		time.AfterFunc(s.cfg.DeliverAfter, func() {
			s.convs.ApplyStatus(messageID, message.StatusDelivered)
		}),
		time.AfterFunc(s.cfg.ReadAfter, func() {
			s.convs.ApplyStatus(messageID, message.StatusRead)
			s.Cancel(messageID)
		}),
	}
}

// Cancel drops any pending receipts for the message. Unknown ids are a no-op.
func (s *Simulator) Cancel(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timers, ok := s.timers[messageID]
	if !ok {
		return
	}
	for _, t := range timers {
		t.Stop()
	}
	delete(s.timers, messageID)
}
