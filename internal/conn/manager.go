package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pcoelho/chatsync/internal/auth"
	"github.com/pcoelho/chatsync/internal/bus"
	"github.com/pcoelho/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Config holds the reconnection policy.
type Config struct {
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for the growing delay
	MaxAttempts  int           // retries before giving up
}

// DefaultConfig mirrors the service defaults: 1s doubling to 5s, 5 attempts.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  5,
	}
}

// Handler is invoked for every occurrence of a subscribed inbound event.
// A returned error (or panic) is logged and never stops later handlers.
type Handler func(event string, payload json.RawMessage) error

type subscriber struct {
	id int
	fn Handler
}

// Manager owns the transport channel, tracks the connection phase, and
// fans inbound events out to subscribers. It is the only component that
// touches the channel directly.
type Manager struct {
	channel transport.Channel
	tokens  auth.TokenSource
	bus     *bus.Bus
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	phase     Phase
	attempt   int
	retryStop context.CancelFunc

	subMu   sync.RWMutex
	subs    map[string][]subscriber
	nextSub int
}

// NewManager creates a connection manager over the given channel. The
// manager registers itself as the channel's frame and close handler.
func NewManager(channel transport.Channel, tokens auth.TokenSource, b *bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	if cfg.InitialDelay <= 0 || cfg.MaxDelay <= 0 || cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		channel: channel,
		tokens:  tokens,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		phase:   PhaseDisconnected,
		subs:    make(map[string][]subscriber),
	}
	channel.SetHandler(m.dispatch)
	channel.SetCloseHandler(m.onConnectionLost)
	return m
}

// Phase returns the current connection phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Attempt returns the count of consecutive reconnection attempts since the
// last successful connect.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect establishes the connection. Calling while already connected,
// connecting, or reconnecting is a no-op. The token capability is consulted
// first: without a valid token the dial never starts and the caller gets a
// distinguishable auth.ErrUnauthenticated. A failed dial schedules
// automatic retries; completion is observed through conn.* bus events.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.phase {
	case PhaseConnecting, PhaseConnected, PhaseReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	token, err := m.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			m.logger.Warn("connect blocked: not authenticated")
			m.publish("conn.auth_required", nil)
		}
		return err
	}

	if !m.transition(PhaseConnecting) {
		return nil
	}
	if err := m.channel.Connect(ctx, token); err != nil {
		m.logger.Warn("connect failed, scheduling retries", zap.Error(err))
		m.startReconnect()
		return err
	}

	m.transition(PhaseConnected)
	m.publish("conn.connected", nil)
	return nil
}

// Disconnect tears the connection down, stops any retry loop, and clears
// the attempt counter. Idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.phase == PhaseDisconnected {
		m.mu.Unlock()
		return nil
	}
	stop := m.retryStop
	m.retryStop = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	err := m.channel.Disconnect()
	m.transition(PhaseDisconnected)
	m.publish("conn.disconnected", nil)
	return err
}

// Send forwards one event to the transport. While not connected it returns
// a TransportUnavailableError and transmits nothing: the caller owns the
// queue-or-fail decision for the affected message.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	phase := m.phase
	m.mu.Unlock()
	if phase != PhaseConnected {
		return &TransportUnavailableError{Phase: phase}
	}
	return m.channel.Emit(ctx, event, payload)
}

// Subscribe registers a handler for a named inbound event. Handlers run in
// registration order. The returned function removes the registration;
// conversation-scoped subscriptions are owned by the caller and must be
// torn down by the caller.
func (m *Manager) Subscribe(event string, h Handler) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[event] = append(m.subs[event], subscriber{id: id, fn: h})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		list := m.subs[event]
		for i, s := range list {
			if s.id == id {
				m.subs[event] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) dispatch(event string, payload json.RawMessage) {
	m.subMu.RLock()
	list := slices.Clone(m.subs[event])
	m.subMu.RUnlock()

	for _, s := range list {
		if err := invoke(s.fn, event, payload); err != nil {
			// A failing handler must not starve the remaining ones.
			m.logger.Error("event handler failed",
				zap.String("event", event), zap.Error(err))
		}
	}
}

func invoke(h Handler, event string, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(event, payload)
}

// onConnectionLost is the channel close callback. A nil error means the
// teardown was requested locally and needs no reaction.
func (m *Manager) onConnectionLost(err error) {
	if err == nil {
		return
	}
	m.logger.Warn("connection lost", zap.Error(err))
	m.startReconnect()
}

func (m *Manager) startReconnect() {
	if !m.transition(PhaseReconnecting) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.retryStop != nil {
		m.retryStop()
	}
	m.retryStop = cancel
	m.mu.Unlock()
	go m.reconnectLoop(ctx)
}

func (m *Manager) reconnectLoop(ctx context.Context) {
	delay := m.cfg.InitialDelay
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		// A Disconnect can land while a dial is in flight; the cancelled
		// loop must not touch the counter or publish afterwards.
		m.mu.Lock()
		if ctx.Err() != nil || m.phase != PhaseReconnecting {
			m.mu.Unlock()
			return
		}
		m.attempt = attempt
		m.mu.Unlock()
		m.publish("conn.reconnect_attempt", ReconnectAttempt{Attempt: attempt})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		token, err := m.tokens.Token(ctx)
		if err == nil {
			err = m.channel.Connect(ctx, token)
		}
		if err == nil {
			if m.transition(PhaseConnected) {
				m.logger.Info("reconnected", zap.Int("attempts", attempt))
				m.publish("conn.reconnected", Reconnected{Attempts: attempt})
			}
			return
		}

		m.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt), zap.Error(err))
		delay *= 2
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}

	if m.transition(PhaseFailed) {
		exhausted := &ReconnectExhaustedError{Attempts: m.cfg.MaxAttempts}
		m.logger.Error("reconnection exhausted", zap.Error(exhausted))
		m.publish("conn.failed", exhausted)
	}
}

// transition attempts a phase change, publishing conn.phase_changed on
// success. Invalid transitions are logged and ignored: late callbacks from
// a dead connection must never corrupt the machine.
func (m *Manager) transition(to Phase) bool {
	m.mu.Lock()
	if !slices.Contains(validTransitions[m.phase], to) {
		from := m.phase
		m.mu.Unlock()
		m.logger.Debug("ignoring invalid phase transition",
			zap.String("from", string(from)), zap.String("to", string(to)))
		return false
	}
	from := m.phase
	m.phase = to
	if to == PhaseConnected || to == PhaseDisconnected {
		m.attempt = 0
	}
	attempt := m.attempt
	m.mu.Unlock()

	m.publish("conn.phase_changed", PhaseChange{From: from, To: to, Attempt: attempt})
	return true
}

func (m *Manager) publish(kind string, payload any) {
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
