package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WebSocket implements Channel over a websocket connection carrying JSON
// {event, payload} frames.
type WebSocket struct {
	url    string
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	readDone context.CancelFunc
	closing  bool

	handler Handler
	onClose CloseHandler
}

// NewWebSocket creates a websocket channel dialing the given URL.
func NewWebSocket(url string, logger *zap.Logger) *WebSocket {
	return &WebSocket{url: url, logger: logger}
}

// SetHandler registers the inbound frame handler.
func (w *WebSocket) SetHandler(h Handler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

// SetCloseHandler registers the connection-loss callback.
func (w *WebSocket) SetCloseHandler(h CloseHandler) {
	w.mu.Lock()
	w.onClose = h
	w.mu.Unlock()
}

// Connect dials the server with a bearer token and starts the read loop.
func (w *WebSocket) Connect(ctx context.Context, token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	w.conn = conn
	w.readDone = cancel
	w.closing = false
	go w.readLoop(readCtx, conn)

	return nil
}

// Disconnect closes the connection. The close handler is invoked with nil.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	conn := w.conn
	cancel := w.readDone
	w.conn = nil
	w.readDone = nil
	w.closing = true
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// Emit marshals and transmits one frame.
func (w *WebSocket) Emit(ctx context.Context, event string, payload any) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	frame, err := json.Marshal(Frame{Event: event, Payload: body})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			w.handleReadError(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped, never fatal.
			w.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		if frame.Event == "" {
			w.logger.Debug("dropping frame without event name")
			continue
		}

		w.mu.Lock()
		handler := w.handler
		w.mu.Unlock()
		if handler != nil {
			handler(frame.Event, frame.Payload)
		}
	}
}

func (w *WebSocket) handleReadError(conn *websocket.Conn, err error) {
	w.mu.Lock()
	requested := w.closing || w.conn != conn
	if w.conn == conn {
		w.conn = nil
		w.readDone = nil
	}
	onClose := w.onClose
	w.mu.Unlock()

	if onClose == nil {
		return
	}
	if requested {
		onClose(nil)
		return
	}
	w.logger.Warn("websocket connection lost", zap.Error(err))
	onClose(err)
}
