// Package api exposes the daemon control surface over HTTP. The server
// listens on a per-session unix socket, so there is no network exposure and
// no auth beyond filesystem permissions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pcoelho/chatsync/internal/auth"
	"github.com/pcoelho/chatsync/internal/conn"
	"github.com/pcoelho/chatsync/internal/convstore"
	"github.com/pcoelho/chatsync/internal/message"
	"go.uber.org/zap"
)

// Connection is the subset of the connection manager the API needs.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Phase() conn.Phase
}

// Syncer is the subset of the sync engine the API needs.
type Syncer interface {
	SendText(ctx context.Context, conversationID, text string) (message.Message, error)
	Select(ctx context.Context, conversationID string) error
	Typing(ctx context.Context, conversationID string, active bool) error
}

// Handler serves the control API for one session.
type Handler struct {
	conn        Connection
	engine      Syncer
	convs       *convstore.Store
	sessionName string
	logger      *zap.Logger
}

func NewHandler(c Connection, engine Syncer, convs *convstore.Store, sessionName string, logger *zap.Logger) *Handler {
	return &Handler{
		conn:        c,
		engine:      engine,
		convs:       convs,
		sessionName: sessionName,
		logger:      logger.Named("api"),
	}
}

// Router builds the chi router for the control API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/connect", h.connect)
		r.Post("/disconnect", h.disconnect)
		r.Get("/search", h.search)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.listConversations)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/messages", h.listMessages)
				r.Post("/messages", h.sendMessage)
				r.Post("/select", h.selectConversation)
				r.Post("/typing", h.typing)
			})
		})
	})
	return r
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	conversations, messages := h.convs.Counts()
	JSON(w, http.StatusOK, map[string]any{
		"session":       h.sessionName,
		"phase":         string(h.conn.Phase()),
		"conversations": conversations,
		"messages":      messages,
	})
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	if err := h.conn.Connect(r.Context()); err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		h.logger.Warn("connect failed", zap.Error(err))
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"phase": string(h.conn.Phase())})
}

func (h *Handler) disconnect(w http.ResponseWriter, _ *http.Request) {
	if err := h.conn.Disconnect(); err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"phase": string(h.conn.Phase())})
}

func (h *Handler) listConversations(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.convs.List())
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := h.convs.MessagesOf(id)
	if err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	JSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Text string `json:"text"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := h.engine.SendText(r.Context(), id, req.Text)
	if err != nil {
		var verr *message.ValidationError
		var uerr *convstore.UnknownConversationError
		switch {
		case errors.As(err, &verr):
			Error(w, http.StatusBadRequest, verr.Error())
		case errors.As(err, &uerr):
			Error(w, http.StatusNotFound, uerr.Error())
		default:
			h.logger.Error("send failed", zap.String("conversation_id", id), zap.Error(err))
			Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	JSON(w, http.StatusCreated, m)
}

func (h *Handler) selectConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Select(r.Context(), id); err != nil {
		var uerr *convstore.UnknownConversationError
		if errors.As(err, &uerr) {
			Error(w, http.StatusNotFound, uerr.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"selected": id})
}

type typingRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) typing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.engine.Typing(r.Context(), id, req.Active); err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.convs.Search(r.URL.Query().Get("q")))
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
