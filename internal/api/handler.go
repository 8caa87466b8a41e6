// Package api exposes the gateway over HTTP: a websocket endpoint for live
// sessions and a small REST surface for history, deletion and presence.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-chat-relay/internal/chat"
	"go-chat-relay/internal/gateway"
	"go-chat-relay/internal/metrics"
	myMiddleware "go-chat-relay/internal/middleware"
)

type Handler struct {
	gw       *gateway.Gateway
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewHandler(gw *gateway.Gateway, origins *OriginPolicy, m *metrics.Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if origins == nil {
		origins = NewOriginPolicy([]string{"*"}, log)
	}
	return &Handler{
		gw:      gw,
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		metrics: m,
		log:     log.Named("api"),
	}
}

// ServeWs authenticates the caller, opens a session and starts its pumps.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	if !h.origins.CheckOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	s, err := h.gw.Connect(r.Context(), myMiddleware.TokenFromRequest(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.log.Debug("upgrade failed", zap.Error(err))
		h.gw.Close(s, nil)
		return
	}

	client := newClient(h.gw, conn, s, h.metrics, h.log)
	client.replies <- Response{Type: ResponseHello, SessionID: s.ID(), UserID: s.UserID()}

	go client.writePump()
	go client.readPump()
}

// GetHistory serves GET /api/topics/{topic}/messages?after=&limit=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, topic, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	after, err := queryInt(r, "after")
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, err)
		return
	}

	messages, err := h.gw.FetchHistory(r.Context(), userID, topic, after, int(limit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "messages": nonNil(messages)})
}

// GetLatest serves GET /api/topics/{topic}/latest?limit=.
func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	userID, topic, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, err)
		return
	}

	messages, err := h.gw.Latest(r.Context(), userID, topic, int(limit))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "messages": nonNil(messages)})
}

// DeleteMessage serves DELETE /api/topics/{topic}/messages/{id}.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, topic, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	if err := h.gw.Delete(r.Context(), userID, topic, chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPresence serves GET /api/presence/{user}.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Presence(chi.URLParam(r, "user")))
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": h.gw.Len()})
}

// requestScope pulls the authenticated user and the topic path parameter.
// Topic keys contain a slash, so clients escape it.
func (h *Handler) requestScope(w http.ResponseWriter, r *http.Request) (string, chat.Topic, bool) {
	userID, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		h.writeError(w, chat.ErrAuth)
		return "", "", false
	}
	raw, err := url.PathUnescape(chi.URLParam(r, "topic"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %w", chat.ErrInvalidTopic, err))
		return "", "", false
	}
	topic, err := chat.ParseTopic(raw)
	if err != nil {
		h.writeError(w, err)
		return "", "", false
	}
	return userID, topic, true
}

func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad %s %q", chat.ErrInvalidContent, key, v)
	}
	return n, nil
}

func nonNil(messages []chat.Message) []chat.Message {
	if messages == nil {
		return []chat.Message{}
	}
	return messages
}

func statusFor(err error) int {
	switch chat.Code(err) {
	case "auth":
		return http.StatusUnauthorized
	case "unauthorized", "forbidden":
		return http.StatusForbidden
	case "invalid_content":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "rate_limited":
		return http.StatusTooManyRequests
	case "store_unavailable", "shutdown":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	h.metrics.RequestFailed(chat.Code(err))
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}

	body := errorResponse("", err)
	if errors.Is(err, chat.ErrAuth) {
		// Do not echo token parsing details.
		body.Error = chat.ErrAuth.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
