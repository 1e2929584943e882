// Package server exposes the HTTP surface: message CRUD, the websocket
// upgrade, and health/status endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// Handlers carries the service handle into each HTTP handler.
type Handlers struct {
	svc *Service
}

// NewHandlers builds the handler set around a service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// createRequest is a draft plus the connect-issued identity token. Any
// authorId smuggled into the body is ignored; attribution comes from the
// registry lookup on SocketID.
type createRequest struct {
	Draft
	SocketID string `json:"socketId"`
}

type editRequest struct {
	Text     string `json:"text"`
	SocketID string `json:"socketId"`
}

type deleteRequest struct {
	SocketID string `json:"socketId"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("error encoding response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// ListMessages handles GET /messages: the full ordered replay with
// indices, tombstones included.
func (h *Handlers) ListMessages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Replay())
}

// CreateMessage handles POST /message. The draft is stored verbatim; the
// identity token must resolve to a live connection. The broadcast is the
// source of truth for UI updates, but the created record is still returned
// to acknowledge the submission.
func (h *Handlers) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}

	rec, err := h.svc.Create(req.Draft, req.SocketID)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "unknown or expired identity")
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

// UpdateMessage handles PUT /message/{index}. Unauthorized attempts get
// both identities back; they are not secrets in this trust model and the
// client uses them to explain the rejection.
func (h *Handlers) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	index, ok := messageIndex(w, r)
	if !ok {
		return
	}

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}

	rec, err := h.svc.Edit(index, req.Text, req.SocketID)
	switch {
	case errors.Is(err, ErrNotFound):
		respondError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, ErrUnauthorized):
		respondJSON(w, http.StatusForbidden, map[string]string{
			"error":            "Unauthorized: You can only edit your own messages",
			"originalIdentity": rec.AuthorID,
			"yourIdentity":     req.SocketID,
		})
	case errors.Is(err, ErrMessageDeleted):
		respondError(w, http.StatusConflict, "Message has been deleted")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, rec)
	}
}

// DeleteMessage handles DELETE /message/{index}. A repeat delete of the
// same message still reports success.
func (h *Handlers) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	index, ok := messageIndex(w, r)
	if !ok {
		return
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json")
		return
	}

	_, err := h.svc.Delete(index, req.SocketID)
	switch {
	case errors.Is(err, ErrNotFound):
		respondError(w, http.StatusNotFound, "Message not found")
	case errors.Is(err, ErrUnauthorized):
		respondError(w, http.StatusForbidden, "Unauthorized: You can only delete your own messages")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// messageIndex extracts the {index} path variable. A non-numeric index can
// never name a record, so it reports not-found like any other missing
// index.
func messageIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := mux.Vars(r)["index"]
	index, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, http.StatusNotFound, "Message not found")
		return 0, false
	}
	return index, true
}

// WebSocket handles GET /ws: upgrades the connection and hands it to the
// service, which assigns the identity and replays the store.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.svc.Connect(conn, r.RemoteAddr)
}

// HealthHandler reports that the server is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Parley chat server is running!")
}

// StatusHandler answers HEAD /status with a bare 200.
func StatusHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
