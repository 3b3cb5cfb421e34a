package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/auth"
	"github.com/dukerupert/logix/internal/push"
	"github.com/dukerupert/logix/internal/store"
)

type PushHandler struct {
	subs    *store.PushStore
	service *push.Service
	logger  *slog.Logger
}

func NewPushHandler(subs *store.PushStore, svc *push.Service, logger *slog.Logger) *PushHandler {
	return &PushHandler{subs: subs, service: svc, logger: logger.With("component", "push_handler")}
}

type subscribeRequest struct {
	Endpoint   string `json:"endpoint"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
	DeviceName string `json:"device_name"`
}

// Subscribe handles POST /push/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "endpoint, p256dh, and auth are required"})
		return
	}

	sub, err := h.subs.Subscribe(r.Context(), auth.UserID(r.Context()), req.Endpoint, req.P256dh, req.Auth, req.DeviceName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles DELETE /push/subscriptions/{id}
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, h.logger, apperr.ErrInvalid)
		return
	}
	if err := h.subs.Delete(r.Context(), id, auth.UserID(r.Context())); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions handles GET /push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.ListByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if subs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// VAPIDKey handles GET /push/vapid-key
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.service.VAPIDPublicKey()})
}
