package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/payment"
	"github.com/dukerupert/logix/internal/payment/mercadopago"
	"github.com/dukerupert/logix/internal/payment/stripe"
)

const maxWebhookBytes = 65536

type WebhookHandler struct {
	reconciler *payment.Reconciler
	logger     *slog.Logger
}

func NewWebhookHandler(rec *payment.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: rec, logger: logger.With("component", "webhook")}
}

// Handle serves POST /payment/webhook, picking the provider from its
// signature header.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, DetectProvider(r))
}

// HandleProvider serves POST /payment/webhook/{provider}.
func (h *WebhookHandler) HandleProvider(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, r.PathValue("provider"))
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, provider string) {
	if provider == "" {
		writeError(w, h.logger, apperr.ErrSignature)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook payload too large", "provider", provider, "limit_bytes", tooLarge.Limit)
			writeError(w, h.logger, apperr.ErrTooLarge)
			return
		}
		writeError(w, h.logger, apperr.ErrInvalid)
		return
	}

	res, err := h.reconciler.Handle(r.Context(), provider, payment.Webhook{
		Payload: body,
		Header:  r.Header,
		Query:   r.URL.Query(),
	})
	if err != nil {
		if apperr.Status(err) < http.StatusInternalServerError {
			h.logger.Warn("webhook rejected", "provider", provider, "error", err)
		}
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": res.Outcome})
}

// DetectProvider names the provider whose signature header r carries.
func DetectProvider(r *http.Request) string {
	switch {
	case r.Header.Get(stripe.Header) != "":
		return stripe.Name
	case r.Header.Get(mercadopago.Header) != "":
		return mercadopago.Name
	default:
		return ""
	}
}
