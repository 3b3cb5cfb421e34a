package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/auth"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/payment"
	"github.com/dukerupert/logix/internal/store"
)

const pollTimeout = 10 * time.Second

// CheckoutConfig describes what a checkout sells and where the provider
// sends the buyer afterwards.
type CheckoutConfig struct {
	AmountCents     int64
	Currency        string
	Title           string
	Description     string
	DefaultProvider string
	SuccessURL      string
	CancelURL       string
}

type PaymentHandler struct {
	payments   *store.PaymentStore
	providers  payment.Providers
	reconciler *payment.Reconciler
	cfg        CheckoutConfig
	logger     *slog.Logger
}

func NewPaymentHandler(
	ps *store.PaymentStore,
	providers payment.Providers,
	rec *payment.Reconciler,
	cfg CheckoutConfig,
	logger *slog.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		payments:   ps,
		providers:  providers,
		reconciler: rec,
		cfg:        cfg,
		logger:     logger.With("component", "payment"),
	}
}

type checkoutRequest struct {
	Provider string `json:"provider"`
}

type checkoutResponse struct {
	ExternalReference string `json:"external_reference"`
	Provider          string `json:"provider"`
	SessionID         string `json:"session_id"`
	LegacySessionID   string `json:"sessionId"`
	URL               string `json:"url"`
}

type statusResponse struct {
	ExternalReference string    `json:"external_reference"`
	Status            string    `json:"status"`
	Provider          string    `json:"provider"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	HasValidPayment   bool      `json:"has_valid_payment"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CreateCheckout records a pending payment and then opens a checkout for
// its reference with the chosen provider.
func (h *PaymentHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, h.logger, apperr.ErrInvalid)
		return
	}
	name := req.Provider
	if name == "" {
		name = h.cfg.DefaultProvider
	}
	provider, err := h.providers.Get(name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	userID := auth.UserID(r.Context())
	p, err := h.payments.Create(r.Context(), userID, h.cfg.AmountCents, h.cfg.Currency)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	sess, err := provider.CreateCheckout(r.Context(), payment.CheckoutRequest{
		Title:             h.cfg.Title,
		Description:       h.cfg.Description,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		ExternalReference: p.ExternalReference,
		SuccessURL:        h.cfg.SuccessURL,
		CancelURL:         h.cfg.CancelURL,
	})
	if err != nil {
		h.logger.Error("create checkout", "provider", name, "external_reference", p.ExternalReference, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment provider unavailable"})
		return
	}

	if err := h.payments.SetProviderSession(r.Context(), p.ExternalReference, name, sess.SessionID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("checkout created", "user_id", userID, "provider", name, "external_reference", p.ExternalReference)
	writeJSON(w, http.StatusOK, checkoutResponse{
		ExternalReference: p.ExternalReference,
		Provider:          name,
		SessionID:         sess.SessionID,
		LegacySessionID:   sess.SessionID,
		URL:               sess.URL,
	})
}

// VerifyStatus reports whether the caller currently holds an approved payment.
func (h *PaymentHandler) VerifyStatus(w http.ResponseWriter, r *http.Request) {
	ok, err := h.payments.HasApproved(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_valid_payment": ok})
}

// Status returns one of the caller's payments. Non-terminal payments are
// refreshed from the provider when it supports polling.
func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserID(ctx)

	p, err := h.payments.GetByReference(ctx, r.PathValue("reference"))
	if err == nil && p.UserID != userID {
		err = apperr.ErrNotFound
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if !model.IsTerminal(p.Status) {
		p = h.refresh(ctx, p)
	}

	entitled, err := h.payments.HasApproved(ctx, userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ExternalReference: p.ExternalReference,
		Status:            p.Status,
		Provider:          p.Provider,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		HasValidPayment:   entitled,
		UpdatedAt:         p.UpdatedAt,
	})
}

// refresh asks the provider for the current status and reconciles it.
// Provider trouble is logged and the stored payment returned unchanged.
func (h *PaymentHandler) refresh(ctx context.Context, p *model.Payment) *model.Payment {
	provider, err := h.providers.Get(p.Provider)
	if err != nil {
		return p
	}
	poller, ok := provider.(payment.Poller)
	if !ok {
		return p
	}

	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	status, err := poller.FetchStatus(ctx, p)
	if err != nil {
		h.logger.Warn("poll payment status", "provider", p.Provider, "external_reference", p.ExternalReference, "error", err)
		return p
	}
	res, err := h.reconciler.Apply(ctx, p.Provider, p.ExternalReference, status)
	if err != nil {
		h.logger.Error("apply polled status", "external_reference", p.ExternalReference, "error", err)
		return p
	}
	if res.Payment != nil {
		return res.Payment
	}
	return p
}
