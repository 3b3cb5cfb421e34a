package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/store"
)

// Outcome is what a delivery did to the ledger.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeRefused          Outcome = "downgrade_refused"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeUnknownReference Outcome = "unknown_reference"
	OutcomeIgnored          Outcome = "ignored"
)

type Result struct {
	Outcome Outcome
	Event   Event
	// Payment is set when the reference resolved to a local payment.
	Payment *model.Payment
}

type Reconciler struct {
	db        *sql.DB
	providers Providers
	notifiers []Notifier
	receipts  Receipts
	logger    *slog.Logger
}

type Option func(*Reconciler)

// WithNotifier adds n to the notifiers told about applied transitions.
func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifiers = append(r.notifiers, n) }
}

func WithReceipts(rs Receipts) Option {
	return func(r *Reconciler) { r.receipts = rs }
}

func NewReconciler(db *sql.DB, providers Providers, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:        db,
		providers: providers,
		logger:    logger.With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle verifies and applies one webhook delivery. Errors wrap
// apperr.ErrInvalid or apperr.ErrSignature when the delivery itself is bad;
// anything else is a local failure the provider should retry.
func (r *Reconciler) Handle(ctx context.Context, providerName string, wh Webhook) (Result, error) {
	p, err := r.providers.Get(providerName)
	if err != nil {
		return Result{}, err
	}

	ev, err := p.ParseWebhook(ctx, wh)
	if err != nil {
		return Result{}, err
	}
	ev.Provider = p.Name()
	if ev.Ignored {
		r.logger.Debug("event ignored", "provider", ev.Provider, "type", ev.Type, "event_id", ev.EventID)
		return Result{Outcome: OutcomeIgnored, Event: ev}, nil
	}

	res, err := r.apply(ctx, ev)
	if err != nil {
		return Result{}, err
	}
	r.logger.Info("webhook reconciled",
		"provider", ev.Provider,
		"event_id", ev.EventID,
		"type", ev.Type,
		"external_reference", ev.ExternalReference,
		"status", ev.Status,
		"outcome", res.Outcome,
	)
	return res, nil
}

// Apply reconciles a status obtained outside a webhook, such as a status
// poll. It runs the same guarded transition and notifications.
func (r *Reconciler) Apply(ctx context.Context, providerName, ref, status string) (Result, error) {
	return r.apply(ctx, Event{Provider: providerName, Type: "poll", ExternalReference: ref, Status: status})
}

func (r *Reconciler) apply(ctx context.Context, ev Event) (Result, error) {
	res := Result{Event: ev}
	var entitled bool

	err := database.WithTx(ctx, r.db, func(ctx context.Context, tx database.DBTX) error {
		events := store.NewWebhookEventStore(tx)
		payments := store.NewPaymentStore(tx)

		var eventRowID int64
		if ev.EventID != "" {
			id, inserted, err := events.Record(ctx, model.WebhookEvent{
				Provider:          ev.Provider,
				EventID:           ev.EventID,
				EventType:         ev.Type,
				ExternalReference: ev.ExternalReference,
				Status:            ev.Status,
			})
			if err != nil {
				return err
			}
			if !inserted {
				res.Outcome = OutcomeDuplicate
				return nil
			}
			eventRowID = id
		}

		tr, err := payments.Reconcile(ctx, ev.ExternalReference, ev.Status)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			res.Outcome = OutcomeUnknownReference
		case err != nil:
			return err
		default:
			res.Outcome = Outcome(tr)
			if res.Payment, err = payments.GetByReference(ctx, ev.ExternalReference); err != nil {
				return err
			}
			if entitled, err = payments.HasApproved(ctx, res.Payment.UserID); err != nil {
				return err
			}
		}

		if eventRowID != 0 {
			return events.SetOutcome(ctx, eventRowID, string(res.Outcome))
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile %s event: %w", ev.Provider, err)
	}

	switch res.Outcome {
	case OutcomeApplied:
		r.afterApplied(ctx, res.Payment, entitled)
	case OutcomeUnknownReference:
		r.logger.Warn("payment not found for event",
			"provider", ev.Provider, "event_id", ev.EventID, "external_reference", ev.ExternalReference)
	case OutcomeRefused:
		r.logger.Warn("refused status downgrade",
			"external_reference", ev.ExternalReference, "current", res.Payment.Status, "incoming", ev.Status)
	}
	return res, nil
}

func (r *Reconciler) afterApplied(ctx context.Context, p *model.Payment, entitled bool) {
	for _, n := range r.notifiers {
		n.PaymentStatusChanged(ctx, p, entitled)
	}
	if r.receipts == nil || p.Status != model.PaymentApproved {
		return
	}
	u, err := store.NewUserStore(r.db).GetByID(ctx, p.UserID)
	if err != nil {
		r.logger.Error("load user for receipt", "user_id", p.UserID, "error", err)
		return
	}
	if err := r.receipts.SendReceipt(ctx, u, p); err != nil {
		r.logger.Error("send receipt", "external_reference", p.ExternalReference, "error", err)
	}
}
