// Package payment reconciles provider webhook notifications with the local
// payment ledger and defines the interface each provider adapter implements.
package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/model"
)

// Webhook is one raw delivery as received over HTTP.
type Webhook struct {
	Payload []byte
	Header  http.Header
	Query   url.Values
}

// Event is a verified webhook normalized across providers.
type Event struct {
	Provider          string
	EventID           string
	Type              string
	ExternalReference string
	Status            string
	// Ignored marks event types that carry no status change.
	Ignored bool
}

type CheckoutRequest struct {
	Title             string
	Description       string
	AmountCents       int64
	Currency          string
	ExternalReference string
	SuccessURL        string
	CancelURL         string
}

type CheckoutSession struct {
	SessionID string
	URL       string
}

// Provider is a payment provider adapter. ParseWebhook must verify the
// signature before looking at the payload and return apperr.ErrSignature
// when it does not match.
type Provider interface {
	Name() string
	ParseWebhook(ctx context.Context, wh Webhook) (Event, error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// Poller is implemented by providers that can report the current status
// of a payment on demand.
type Poller interface {
	FetchStatus(ctx context.Context, p *model.Payment) (string, error)
}

// Notifier is told about every applied status change.
type Notifier interface {
	PaymentStatusChanged(ctx context.Context, p *model.Payment, entitled bool)
}

// Receipts sends the confirmation for an approved payment.
type Receipts interface {
	SendReceipt(ctx context.Context, u *model.User, p *model.Payment) error
}

// Providers indexes adapters by name.
type Providers map[string]Provider

func NewProviders(ps ...Provider) Providers {
	m := make(Providers, len(ps))
	for _, p := range ps {
		m[p.Name()] = p
	}
	return m
}

func (ps Providers) Get(name string) (Provider, error) {
	p, ok := ps[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q: %w", name, apperr.ErrInvalid)
	}
	return p, nil
}
