// Package stripe adapts Stripe Checkout to the payment.Provider interface.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/payment"
)

const (
	Name = "stripe"

	// Header carries the webhook signature.
	Header = "Stripe-Signature"

	referenceKey = "external_reference"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	// Tolerance bounds the age of a signed webhook. Zero uses Stripe's default.
	Tolerance time.Duration
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.Tolerance == 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &Client{cfg: cfg}
}

func (c *Client) Name() string { return Name }

// CreateCheckout opens a one-off payment Checkout Session tagged with the
// payment's external reference.
func (c *Client) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error) {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(req.Title),
	}
	if req.Description != "" {
		product.Description = stripe.String(req.Description)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.ExternalReference),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(req.Currency),
					UnitAmount:  stripe.Int64(req.AmountCents),
					ProductData: product,
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata(referenceKey, req.ExternalReference)

	sess, err := checksession.New(params)
	if err != nil {
		return payment.CheckoutSession{}, fmt.Errorf("create checkout session: %v: %w", err, apperr.ErrUpstream)
	}
	return payment.CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}

// FetchStatus reads the Checkout Session recorded on p.
func (c *Client) FetchStatus(ctx context.Context, p *model.Payment) (string, error) {
	if p.ProviderSessionID == nil || *p.ProviderSessionID == "" {
		return "", fmt.Errorf("payment has no checkout session: %w", apperr.ErrNotFound)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := checksession.Get(*p.ProviderSessionID, params)
	if err != nil {
		return "", fmt.Errorf("get checkout session: %v: %w", err, apperr.ErrUpstream)
	}
	return sessionStatus(sess), nil
}

// ParseWebhook verifies the Stripe-Signature header and maps Checkout
// Session events onto payment statuses.
func (c *Client) ParseWebhook(_ context.Context, wh payment.Webhook) (payment.Event, error) {
	if c.cfg.WebhookSecret == "" {
		return payment.Event{}, fmt.Errorf("stripe webhook secret not configured: %w", apperr.ErrSignature)
	}
	event, err := webhook.ConstructEventWithOptions(wh.Payload, wh.Header.Get(Header), c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                c.cfg.Tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return payment.Event{}, fmt.Errorf("stripe webhook: %v: %w", err, apperr.ErrSignature)
		}
		return payment.Event{}, fmt.Errorf("stripe webhook: %v: %w", err, apperr.ErrInvalid)
	}

	ev := payment.Event{Provider: Name, EventID: event.ID, Type: string(event.Type)}

	var status string
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
	default:
		ev.Ignored = true
		return ev, nil
	}

	var sess stripe.CheckoutSession
	if event.Data == nil {
		return payment.Event{}, fmt.Errorf("stripe event %s has no data: %w", event.ID, apperr.ErrInvalid)
	}
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return payment.Event{}, fmt.Errorf("unmarshal checkout session: %v: %w", err, apperr.ErrInvalid)
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		status = sessionStatus(&sess)
	case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		status = model.PaymentApproved
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		status = model.PaymentRejected
	case stripe.EventTypeCheckoutSessionExpired:
		status = model.PaymentExpired
	}

	ev.ExternalReference = sess.ClientReferenceID
	if ev.ExternalReference == "" {
		ev.ExternalReference = sess.Metadata[referenceKey]
	}
	if ev.ExternalReference == "" {
		return payment.Event{}, fmt.Errorf("checkout session %s has no reference: %w", sess.ID, apperr.ErrInvalid)
	}
	ev.Status = status
	return ev, nil
}

func sessionStatus(sess *stripe.CheckoutSession) string {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return model.PaymentApproved
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return model.PaymentExpired
	default:
		return model.PaymentPending
	}
}
