// Package mercadopago talks to the MercadoPago REST API: checkout
// preferences, payment lookups and signed webhook notifications.
package mercadopago

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/payment"
)

const (
	Name = "mercadopago"

	// Header carries the webhook signature.
	Header = "X-Signature"

	defaultBaseURL = "https://api.mercadopago.com"

	// DefaultTolerance bounds the age of a signed notification.
	DefaultTolerance = 5 * time.Minute
)

type Config struct {
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
	BaseURL         string
	// Tolerance bounds how far the signed ts may be from now. Zero uses
	// DefaultTolerance.
	Tolerance time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return Name }

type preferenceItem struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	CurrencyID  string  `json:"currency_id"`
	UnitPrice   float64 `json:"unit_price"`
}

type backURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceRequest struct {
	Items             []preferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	BackURLs          backURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return,omitempty"`
	NotificationURL   string           `json:"notification_url,omitempty"`
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreateCheckout creates a checkout preference and returns its init_point.
func (c *Client) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error) {
	pref := preferenceRequest{
		Items: []preferenceItem{{
			Title:       req.Title,
			Description: req.Description,
			Quantity:    1,
			CurrencyID:  strings.ToUpper(req.Currency),
			UnitPrice:   float64(req.AmountCents) / 100,
		}},
		ExternalReference: req.ExternalReference,
		BackURLs: backURLs{
			Success: req.SuccessURL,
			Failure: req.CancelURL,
			Pending: req.SuccessURL,
		},
		NotificationURL: c.cfg.NotificationURL,
	}
	if req.SuccessURL != "" {
		pref.AutoReturn = "approved"
	}

	var resp preferenceResponse
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", pref, &resp); err != nil {
		return payment.CheckoutSession{}, fmt.Errorf("create preference: %w", err)
	}
	return payment.CheckoutSession{SessionID: resp.ID, URL: resp.InitPoint}, nil
}

type paymentResponse struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
}

func (c *Client) getPayment(ctx context.Context, id string) (*paymentResponse, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+id, nil, &resp); err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return &resp, nil
}

type searchResponse struct {
	Results []paymentResponse `json:"results"`
}

// FetchStatus looks up the newest MercadoPago payment for p's reference.
// A reference with no provider payment yet is still pending.
func (c *Client) FetchStatus(ctx context.Context, p *model.Payment) (string, error) {
	var resp searchResponse
	path := "/v1/payments/search?sort=date_created&criteria=desc&external_reference=" + url.QueryEscape(p.ExternalReference)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", fmt.Errorf("search payments: %w", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].Status == "" {
		return model.PaymentPending, nil
	}
	return resp.Results[0].Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.cfg.AccessToken == "" {
		return fmt.Errorf("mercadopago access token not configured: %w", apperr.ErrUpstream)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mercadopago request: %v: %w", err, apperr.ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("mercadopago API error: status %d: %w", resp.StatusCode, apperr.ErrUpstream)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, apperr.ErrUpstream)
	}
	return nil
}

// flexID accepts an identifier sent either as a JSON number or a string.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// notification is the webhook body. Only data.id is covered by the
// signature, so nothing else in it decides a payment's status.
type notification struct {
	Type string `json:"type"`
	Data struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

// ParseWebhook verifies the x-signature header and normalizes a payment
// notification. The reference and status always come from the payments
// API, and the event id is derived from the signed data.id and that
// status, so one provider state change is applied once.
func (c *Client) ParseWebhook(ctx context.Context, wh payment.Webhook) (payment.Event, error) {
	if c.cfg.WebhookSecret == "" {
		return payment.Event{}, fmt.Errorf("mercadopago webhook secret not configured: %w", apperr.ErrSignature)
	}

	var n notification
	decodeErr := json.Unmarshal(wh.Payload, &n)

	dataID := wh.Query.Get("data.id")
	if dataID == "" && decodeErr == nil {
		dataID = string(n.Data.ID)
	}
	if err := Verify(c.cfg.WebhookSecret, wh.Header.Get(Header), wh.Header.Get("X-Request-Id"), dataID); err != nil {
		return payment.Event{}, err
	}
	if err := c.checkFresh(wh.Header.Get(Header)); err != nil {
		return payment.Event{}, err
	}
	if decodeErr != nil {
		return payment.Event{}, fmt.Errorf("decode notification: %v: %w", decodeErr, apperr.ErrInvalid)
	}

	eventType := n.Type
	if eventType == "" {
		eventType = wh.Query.Get("type")
	}
	ev := payment.Event{Provider: Name, Type: eventType}
	if eventType != "payment" {
		ev.Ignored = true
		return ev, nil
	}
	if dataID == "" {
		return payment.Event{}, fmt.Errorf("payment notification has no data.id: %w", apperr.ErrInvalid)
	}

	p, err := c.getPayment(ctx, dataID)
	if err != nil {
		return payment.Event{}, err
	}
	if p.ExternalReference == "" || p.Status == "" {
		return payment.Event{}, fmt.Errorf("payment %s has no reference or status: %w", dataID, apperr.ErrInvalid)
	}
	ev.EventID = dataID + ":" + p.Status
	ev.ExternalReference = p.ExternalReference
	ev.Status = p.Status
	return ev, nil
}

// checkFresh rejects a signature whose ts lies outside the tolerance.
// MercadoPago sends ts in seconds or milliseconds depending on the
// integration.
func (c *Client) checkFresh(header string) error {
	ts, _ := splitSignature(header)
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp %q: %w", ts, apperr.ErrSignature)
	}
	signedAt := time.Unix(n, 0)
	if n > 1e12 {
		signedAt = time.UnixMilli(n)
	}
	age := c.now().Sub(signedAt)
	if age > c.cfg.Tolerance || age < -c.cfg.Tolerance {
		return fmt.Errorf("signature timestamp outside tolerance (%s): %w", age.Round(time.Second), apperr.ErrSignature)
	}
	return nil
}

func splitSignature(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	return ts, v1
}

// Verify checks a MercadoPago x-signature header of the form
// "ts=<ts>,v1=<hex>" against the manifest built from dataID and requestID.
func Verify(secret, header, requestID, dataID string) error {
	ts, v1 := splitSignature(header)
	if ts == "" || v1 == "" {
		return fmt.Errorf("malformed x-signature header: %w", apperr.ErrSignature)
	}

	want, err := hex.DecodeString(v1)
	if err != nil {
		return fmt.Errorf("decode signature: %w", apperr.ErrSignature)
	}
	if !hmac.Equal(Sign(secret, ts, requestID, dataID), want) {
		return apperr.ErrSignature
	}
	return nil
}

// Sign returns the HMAC-SHA256 of the notification manifest.
func Sign(secret, ts, requestID, dataID string) []byte {
	var manifest strings.Builder
	if dataID != "" {
		manifest.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		manifest.WriteString("request-id:" + requestID + ";")
	}
	manifest.WriteString("ts:" + ts + ";")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest.String()))
	return mac.Sum(nil)
}
