// Package email sends transactional mail through the Postmark API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/logix/internal/model"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// SendReceipt emails the user a confirmation for an approved payment.
func (c *Client) SendReceipt(ctx context.Context, u *model.User, p *model.Payment) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	amount := FormatAmount(p.AmountCents, p.Currency)
	link := c.baseURL + "/payment/status/" + p.ExternalReference
	textBody := fmt.Sprintf(
		"Hi %s,\n\nWe received your payment of %s.\n\nReference: %s\n%s\n\nThanks for creating with LogixAI.",
		u.Username, amount, p.ExternalReference, link,
	)
	htmlBody := fmt.Sprintf(
		`<p>Hi %s,</p><p>We received your payment of <strong>%s</strong>.</p><p>Reference: <a href="%s">%s</a></p><p>Thanks for creating with LogixAI.</p>`,
		u.Username, amount, link, p.ExternalReference,
	)

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       u.Email,
		Subject:  "Your LogixAI payment receipt",
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "receipt",
	})
}

func (c *Client) send(ctx context.Context, msg postmarkEmail) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}

// FormatAmount renders minor units as "9.99 USD".
func FormatAmount(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, strings.ToUpper(currency))
}
