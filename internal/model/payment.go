package model

import "time"

// Payment statuses. Providers may report other values; those are stored
// verbatim and treated as non-terminal.
const (
	PaymentPending     = "pending"
	PaymentInProcess   = "in_process"
	PaymentApproved    = "approved"
	PaymentRejected    = "rejected"
	PaymentCancelled   = "cancelled"
	PaymentExpired     = "expired"
	PaymentRefunded    = "refunded"
	PaymentChargedBack = "charged_back"
)

// TerminalStatuses are the statuses a payment never leaves for a
// non-terminal one.
var TerminalStatuses = []string{
	PaymentApproved,
	PaymentRejected,
	PaymentCancelled,
	PaymentExpired,
	PaymentRefunded,
	PaymentChargedBack,
}

// IsTerminal reports whether status is one of TerminalStatuses.
func IsTerminal(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// CanTransition reports whether a provider delivery may move a payment
// from one status to another. Terminal statuses never fall back to
// non-terminal ones. An approved payment only leaves for a refund or a
// chargeback, and refunded or charged-back payments stay where they are.
func CanTransition(from, to string) bool {
	switch {
	case from == to:
		return false
	case !IsTerminal(from):
		return true
	case !IsTerminal(to):
		return false
	case from == PaymentRefunded, from == PaymentChargedBack:
		return false
	case from == PaymentApproved:
		return to == PaymentRefunded || to == PaymentChargedBack
	default:
		return true
	}
}

type Payment struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	AmountCents       int64     `json:"amount_cents"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status"`
	ExternalReference string    `json:"external_reference"`
	Provider          string    `json:"provider,omitempty"`
	ProviderSessionID *string   `json:"provider_session_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WebhookEvent is a verified provider delivery, kept for replay detection.
type WebhookEvent struct {
	ID                int64     `json:"id"`
	Provider          string    `json:"provider"`
	EventID           string    `json:"event_id"`
	EventType         string    `json:"event_type"`
	ExternalReference string    `json:"external_reference"`
	Status            string    `json:"status"`
	Outcome           string    `json:"outcome"`
	CreatedAt         time.Time `json:"created_at"`
}
