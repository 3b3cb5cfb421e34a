package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/store"
)

const sendTimeout = 10 * time.Second

type statusText struct {
	title, body string
}

// statusTexts covers every terminal status; others are not pushed.
var statusTexts = map[string]statusText{
	model.PaymentApproved:    {"Payment approved", "Your LogixAI payment was approved."},
	model.PaymentRejected:    {"Payment rejected", "Your LogixAI payment was rejected."},
	model.PaymentCancelled:   {"Payment cancelled", "Your LogixAI payment was cancelled."},
	model.PaymentExpired:     {"Checkout expired", "Your LogixAI checkout expired before payment."},
	model.PaymentRefunded:    {"Payment refunded", "Your LogixAI payment was refunded."},
	model.PaymentChargedBack: {"Payment charged back", "Your LogixAI payment was disputed and charged back."},
}

// Notifier pushes terminal payment transitions to the owner's browsers.
// Deliveries run in the background so webhook responses are not held up.
type Notifier struct {
	service *Service
	subs    *store.PushStore
	baseURL string
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewNotifier(svc *Service, subs *store.PushStore, baseURL string, logger *slog.Logger) *Notifier {
	return &Notifier{service: svc, subs: subs, baseURL: baseURL, logger: logger.With("component", "push")}
}

func (n *Notifier) PaymentStatusChanged(ctx context.Context, p *model.Payment, entitled bool) {
	text, ok := statusTexts[p.Status]
	if !ok {
		return
	}
	body := text.body
	if entitled {
		body += " Premium features are unlocked."
	}
	payload := Payload{
		Title: text.title,
		Body:  body,
		URL:   n.baseURL + "/payment/status/" + p.ExternalReference,
		Tag:   "payment-" + p.ExternalReference,
	}

	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		n.deliver(ctx, p.UserID, payload)
	}()
}

func (n *Notifier) deliver(ctx context.Context, userID int64, payload Payload) {
	subs, err := n.subs.ListByUser(ctx, userID)
	if err != nil {
		n.logger.Error("list push subscriptions", "user_id", userID, "error", err)
		return
	}
	for i := range subs {
		err := n.service.Send(ctx, &subs[i], payload)
		switch {
		case errors.Is(err, ErrExpired):
			if err := n.subs.DeleteByEndpoint(ctx, subs[i].Endpoint); err != nil {
				n.logger.Error("drop expired subscription", "id", subs[i].ID, "error", err)
			}
		case err != nil:
			n.logger.Warn("push failed", "id", subs[i].ID, "error", err)
		}
	}
}

// Wait blocks until background deliveries have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
