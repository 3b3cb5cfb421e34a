package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/store"
)

// fakeProvider accepts payloads of the form
// {"id":..,"type":..,"ref":..,"status":..} signed with the header
// X-Fake-Signature: ok.
type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) ParseWebhook(_ context.Context, wh Webhook) (Event, error) {
	if wh.Header.Get("X-Fake-Signature") != "ok" {
		return Event{}, apperr.ErrSignature
	}
	var body struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Ref    string `json:"ref"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(wh.Payload, &body); err != nil {
		return Event{}, apperr.ErrInvalid
	}
	return Event{
		EventID:           body.ID,
		Type:              body.Type,
		ExternalReference: body.Ref,
		Status:            body.Status,
		Ignored:           body.Type != "payment",
	}, nil
}

func (fakeProvider) CreateCheckout(context.Context, CheckoutRequest) (CheckoutSession, error) {
	return CheckoutSession{SessionID: "fake_1", URL: "https://pay.example/fake_1"}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) PaymentStatusChanged(_ context.Context, p *model.Payment, entitled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, p.Status)
}

type recordingReceipts struct {
	sent []string
}

func (r *recordingReceipts) SendReceipt(_ context.Context, u *model.User, p *model.Payment) error {
	r.sent = append(r.sent, u.Email+":"+p.ExternalReference)
	return nil
}

type fixture struct {
	db       *sql.DB
	rec      *Reconciler
	notifier *recordingNotifier
	receipts *recordingReceipts
	payment  *model.Payment
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	u, err := store.NewUserStore(db).Create(ctx, "alice", "a@x.com", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	p, err := store.NewPaymentStore(db).Create(ctx, u.ID, 999, "usd")
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}

	f := &fixture{db: db, notifier: &recordingNotifier{}, receipts: &recordingReceipts{}, payment: p}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.rec = NewReconciler(db, NewProviders(fakeProvider{}), logger, WithNotifier(f.notifier), WithReceipts(f.receipts))
	return f
}

func delivery(id, typ, ref, status string) Webhook {
	body, _ := json.Marshal(map[string]string{"id": id, "type": typ, "ref": ref, "status": status})
	wh := Webhook{Payload: body, Header: make(map[string][]string)}
	wh.Header.Set("X-Fake-Signature", "ok")
	return wh
}

func (f *fixture) status(t *testing.T) string {
	t.Helper()
	p, err := store.NewPaymentStore(f.db).GetByReference(context.Background(), f.payment.ExternalReference)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return p.Status
}

func TestHandleApprovesPayment(t *testing.T) {
	f := setup(t)
	ref := f.payment.ExternalReference

	res, err := f.rec.Handle(context.Background(), "fake", delivery("evt_1", "payment", ref, model.PaymentApproved))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeApplied {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeApplied)
	}
	if got := f.status(t); got != model.PaymentApproved {
		t.Errorf("status = %q, want %q", got, model.PaymentApproved)
	}
	ok, _ := store.NewPaymentStore(f.db).HasApproved(context.Background(), f.payment.UserID)
	if !ok {
		t.Error("expected entitlement after approval")
	}
	if len(f.notifier.calls) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.calls))
	}
	if len(f.receipts.sent) != 1 || f.receipts.sent[0] != "a@x.com:"+ref {
		t.Errorf("receipts = %v", f.receipts.sent)
	}

	ev, err := store.NewWebhookEventStore(f.db).Get(context.Background(), "fake", "evt_1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Outcome != string(OutcomeApplied) {
		t.Errorf("recorded outcome = %q, want %q", ev.Outcome, OutcomeApplied)
	}
}

func TestHandleDuplicateDeliveryHasNoSideEffects(t *testing.T) {
	f := setup(t)
	ref := f.payment.ExternalReference
	wh := delivery("evt_1", "payment", ref, model.PaymentApproved)

	if _, err := f.rec.Handle(context.Background(), "fake", wh); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	res, err := f.rec.Handle(context.Background(), "fake", wh)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeDuplicate)
	}
	if n, _ := store.NewWebhookEventStore(f.db).CountByReference(context.Background(), ref); n != 1 {
		t.Errorf("event rows = %d, want 1", n)
	}
	if len(f.notifier.calls) != 1 || len(f.receipts.sent) != 1 {
		t.Errorf("side effects repeated: notifications=%d receipts=%d", len(f.notifier.calls), len(f.receipts.sent))
	}
}

func TestHandleSameStatusDifferentEventIsUnchanged(t *testing.T) {
	f := setup(t)
	ref := f.payment.ExternalReference

	f.rec.Handle(context.Background(), "fake", delivery("evt_1", "payment", ref, model.PaymentApproved))
	res, err := f.rec.Handle(context.Background(), "fake", delivery("evt_2", "payment", ref, model.PaymentApproved))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeUnchanged)
	}
	if len(f.notifier.calls) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.calls))
	}
}

func TestHandleInvalidSignatureLeavesStatus(t *testing.T) {
	f := setup(t)
	wh := delivery("evt_1", "payment", f.payment.ExternalReference, model.PaymentApproved)
	wh.Header.Set("X-Fake-Signature", "forged")

	_, err := f.rec.Handle(context.Background(), "fake", wh)
	if !errors.Is(err, apperr.ErrSignature) {
		t.Fatalf("err = %v, want ErrSignature", err)
	}
	if got := f.status(t); got != model.PaymentPending {
		t.Errorf("status = %q, want %q", got, model.PaymentPending)
	}
	if _, err := store.NewWebhookEventStore(f.db).Get(context.Background(), "fake", "evt_1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("forged event was recorded: %v", err)
	}
}

func TestHandleIgnoredType(t *testing.T) {
	f := setup(t)

	res, err := f.rec.Handle(context.Background(), "fake", delivery("evt_1", "merchant_order", f.payment.ExternalReference, model.PaymentApproved))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeIgnored)
	}
	if got := f.status(t); got != model.PaymentPending {
		t.Errorf("status = %q, want %q", got, model.PaymentPending)
	}
}

func TestHandleUnknownReference(t *testing.T) {
	f := setup(t)

	res, err := f.rec.Handle(context.Background(), "fake", delivery("evt_1", "payment", "no-such-ref", model.PaymentApproved))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeUnknownReference {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeUnknownReference)
	}
	ev, err := store.NewWebhookEventStore(f.db).Get(context.Background(), "fake", "evt_1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Outcome != string(OutcomeUnknownReference) {
		t.Errorf("recorded outcome = %q", ev.Outcome)
	}
}

func TestHandleRefusesDowngrade(t *testing.T) {
	f := setup(t)
	ref := f.payment.ExternalReference

	f.rec.Handle(context.Background(), "fake", delivery("evt_1", "payment", ref, model.PaymentApproved))
	res, err := f.rec.Handle(context.Background(), "fake", delivery("evt_0", "payment", ref, model.PaymentPending))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != OutcomeRefused {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeRefused)
	}
	if got := f.status(t); got != model.PaymentApproved {
		t.Errorf("status = %q, want %q", got, model.PaymentApproved)
	}
}

func TestHandleLateFailureKeepsApproval(t *testing.T) {
	for _, late := range []string{model.PaymentRejected, model.PaymentCancelled, model.PaymentExpired} {
		t.Run(late, func(t *testing.T) {
			f := setup(t)
			ref := f.payment.ExternalReference

			f.rec.Handle(context.Background(), "fake", delivery("evt_1", "payment", ref, model.PaymentApproved))
			res, err := f.rec.Handle(context.Background(), "fake", delivery("evt_0", "payment", ref, late))
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if res.Outcome != OutcomeRefused {
				t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeRefused)
			}
			if ok, _ := store.NewPaymentStore(f.db).HasApproved(context.Background(), f.payment.UserID); !ok {
				t.Error("late failure removed entitlement")
			}
			if len(f.notifier.calls) != 1 {
				t.Errorf("notifications = %d, want 1", len(f.notifier.calls))
			}
		})
	}
}

func TestHandleRefundRevokesEntitlement(t *testing.T) {
	f := setup(t)
	ref := f.payment.ExternalReference

	f.rec.Handle(context.Background(), "fake", delivery("evt_1", "payment", ref, model.PaymentApproved))
	res, _ := f.rec.Handle(context.Background(), "fake", delivery("evt_2", "payment", ref, model.PaymentRefunded))
	if res.Outcome != OutcomeApplied {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeApplied)
	}
	if ok, _ := store.NewPaymentStore(f.db).HasApproved(context.Background(), f.payment.UserID); ok {
		t.Error("refunded payment still grants entitlement")
	}
	if len(f.receipts.sent) != 1 {
		t.Errorf("receipts = %d, want 1", len(f.receipts.sent))
	}
}

func TestHandleUnknownProvider(t *testing.T) {
	f := setup(t)

	_, err := f.rec.Handle(context.Background(), "paypal", delivery("evt_1", "payment", "x", "approved"))
	if !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestHandleConcurrentDuplicates(t *testing.T) {
	f := setup(t)
	wh := delivery("evt_1", "payment", f.payment.ExternalReference, model.PaymentApproved)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.rec.Handle(context.Background(), "fake", wh); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(f.notifier.calls) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.calls))
	}
}

func TestApplyPolledStatus(t *testing.T) {
	f := setup(t)

	res, err := f.rec.Apply(context.Background(), "fake", f.payment.ExternalReference, model.PaymentApproved)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Outcome != OutcomeApplied {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomeApplied)
	}
	if res.Payment == nil || res.Payment.Status != model.PaymentApproved {
		t.Errorf("payment = %+v", res.Payment)
	}
}
