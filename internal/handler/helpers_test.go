package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/auth"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/payment"
	"github.com/dukerupert/logix/internal/store"
)

// fakeProvider signs with the header X-Fake-Signature: ok and reports
// whatever status it was told to via polled.
type fakeProvider struct {
	polled      string
	checkoutErr error
	lastReq     payment.CheckoutRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ParseWebhook(_ context.Context, wh payment.Webhook) (payment.Event, error) {
	if wh.Header.Get("X-Fake-Signature") != "ok" {
		return payment.Event{}, apperr.ErrSignature
	}
	var body struct {
		ID     string `json:"id"`
		Ref    string `json:"ref"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(wh.Payload, &body); err != nil {
		return payment.Event{}, apperr.ErrInvalid
	}
	return payment.Event{EventID: body.ID, Type: "payment", ExternalReference: body.Ref, Status: body.Status}, nil
}

func (f *fakeProvider) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error) {
	f.lastReq = req
	if f.checkoutErr != nil {
		return payment.CheckoutSession{}, f.checkoutErr
	}
	return payment.CheckoutSession{SessionID: "fake_" + req.ExternalReference, URL: "https://pay.example/" + req.ExternalReference}, nil
}

func (f *fakeProvider) FetchStatus(context.Context, *model.Payment) (string, error) {
	if f.polled == "" {
		return model.PaymentPending, nil
	}
	return f.polled, nil
}

type testEnv struct {
	db       *sql.DB
	tokens   *auth.TokenManager
	payments *store.PaymentStore
	provider *fakeProvider
	authH    *AuthHandler
	paymentH *PaymentHandler
	webhookH *WebhookHandler
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := store.NewUserStore(db)
	creds := auth.NewCredentials(users, auth.WithBcryptCost(bcrypt.MinCost))
	tokens := auth.NewTokenManager(store.NewSessionStore(db, time.Hour), users)
	payments := store.NewPaymentStore(db)
	provider := &fakeProvider{}
	providers := payment.NewProviders(provider)
	rec := payment.NewReconciler(db, providers, logger)

	return &testEnv{
		db:       db,
		tokens:   tokens,
		payments: payments,
		provider: provider,
		authH:    NewAuthHandler(creds, tokens, true, logger),
		paymentH: NewPaymentHandler(payments, providers, rec, CheckoutConfig{
			AmountCents:     999,
			Currency:        "usd",
			Title:           "Logo generation",
			DefaultProvider: "fake",
			SuccessURL:      "http://localhost/payment/success",
			CancelURL:       "http://localhost/payment/cancel",
		}, logger),
		webhookH: NewWebhookHandler(rec, logger),
	}
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// asUser attaches u to the request context the way RequireAuth does.
func asUser(r *http.Request, u *model.User) *http.Request {
	return r.WithContext(auth.WithUser(r.Context(), u))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) signup(t *testing.T, username, email, password string) (*model.User, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.authH.Signup(rec, jsonRequest("POST", "/signup", signupRequest{username, email, password}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decode(t, rec, &body)
	u, err := e.tokens.Verify(context.Background(), body["token"])
	if err != nil {
		t.Fatalf("verify signup token: %v", err)
	}
	return u, body["token"]
}
