package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/config"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/model"
	"github.com/dukerupert/logix/internal/payment"
	"github.com/dukerupert/logix/internal/push"
)

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) ParseWebhook(_ context.Context, wh payment.Webhook) (payment.Event, error) {
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

func (fakeProvider) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (payment.CheckoutSession, error) {
	return payment.CheckoutSession{SessionID: "fake_" + req.ExternalReference, URL: "https://pay.example/" + req.ExternalReference}, nil
}

func newTestServer(t *testing.T, tweaks ...func(*config.Config)) *httptest.Server {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Config{
		BaseURL:         "http://localhost:8080",
		SessionTTL:      time.Hour,
		PriceCents:      999,
		Currency:        "usd",
		ProductTitle:    "Logo generation",
		DefaultProvider: "fake",
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(db, Config{App: cfg, Providers: payment.NewProviders(fakeProvider{}), BcryptCost: bcrypt.MinCost}, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path, token string, body any, header http.Header) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, body := call(t, ts, "GET", "/health", "", nil, nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", code, body)
	}
}

func TestPaymentFlow(t *testing.T) {
	ts := newTestServer(t)
	creds := map[string]string{"username": "alice", "email": "alice@example.com", "password": "secret1"}

	code, body := call(t, ts, "POST", "/signup", "", creds, nil)
	if code != http.StatusCreated {
		t.Fatalf("signup = %d %v", code, body)
	}

	code, body = call(t, ts, "POST", "/login", "", map[string]string{"username": "alice", "password": "secret1"}, nil)
	if code != http.StatusOK {
		t.Fatalf("login = %d %v", code, body)
	}
	token, _ := body["token"].(string)

	code, body = call(t, ts, "GET", "/protected", token, nil, nil)
	if code != http.StatusOK || body["message"] != "Welcome, alice! Create your Logo with LogixAI." {
		t.Errorf("protected = %d %v", code, body)
	}

	if code, _ = call(t, ts, "GET", "/premium", token, nil, nil); code != http.StatusPaymentRequired {
		t.Errorf("premium before payment = %d, want %d", code, http.StatusPaymentRequired)
	}

	code, body = call(t, ts, "POST", "/payment/create-checkout-session", token, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("checkout = %d %v", code, body)
	}
	ref, _ := body["external_reference"].(string)

	sig := http.Header{"X-Fake-Signature": {"ok"}}
	delivery := map[string]string{"id": "evt_1", "ref": ref, "status": model.PaymentApproved}
	code, body = call(t, ts, "POST", "/payment/webhook/fake", "", delivery, sig)
	if code != http.StatusOK || body["outcome"] != string(payment.OutcomeApplied) {
		t.Fatalf("webhook = %d %v", code, body)
	}

	code, body = call(t, ts, "POST", "/payment/webhook/fake", "", delivery, sig)
	if code != http.StatusOK || body["outcome"] != string(payment.OutcomeDuplicate) {
		t.Errorf("redelivery = %d %v", code, body)
	}

	if code, _ = call(t, ts, "GET", "/premium", token, nil, nil); code != http.StatusOK {
		t.Errorf("premium after payment = %d, want %d", code, http.StatusOK)
	}

	code, body = call(t, ts, "GET", "/payment/verify-status", token, nil, nil)
	if code != http.StatusOK || body["has_valid_payment"] != true {
		t.Errorf("verify-status = %d %v", code, body)
	}

	if code, _ = call(t, ts, "POST", "/logout", token, nil, nil); code != http.StatusOK {
		t.Errorf("logout = %d", code)
	}
	if code, _ = call(t, ts, "GET", "/protected", token, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("protected after logout = %d, want %d", code, http.StatusUnauthorized)
	}
}

func TestForgedWebhookIsRejected(t *testing.T) {
	ts := newTestServer(t)
	code, _ := call(t, ts, "POST", "/payment/webhook/fake", "", map[string]string{"id": "evt_1", "ref": "x", "status": "approved"},
		http.Header{"X-Fake-Signature": {"forged"}})
	if code != http.StatusBadRequest {
		t.Errorf("forged webhook = %d, want %d", code, http.StatusBadRequest)
	}
}

func TestPushRoutesNeedVAPIDKeys(t *testing.T) {
	ts := newTestServer(t)
	if code, _ := call(t, ts, "GET", "/push/vapid-key", "", nil, nil); code != http.StatusNotFound {
		t.Errorf("vapid-key without keys = %d, want %d", code, http.StatusNotFound)
	}

	ts = newTestServer(t, func(c *config.Config) {
		c.VAPIDPublicKey, c.VAPIDPrivateKey, _ = push.GenerateVAPIDKeys()
	})
	code, body := call(t, ts, "GET", "/push/vapid-key", "", nil, nil)
	if code != http.StatusOK || body["public_key"] == "" {
		t.Errorf("vapid-key = %d %v", code, body)
	}
	if code, _ = call(t, ts, "GET", "/push/subscriptions", "", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("subscriptions without token = %d, want %d", code, http.StatusUnauthorized)
	}
}

func TestBackupConfig(t *testing.T) {
	cfg := config.Config{
		BackupS3Bucket:      "ledger",
		BackupS3AccessKey:   "key",
		BackupS3SecretKey:   "secret",
		BackupPassphrase:    "pass",
		BackupInterval:      time.Hour,
		BackupRetentionDays: 7,
	}
	bc := BackupConfig(cfg)
	if bc.S3.Bucket != "ledger" || bc.Interval != time.Hour || bc.RetentionDays != 7 || bc.Passphrase != "pass" {
		t.Errorf("backup config = %+v", bc)
	}
}

func TestLoginThrottledPerAccount(t *testing.T) {
	ts := newTestServer(t)
	call(t, ts, "POST", "/signup", "", map[string]string{"username": "alice", "email": "alice@example.com", "password": "secret1"},
		http.Header{"X-Forwarded-For": {"192.0.2.250"}})

	guess := map[string]string{"username": "alice", "password": "wrong1"}
	for i := 0; i < loginUserLimit; i++ {
		ip := http.Header{"X-Forwarded-For": {"198.51.100." + strconv.Itoa(i+1)}}
		if code, body := call(t, ts, "POST", "/login", "", guess, ip); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d %v", i+1, code, body)
		}
	}

	ip := http.Header{"X-Forwarded-For": {"198.51.100.99"}}
	if code, _ := call(t, ts, "POST", "/login", "", guess, ip); code != http.StatusTooManyRequests {
		t.Errorf("attempt past limit = %d, want %d", code, http.StatusTooManyRequests)
	}
}
