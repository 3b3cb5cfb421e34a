package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/logix/internal/apperr"
	"github.com/dukerupert/logix/internal/model"
)

func (e *testEnv) checkout(t *testing.T, u *model.User) checkoutResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	e.paymentH.CreateCheckout(rec, asUser(jsonRequest("POST", "/payment/create-checkout-session", nil), u))
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body checkoutResponse
	decode(t, rec, &body)
	return body
}

func TestCreateCheckout(t *testing.T) {
	env := setupEnv(t)
	u, _ := env.signup(t, "alice", "a@x.com", "secret1")

	body := env.checkout(t, u)
	if body.Provider != "fake" || body.URL != "https://pay.example/"+body.ExternalReference {
		t.Errorf("body = %+v", body)
	}
	if body.SessionID == "" || body.LegacySessionID != body.SessionID {
		t.Errorf("session ids = %q / %q", body.SessionID, body.LegacySessionID)
	}
	if env.provider.lastReq.AmountCents != 999 || env.provider.lastReq.Currency != "usd" {
		t.Errorf("provider request = %+v", env.provider.lastReq)
	}

	p, err := env.payments.GetByReference(context.Background(), body.ExternalReference)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.Status != model.PaymentPending || p.UserID != u.ID || p.Provider != "fake" {
		t.Errorf("payment = %+v", p)
	}
	if p.ProviderSessionID == nil || *p.ProviderSessionID != body.SessionID {
		t.Errorf("provider session = %v", p.ProviderSessionID)
	}
}

func TestCreateCheckoutUnknownProvider(t *testing.T) {
	env := setupEnv(t)
	u, _ := env.signup(t, "alice", "a@x.com", "secret1")

	rec := httptest.NewRecorder()
	env.paymentH.CreateCheckout(rec, asUser(jsonRequest("POST", "/payment/create-checkout-session", checkoutRequest{Provider: "paypal"}), u))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateCheckoutProviderFailureKeepsPending(t *testing.T) {
	env := setupEnv(t)
	u, _ := env.signup(t, "alice", "a@x.com", "secret1")
	env.provider.checkoutErr = errors.New("connection refused")

	rec := httptest.NewRecorder()
	env.paymentH.CreateCheckout(rec, asUser(jsonRequest("POST", "/payment/create-checkout-session", nil), u))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	list, _ := env.payments.ListByUser(context.Background(), u.ID)
	if len(list) != 1 || list[0].Status != model.PaymentPending {
		t.Errorf("payments = %+v", list)
	}
}

func TestVerifyStatus(t *testing.T) {
	env := setupEnv(t)
	u, _ := env.signup(t, "alice", "a@x.com", "secret1")
	ref := env.checkout(t, u).ExternalReference

	check := func(want bool) {
		t.Helper()
		rec := httptest.NewRecorder()
		env.paymentH.VerifyStatus(rec, asUser(httptest.NewRequest("GET", "/payment/verify-status", nil), u))
		var body map[string]bool
		decode(t, rec, &body)
		if body["has_valid_payment"] != want {
			t.Errorf("has_valid_payment = %v, want %v", body["has_valid_payment"], want)
		}
	}

	check(false)
	env.payments.TransitionStatus(context.Background(), ref, model.PaymentApproved)
	check(true)
}

func statusRequest(u *model.User, ref string) *http.Request {
	req := asUser(httptest.NewRequest("GET", "/payment/status/"+ref, nil), u)
	req.SetPathValue("reference", ref)
	return req
}

func TestStatusPollsProvider(t *testing.T) {
	env := setupEnv(t)
	u, _ := env.signup(t, "alice", "a@x.com", "secret1")
	ref := env.checkout(t, u).ExternalReference
	env.provider.polled = model.PaymentApproved

	rec := httptest.NewRecorder()
	env.paymentH.Status(rec, statusRequest(u, ref))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body statusResponse
	decode(t, rec, &body)
	if body.Status != model.PaymentApproved || !body.HasValidPayment {
		t.Errorf("body = %+v", body)
	}
}

func TestStatusOtherUsersPaymentIsNotFound(t *testing.T) {
	env := setupEnv(t)
	alice, _ := env.signup(t, "alice", "a@x.com", "secret1")
	bob, _ := env.signup(t, "bob", "b@x.com", "secret1")
	ref := env.checkout(t, alice).ExternalReference

	rec := httptest.NewRecorder()
	env.paymentH.Status(rec, statusRequest(bob, ref))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func webhookRequest(target, sig string, body map[string]string) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", target, strings.NewReader(string(b)))
	req.Header.Set("X-Fake-Signature", sig)
	return req
}

func TestWebhookApprovesPayment(t *testing.T) {
	env := setupEnv(t)
	u, _ := env.signup(t, "alice", "a@x.com", "secret1")
	ref := env.checkout(t, u).ExternalReference

	req := webhookRequest("/payment/webhook/fake", "ok", map[string]string{"id": "evt_1", "ref": ref, "status": "approved"})
	req.SetPathValue("provider", "fake")
	rec := httptest.NewRecorder()
	env.webhookH.HandleProvider(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["received"] != true || body["outcome"] != "applied" {
		t.Errorf("body = %v", body)
	}
	if ok, _ := env.payments.HasApproved(context.Background(), u.ID); !ok {
		t.Error("expected entitlement after webhook")
	}
}

func TestWebhookBadSignature(t *testing.T) {
	env := setupEnv(t)
	u, _ := env.signup(t, "alice", "a@x.com", "secret1")
	ref := env.checkout(t, u).ExternalReference

	req := webhookRequest("/payment/webhook/fake", "forged", map[string]string{"id": "evt_1", "ref": ref, "status": "approved"})
	req.SetPathValue("provider", "fake")
	rec := httptest.NewRecorder()
	env.webhookH.HandleProvider(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if ok, _ := env.payments.HasApproved(context.Background(), u.ID); ok {
		t.Error("forged webhook granted entitlement")
	}
}

func TestWebhookPayloadTooLarge(t *testing.T) {
	env := setupEnv(t)
	u, _ := env.signup(t, "alice", "a@x.com", "secret1")
	ref := env.checkout(t, u).ExternalReference

	req := webhookRequest("/payment/webhook/fake", "ok", map[string]string{
		"id": "evt_1", "ref": ref, "status": "approved", "padding": strings.Repeat("x", maxWebhookBytes),
	})
	req.SetPathValue("provider", "fake")
	rec := httptest.NewRecorder()
	env.webhookH.HandleProvider(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if !strings.Contains(rec.Body.String(), "payload too large") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if ok, _ := env.payments.HasApproved(context.Background(), u.ID); ok {
		t.Error("oversized webhook granted entitlement")
	}
}

func TestWebhookWithoutProviderHeader(t *testing.T) {
	env := setupEnv(t)

	rec := httptest.NewRecorder()
	env.webhookH.Handle(rec, httptest.NewRequest("POST", "/payment/webhook", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestDetectProvider(t *testing.T) {
	stripeReq := httptest.NewRequest("POST", "/payment/webhook", nil)
	stripeReq.Header.Set("Stripe-Signature", "t=1,v1=abc")
	mpReq := httptest.NewRequest("POST", "/payment/webhook", nil)
	mpReq.Header.Set("x-signature", "ts=1,v1=abc")

	if got := DetectProvider(stripeReq); got != "stripe" {
		t.Errorf("stripe header detected as %q", got)
	}
	if got := DetectProvider(mpReq); got != "mercadopago" {
		t.Errorf("mercadopago header detected as %q", got)
	}
	if got := DetectProvider(httptest.NewRequest("POST", "/", nil)); got != "" {
		t.Errorf("no header detected as %q", got)
	}
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	env := setupEnv(t)
	rec := httptest.NewRecorder()
	writeError(rec, env.authH.logger, errors.Join(errors.New("disk I/O error"), errors.New("x")))

	var body map[string]string
	decode(t, rec, &body)
	if rec.Code != http.StatusInternalServerError || body["error"] != "internal server error" {
		t.Errorf("status %d body %v", rec.Code, body)
	}

	rec = httptest.NewRecorder()
	writeError(rec, env.authH.logger, apperr.ErrNotFound)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
