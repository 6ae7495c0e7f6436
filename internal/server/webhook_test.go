package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sturdy-parent/internal/models"
	"sturdy-parent/internal/payment"
)

const whsec = "whsec_server_test"

func stripeSignature(payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(whsec))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEvent(eventType, paymentLink, email, clientRef string) string {
	return checkoutEventWithPlan(eventType, paymentLink, email, clientRef, "")
}

// checkoutEventWithPlan sets metadata.plan the way /api/checkout sessions do.
func checkoutEventWithPlan(eventType, paymentLink, email, clientRef, plan string) string {
	metadata := "{}"
	if plan != "" {
		metadata = fmt.Sprintf(`{"plan": %q}`, plan)
	}
	return fmt.Sprintf(`{
  "id": "evt_test",
  "object": "event",
  "type": %q,
  "data": {
    "object": {
      "id": "cs_test",
      "object": "checkout.session",
      "payment_link": %q,
      "client_reference_id": %q,
      "customer_details": {"email": %q},
      "metadata": %s
    }
  }
}`, eventType, paymentLink, clientRef, email, metadata)
}

func payments() *payment.StripeClient {
	return payment.NewStripeClient(payment.Config{
		WebhookSecret:    whsec,
		WebhookTolerance: 5 * time.Minute,
		PaymentLinks: map[models.PlanID]string{
			models.PlanWeekly:   "plink_weekly",
			models.PlanMonthly:  "plink_monthly",
			models.PlanLifetime: "plink_lifetime",
		},
	})
}

func postWebhook(h http.Handler, payload string, signed bool) (int, map[string]interface{}) {
	header := map[string]string{"Content-Type": "application/json"}
	if signed {
		header["Stripe-Signature"] = stripeSignature([]byte(payload), time.Now())
	}
	rec := do(h, http.MethodPost, "/api/stripe/webhook", payload, header)
	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestWebhookNotConfigured(t *testing.T) {
	code, _ := postWebhook(NewRouter(Deps{}), checkoutEvent("checkout.session.completed", "plink_weekly", "a@b.c", ""), true)
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestWebhookRequiresSignature(t *testing.T) {
	h := NewRouter(Deps{Payments: payments()})
	code, _ := postWebhook(h, checkoutEvent("checkout.session.completed", "plink_weekly", "a@b.c", ""), false)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebhookRejectsTamperedPayload(t *testing.T) {
	store := newFakeStore()
	store.emails["a@b.c"] = "u1"
	h := NewRouter(withStore(Deps{Payments: payments()}, store))

	payload := checkoutEvent("checkout.session.completed", "plink_weekly", "a@b.c", "")
	sig := stripeSignature([]byte(payload), time.Now())
	tampered := checkoutEvent("checkout.session.completed", "plink_lifetime", "a@b.c", "")

	rec := do(h, http.MethodPost, "/api/stripe/webhook", tampered, map[string]string{"Stripe-Signature": sig})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, store.rows)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	h := NewRouter(Deps{Payments: payments()})
	code, out := postWebhook(h, checkoutEvent("customer.created", "", "", ""), true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ok"])
	assert.Nil(t, out["ignored"])
}

func TestWebhookIgnoresUnknownPaymentLink(t *testing.T) {
	store := newFakeStore()
	h := NewRouter(withStore(Deps{Payments: payments()}, store))

	code, out := postWebhook(h, checkoutEvent("checkout.session.completed", "plink_other", "a@b.c", ""), true)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ignored"])
	assert.Equal(t, "Unknown payment_link id.", out["reason"])
	assert.Empty(t, store.rows)
}

func TestWebhookUnknownEmail(t *testing.T) {
	h := NewRouter(withStore(Deps{Payments: payments()}, newFakeStore()))
	code, out := postWebhook(h, checkoutEvent("checkout.session.completed", "plink_weekly", "nobody@example.com", ""), true)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "No user found for that email.", out["error"])
}

func TestWebhookMissingEmail(t *testing.T) {
	h := NewRouter(withStore(Deps{Payments: payments()}, newFakeStore()))
	code, _ := postWebhook(h, checkoutEvent("checkout.session.completed", "plink_weekly", "", ""), true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebhookActivatesPlanByEmail(t *testing.T) {
	store := newFakeStore()
	store.emails["parent@example.com"] = "u1"
	store.rows["u1"] = &models.Entitlement{UserID: "u1", Plan: models.PlanWeekly, ScriptsUsed: 10}
	h := NewRouter(withStore(Deps{Payments: payments()}, store))

	code, out := postWebhook(h, checkoutEvent("checkout.session.completed", "plink_monthly", "Parent@Example.com", ""), true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ok"])

	row := store.rows["u1"]
	require.NotNil(t, row)
	assert.Equal(t, models.PlanMonthly, row.Plan)
	assert.True(t, row.Journal)
	assert.Zero(t, row.ScriptsUsed)
	require.NotNil(t, row.PeriodEnd)
	assert.Equal(t, 30*24*time.Hour, row.PeriodEnd.Sub(row.PeriodStart))
}

func TestWebhookUsesClientReferenceFromCheckout(t *testing.T) {
	store := newFakeStore()
	h := NewRouter(withStore(Deps{Payments: payments()}, store))
	const userID = "0b6c7f1e-3f4a-4d2b-9a51-2f1d0c8e7a10"

	code, _ := postWebhook(h, checkoutEventWithPlan("checkout.session.completed", "", "", userID, "lifetime"), true)
	require.Equal(t, http.StatusOK, code)
	row := store.rows[userID]
	require.NotNil(t, row)
	assert.Equal(t, models.PlanLifetime, row.Plan)
	assert.Nil(t, row.PeriodEnd)
}

func TestWebhookIgnoresClientReferenceOnPaymentLinks(t *testing.T) {
	store := newFakeStore()
	store.emails["parent@example.com"] = "u1"
	h := NewRouter(withStore(Deps{Payments: payments()}, store))

	// set through the Payment Link URL, not by /api/checkout
	code, _ := postWebhook(h, checkoutEvent("checkout.session.completed", "plink_weekly", "parent@example.com", "0b6c7f1e-3f4a-4d2b-9a51-2f1d0c8e7a10"), true)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, store.rows["u1"])
	assert.Len(t, store.rows, 1)

	code, _ = postWebhook(h, checkoutEvent("checkout.session.completed", "plink_weekly", "", "anything"), true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebhookRejectsMalformedClientReference(t *testing.T) {
	store := newFakeStore()
	store.emails["parent@example.com"] = "u1"
	h := NewRouter(withStore(Deps{Payments: payments()}, store))

	code, _ := postWebhook(h, checkoutEventWithPlan("checkout.session.completed", "", "parent@example.com", "not-a-uuid", "monthly"), true)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, store.rows["u1"])
	assert.Equal(t, models.PlanMonthly, store.rows["u1"].Plan)
	assert.Nil(t, store.rows["not-a-uuid"])
}

func TestWebhookWithoutDatabase(t *testing.T) {
	h := NewRouter(Deps{Payments: payments()})
	code, _ := postWebhook(h, checkoutEvent("checkout.session.completed", "plink_weekly", "a@b.c", ""), true)
	assert.Equal(t, http.StatusNotImplemented, code)
}
