package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"sturdy-parent/internal/entitlement"
	"sturdy-parent/internal/payment"
)

const maxWebhookBytes = 1 << 20

type webhookResponse struct {
	OK      bool   `json:"ok"`
	Ignored bool   `json:"ignored,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StripeWebhook verifies the event signature and activates the purchased plan.
func (h *handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil || h.Payments.GetWebhookSecret() == "" {
		h.Logger.Error("Webhook secret is not configured")
		writeError(w, http.StatusNotImplemented, "Missing STRIPE_WEBHOOK_SECRET.")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		writeError(w, http.StatusBadRequest, "Missing Stripe-Signature header.")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.Logger.Errorw("Failed to read webhook body", "error", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body.")
		return
	}

	event, err := h.Payments.VerifyEvent(body, signature)
	if errors.Is(err, payment.ErrInvalidSignature) {
		h.Logger.Warnw("Rejected webhook with invalid signature", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid signature.")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON.")
		return
	}

	if event.Type != payment.EventCheckoutCompleted {
		writeJSON(w, http.StatusOK, webhookResponse{OK: true})
		return
	}

	sess, err := payment.DecodeCheckoutSession(event)
	if err != nil {
		h.Logger.Errorw("Failed to parse checkout session", "error", err, "event_id", event.ID)
		writeError(w, http.StatusBadRequest, "Invalid event.")
		return
	}

	plan, ok := h.Payments.PlanFor(sess)
	if !ok {
		h.Logger.Infow("Ignoring checkout for unknown payment link", "session_id", sess.ID, "payment_link", sess.PaymentLink)
		writeJSON(w, http.StatusOK, webhookResponse{OK: true, Ignored: true, Reason: "Unknown payment_link id."})
		return
	}

	email := sess.Email()
	userID := trustedReference(sess)
	if email == "" && userID == "" {
		writeError(w, http.StatusBadRequest, "Missing customer email in session.")
		return
	}

	if h.Entitlements == nil {
		h.Logger.Errorw("Checkout completed but the database is not configured", "session_id", sess.ID)
		writeError(w, http.StatusNotImplemented, "Database is not configured.")
		return
	}

	ctx := r.Context()
	if userID == "" {
		userID, err = h.Entitlements.FindUserIDByEmail(ctx, email)
		if errors.Is(err, entitlement.ErrUserNotFound) {
			h.Logger.Warnw("No user found for checkout email", "session_id", sess.ID)
			writeError(w, http.StatusNotFound, "No user found for that email.")
			return
		}
		if err != nil {
			h.Logger.Errorw("Failed to look up user by email", "error", err, "session_id", sess.ID)
			writeError(w, http.StatusInternalServerError, "Failed to look up user.")
			return
		}
	}

	ent, err := h.Entitlements.Activate(ctx, userID, plan)
	if err != nil {
		h.Logger.Errorw("Failed to activate entitlement", "error", err, "user_id", userID, "plan", plan)
		writeError(w, http.StatusInternalServerError, "Failed to save entitlement.")
		return
	}

	h.Logger.Infow("Plan activated", "user_id", userID, "plan", ent.Plan, "period_end", ent.PeriodEnd)
	writeJSON(w, http.StatusOK, webhookResponse{OK: true})
}

// trustedReference returns the user id set by /api/checkout. Payment Link URLs
// let anyone pick client_reference_id, so it is only used on sessions that
// carry our plan metadata and only when it is a user UUID.
func trustedReference(sess *payment.CheckoutSession) string {
	if sess.ClientReferenceID == "" || sess.Metadata["plan"] == "" {
		return ""
	}
	id, err := uuid.Parse(sess.ClientReferenceID)
	if err != nil {
		return ""
	}
	return id.String()
}
