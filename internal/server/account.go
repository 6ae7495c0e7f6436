package server

import (
	"encoding/json"
	"io"
	"net/http"

	"sturdy-parent/internal/auth"
	"sturdy-parent/internal/models"
)

// identify resolves the bearer token for account endpoints. needDB is set by
// endpoints that read or write entitlement rows.
func (h *handlers) identify(w http.ResponseWriter, r *http.Request, needDB bool) (*auth.Identity, bool) {
	if !h.Auth.Configured() || (needDB && h.Entitlements == nil) {
		writeError(w, http.StatusNotImplemented, "Server is missing Supabase configuration.")
		return nil, false
	}

	token := auth.BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing Authorization bearer token.")
		return nil, false
	}

	id, err := h.Auth.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid session.")
		return nil, false
	}
	return id, true
}

func (h *handlers) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r, true)
	if !ok {
		return
	}

	summary, err := h.Entitlements.Summary(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Errorw("Failed to read entitlements", "error", err, "user_id", id.UserID)
		writeError(w, http.StatusInternalServerError, "Failed to read entitlements.")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

type roleResponse struct {
	UserID string      `json:"userId"`
	Email  *string     `json:"email"`
	Role   models.Role `json:"role"`
}

func (h *handlers) AdminRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r, true)
	if !ok {
		return
	}

	role, err := h.Entitlements.Role(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Errorw("Failed to read role", "error", err, "user_id", id.UserID)
		writeError(w, http.StatusInternalServerError, "Failed to read role.")
		return
	}

	resp := roleResponse{UserID: id.UserID, Role: role}
	if id.Email != "" {
		resp.Email = &id.Email
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) AdminResetUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r, true)
	if !ok {
		return
	}

	role, err := h.Entitlements.Role(r.Context(), id.UserID)
	if err != nil {
		h.Logger.Errorw("Failed to read role", "error", err, "user_id", id.UserID)
		writeError(w, http.StatusInternalServerError, "Failed to read role.")
		return
	}
	if role != models.RoleAdmin {
		writeError(w, http.StatusForbidden, "Forbidden.")
		return
	}

	if err := h.Entitlements.ResetUsage(r.Context(), id.UserID); err != nil {
		h.Logger.Errorw("Failed to reset usage", "error", err, "user_id", id.UserID)
		writeError(w, http.StatusInternalServerError, "Failed to reset usage.")
		return
	}

	h.Logger.Infow("Usage reset by admin", "user_id", id.UserID)
	writeJSON(w, http.StatusOK, webhookResponse{OK: true})
}

type checkoutRequest struct {
	Plan string `json:"plan"`
}

type checkoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Checkout creates a Stripe Checkout Session tied to the caller's account.
func (h *handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r, false)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}

	plan, _, known := models.LookupPlan(req.Plan)
	if !known {
		writeError(w, http.StatusBadRequest, "Unknown plan.")
		return
	}
	if h.Payments == nil || !h.Payments.CanCheckout(plan) {
		writeError(w, http.StatusNotImplemented, "Checkout is not configured for this plan.")
		return
	}

	sessionID, url, err := h.Payments.CreateCheckoutSession(id.UserID, id.Email, plan)
	if err != nil {
		h.Logger.Errorw("Failed to create checkout session", "error", err, "user_id", id.UserID, "plan", plan)
		writeError(w, http.StatusBadGateway, "Could not start checkout. Please try again.")
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{ID: sessionID, URL: url})
}
