package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"sturdy-parent/internal/auth"
	"sturdy-parent/internal/entitlement"
	"sturdy-parent/internal/script"
)

const releaseTimeout = 5 * time.Second

// GenerateScript validates the request, applies the rate limit and plan quota,
// and relays the model's token stream as a plain text body.
func (h *handlers) GenerateScript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	res, err := h.Limiter.Check(ctx, clientIP(r, h.TrustProxy))
	if err != nil {
		h.Logger.Warnw("Rate limiter unavailable, allowing request", "error", err)
	} else if !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, "Too many requests. Please wait a moment and try again.")
		return
	}

	req, err := script.DecodeRequest(w, r, h.Limits)
	if err != nil {
		var re *script.RequestError
		if errors.As(err, &re) {
			writeError(w, re.Status, re.Message)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request.")
		return
	}

	if h.LLM == nil || !h.LLM.Configured() {
		h.Logger.Error("Generation requested but OpenAI is not configured")
		writeError(w, http.StatusInternalServerError, "Missing OPENAI_API_KEY.")
		return
	}

	userID, decision, ok := h.authorize(w, r)
	if !ok {
		return
	}

	prompt := script.Compose(req)

	started := false
	streamErr := h.LLM.StreamChat(ctx, prompt.System, prompt.User, func(delta string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write([]byte(delta)); err != nil {
			return err
		}
		_ = http.NewResponseController(w).Flush()
		return nil
	})

	if started {
		if streamErr != nil {
			h.Logger.Errorw("Completion stream interrupted", "error", streamErr, "mode", req.Mode)
		}
		return
	}

	h.release(ctx, userID, decision)
	if errors.Is(streamErr, context.Canceled) {
		h.Logger.Infow("Client went away before the completion started", "mode", req.Mode)
		return
	}
	if streamErr != nil {
		h.Logger.Errorw("Completion request failed", "error", streamErr, "mode", req.Mode)
	} else {
		h.Logger.Warnw("Completion returned no content", "mode", req.Mode)
	}
	writeError(w, http.StatusBadGateway, "The AI service is unavailable right now. Please try again.")
}

// authorize applies the plan quota when the caller sent a bearer token.
// Callers without a token are unmetered.
func (h *handlers) authorize(w http.ResponseWriter, r *http.Request) (string, entitlement.Decision, bool) {
	token := auth.BearerToken(r)
	if token == "" || !h.Auth.Configured() || h.Entitlements == nil {
		return "", entitlement.Decision{}, true
	}

	id, err := h.Auth.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid session.")
		return "", entitlement.Decision{}, false
	}

	decision, err := h.Entitlements.Authorize(r.Context(), id.UserID)
	if errors.Is(err, entitlement.ErrQuotaExceeded) {
		writeError(w, http.StatusPaymentRequired, "You've used all the scripts in your plan. Upgrade to keep going.")
		return "", entitlement.Decision{}, false
	}
	if err != nil {
		h.Logger.Errorw("Failed to check entitlement", "error", err, "user_id", id.UserID)
		writeError(w, http.StatusInternalServerError, "Could not check your plan. Please try again.")
		return "", entitlement.Decision{}, false
	}

	return id.UserID, decision, true
}

func (h *handlers) release(ctx context.Context, userID string, d entitlement.Decision) {
	if userID == "" || !d.Metered {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := h.Entitlements.Release(ctx, userID, d); err != nil {
		h.Logger.Errorw("Failed to release reserved script", "error", err, "user_id", userID)
	}
}
