// internal/payment/stripe.go
package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"sturdy-parent/internal/models"
)

const EventCheckoutCompleted = "checkout.session.completed"

var (
	ErrNotConfigured    = errors.New("stripe is not configured")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPayload   = errors.New("invalid event payload")
)

type Config struct {
	SecretKey        string
	WebhookSecret    string
	WebhookTolerance time.Duration

	// Payment Link ids (plink_...) per plan, matched against checkout sessions.
	PaymentLinks map[models.PlanID]string
	// Price ids per plan, used when creating checkout sessions.
	Prices map[models.PlanID]string

	SuccessURL string
	CancelURL  string
}

type StripeClient struct {
	cfg Config
}

func NewStripeClient(cfg Config) *StripeClient {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	return &StripeClient{cfg: cfg}
}

func (s *StripeClient) GetWebhookSecret() string {
	return s.cfg.WebhookSecret
}

// VerifyEvent checks the Stripe-Signature header (HMAC-SHA256 over "{t}.{payload}",
// compared in constant time) and decodes the event. A zero tolerance skips the
// timestamp age check.
func (s *StripeClient) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if s.cfg.WebhookSecret == "" {
		return stripe.Event{}, ErrNotConfigured
	}

	var err error
	if s.cfg.WebhookTolerance > 0 {
		err = webhook.ValidatePayloadWithTolerance(payload, sigHeader, s.cfg.WebhookSecret, s.cfg.WebhookTolerance)
	} else {
		err = webhook.ValidatePayloadIgnoringTolerance(payload, sigHeader, s.cfg.WebhookSecret)
	}
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return event, nil
}

// CheckoutSession is the part of checkout.session.completed the webhook reads.
type CheckoutSession struct {
	ID                string            `json:"id"`
	PaymentLink       string            `json:"payment_link"`
	CustomerEmail     string            `json:"customer_email"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func DecodeCheckoutSession(event stripe.Event) (*CheckoutSession, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, ErrInvalidPayload
	}
	var sess CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &sess, nil
}

// Email prefers customer_details.email over customer_email.
func (c *CheckoutSession) Email() string {
	if c.CustomerDetails != nil && strings.TrimSpace(c.CustomerDetails.Email) != "" {
		return strings.TrimSpace(c.CustomerDetails.Email)
	}
	return strings.TrimSpace(c.CustomerEmail)
}

// PlanFor maps a session to a plan: by Payment Link id first, then by the
// metadata set on sessions created through CreateCheckoutSession.
func (s *StripeClient) PlanFor(sess *CheckoutSession) (models.PlanID, bool) {
	if sess.PaymentLink != "" {
		for plan, id := range s.cfg.PaymentLinks {
			if id != "" && id == sess.PaymentLink {
				return plan, true
			}
		}
	}
	if id, _, ok := models.LookupPlan(sess.Metadata["plan"]); ok {
		return id, true
	}
	return "", false
}

func (s *StripeClient) CanCheckout(plan models.PlanID) bool {
	return s.cfg.SecretKey != "" && s.cfg.Prices[plan] != ""
}

// CreateCheckoutSession returns the session id and hosted checkout URL.
func (s *StripeClient) CreateCheckoutSession(userID, email string, plan models.PlanID) (string, string, error) {
	if s.cfg.SecretKey == "" {
		return "", "", ErrNotConfigured
	}
	priceID := s.cfg.Prices[plan]
	if priceID == "" {
		return "", "", fmt.Errorf("no price configured for plan %q", plan)
	}

	mode := stripe.CheckoutSessionModeSubscription
	if plan == models.PlanLifetime {
		mode = stripe.CheckoutSessionModePayment
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(mode)),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.AddMetadata("plan", string(plan))

	sess, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	return sess.ID, sess.URL, nil
}
