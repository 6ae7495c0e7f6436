// Package entitlement applies plan quotas on top of the entitlement store.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sturdy-parent/internal/db"
	"sturdy-parent/internal/models"
)

var (
	ErrQuotaExceeded = db.ErrQuotaExceeded
	ErrUserNotFound  = errors.New("no user for that email")
	ErrUnknownPlan   = errors.New("unknown plan")
)

// Store is satisfied by *db.PostgresDB.
type Store interface {
	GetEntitlement(ctx context.Context, userID string) (*models.Entitlement, error)
	ConsumeScript(ctx context.Context, userID string, limit *int) (int, error)
	ReleaseScript(ctx context.Context, userID string) error
	UpsertEntitlement(ctx context.Context, e *models.Entitlement) error
	ResetUsage(ctx context.Context, userID string) error
	GetRole(ctx context.Context, userID string) (models.Role, error)
	FindUserIDByEmail(ctx context.Context, email string) (string, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock replaces the wall clock. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Decision is the outcome of Authorize for one generation.
type Decision struct {
	Metered     bool
	Plan        models.PlanID
	ScriptsUsed int
	// Remaining is -1 for unlimited plans.
	Remaining int
}

// Authorize reserves one script for userID. Users without a row are not metered
// here; their free allowance is tracked by the client.
func (s *Service) Authorize(ctx context.Context, userID string) (Decision, error) {
	ent, err := s.store.GetEntitlement(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return Decision{Metered: false, Remaining: -1}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("read entitlement: %w", err)
	}

	plan, ok := models.Plans[ent.Plan]
	if !ok {
		return Decision{Metered: false, Plan: ent.Plan, Remaining: -1}, nil
	}

	var limit *int
	if !plan.Unlimited() {
		q := plan.ScriptsIncluded
		limit = &q
	}

	used, err := s.store.ConsumeScript(ctx, userID, limit)
	if err != nil {
		if errors.Is(err, db.ErrQuotaExceeded) {
			return Decision{Metered: true, Plan: ent.Plan, ScriptsUsed: ent.ScriptsUsed}, ErrQuotaExceeded
		}
		return Decision{}, err
	}

	remaining := -1
	if limit != nil {
		remaining = *limit - used
	}
	return Decision{Metered: true, Plan: ent.Plan, ScriptsUsed: used, Remaining: remaining}, nil
}

// Release returns a script reserved by Authorize. Only metered decisions hold a reservation.
func (s *Service) Release(ctx context.Context, userID string, d Decision) error {
	if !d.Metered {
		return nil
	}
	return s.store.ReleaseScript(ctx, userID)
}

// Activate starts a fresh paid period for userID.
func (s *Service) Activate(ctx context.Context, userID string, planID models.PlanID) (*models.Entitlement, error) {
	plan, ok := models.Plans[planID]
	if !ok {
		return nil, ErrUnknownPlan
	}

	now := s.now().UTC()
	ent := &models.Entitlement{
		UserID:      userID,
		Plan:        planID,
		Journal:     plan.Journal,
		ScriptsUsed: 0,
		PeriodStart: now,
		UpdatedAt:   now,
	}
	if plan.Period > 0 {
		end := now.Add(plan.Period)
		ent.PeriodEnd = &end
	}

	if err := s.store.UpsertEntitlement(ctx, ent); err != nil {
		return nil, err
	}
	return ent, nil
}

func (s *Service) FindUserIDByEmail(ctx context.Context, email string) (string, error) {
	id, err := s.store.FindUserIDByEmail(ctx, email)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrUserNotFound
	}
	return id, err
}

// Summary is the account view returned by GET /api/entitlements.
type Summary struct {
	UserID       string              `json:"userId"`
	Plan         *models.PlanID      `json:"plan"`
	Entitlements *models.PlanDetails `json:"entitlements"`
	Usage        *Usage              `json:"usage"`
}

type Usage struct {
	PeriodStart time.Time  `json:"periodStart"`
	PeriodEnd   *time.Time `json:"periodEnd"`
	ScriptsUsed int        `json:"scriptsUsed"`
	Journal     bool       `json:"journal"`
	// Remaining is null for unlimited plans.
	Remaining *int `json:"remaining"`
	Expired   bool `json:"expired"`
}

func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	out := &Summary{UserID: userID}

	ent, err := s.store.GetEntitlement(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entitlement: %w", err)
	}

	planID := ent.Plan
	out.Plan = &planID
	usage := &Usage{
		PeriodStart: ent.PeriodStart,
		PeriodEnd:   ent.PeriodEnd,
		ScriptsUsed: ent.ScriptsUsed,
		Journal:     ent.Journal,
		Expired:     ent.Expired(s.now()),
	}
	if plan, ok := models.Plans[planID]; ok {
		out.Entitlements = &plan
		if !plan.Unlimited() {
			r := plan.ScriptsIncluded - ent.ScriptsUsed
			if r < 0 {
				r = 0
			}
			usage.Remaining = &r
		}
	}
	out.Usage = usage

	return out, nil
}

func (s *Service) Role(ctx context.Context, userID string) (models.Role, error) {
	role, err := s.store.GetRole(ctx, userID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return models.RoleUser, nil
	}
	return role, nil
}

func (s *Service) ResetUsage(ctx context.Context, userID string) error {
	return s.store.ResetUsage(ctx, userID)
}
