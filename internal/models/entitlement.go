// internal/models/entitlement.go
package models

import (
	"encoding/json"
	"time"
)

type PlanID string

const (
	PlanWeekly   PlanID = "weekly"
	PlanMonthly  PlanID = "monthly"
	PlanLifetime PlanID = "lifetime"
)

// PlanDetails describes what a plan includes. ScriptsIncluded of 0 means unlimited.
type PlanDetails struct {
	Plan            string        `json:"plan"`
	PriceLabel      string        `json:"priceLabel"`
	ScriptsIncluded int           `json:"-"`
	Journal         bool          `json:"journal"`
	Period          time.Duration `json:"-"`
}

func (p PlanDetails) Unlimited() bool {
	return p.ScriptsIncluded <= 0
}

// MarshalJSON renders scriptsIncluded as a number, or "unlimited".
func (p PlanDetails) MarshalJSON() ([]byte, error) {
	var included interface{} = p.ScriptsIncluded
	if p.Unlimited() {
		included = "unlimited"
	}
	return json.Marshal(struct {
		Plan            string      `json:"plan"`
		PriceLabel      string      `json:"priceLabel"`
		ScriptsIncluded interface{} `json:"scriptsIncluded"`
		Journal         bool        `json:"journal"`
	}{p.Plan, p.PriceLabel, included, p.Journal})
}

var Plans = map[PlanID]PlanDetails{
	PlanWeekly: {
		Plan:            "Weekly",
		PriceLabel:      "$2.99/wk",
		ScriptsIncluded: 10,
		Journal:         false,
		Period:          7 * 24 * time.Hour,
	},
	PlanMonthly: {
		Plan:            "Monthly",
		PriceLabel:      "$9.99/mo",
		ScriptsIncluded: 25,
		Journal:         true,
		Period:          30 * 24 * time.Hour,
	},
	PlanLifetime: {
		Plan:       "Lifetime",
		PriceLabel: "$49.99",
		Journal:    true,
	},
}

// LookupPlan returns the plan details for id, if id is a known plan.
func LookupPlan(id string) (PlanID, PlanDetails, bool) {
	p, ok := Plans[PlanID(id)]
	return PlanID(id), p, ok
}

type Entitlement struct {
	UserID      string     `json:"user_id"`
	Plan        PlanID     `json:"plan"`
	Journal     bool       `json:"journal"`
	ScriptsUsed int        `json:"scripts_used"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   *time.Time `json:"period_end"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the paid period ended before now. Lifetime rows never expire.
func (e *Entitlement) Expired(now time.Time) bool {
	return e.PeriodEnd != nil && now.After(*e.PeriodEnd)
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)
