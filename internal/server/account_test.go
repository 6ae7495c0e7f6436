package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sturdy-parent/internal/auth"
	"sturdy-parent/internal/models"
)

func bearer(t *testing.T, userID, email string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, userID, email)}
}

func TestAccountEndpointsNeedConfiguration(t *testing.T) {
	h := NewRouter(Deps{})
	for _, path := range []string{"/api/entitlements", "/api/admin/role"} {
		rec := do(h, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, path)
	}
}

func TestAccountEndpointsNeedToken(t *testing.T) {
	h := NewRouter(withStore(Deps{}, newFakeStore()))

	rec := do(h, http.MethodGet, "/api/entitlements", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodGet, "/api/entitlements", "", map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetEntitlementsWithoutPlan(t *testing.T) {
	h := NewRouter(withStore(Deps{}, newFakeStore()))

	rec := do(h, http.MethodGet, "/api/entitlements", "", bearer(t, "u1", "a@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "u1", out["userId"])
	assert.Nil(t, out["plan"])
	assert.Nil(t, out["entitlements"])
	assert.Nil(t, out["usage"])
}

func TestGetEntitlementsWithPlan(t *testing.T) {
	store := newFakeStore()
	end := time.Now().Add(24 * time.Hour)
	store.rows["u1"] = &models.Entitlement{
		UserID: "u1", Plan: models.PlanMonthly, Journal: true, ScriptsUsed: 5,
		PeriodStart: time.Now().Add(-time.Hour), PeriodEnd: &end,
	}
	h := NewRouter(withStore(Deps{}, store))

	rec := do(h, http.MethodGet, "/api/entitlements", "", bearer(t, "u1", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Plan         string `json:"plan"`
		Entitlements struct {
			Plan            string      `json:"plan"`
			ScriptsIncluded interface{} `json:"scriptsIncluded"`
			Journal         bool        `json:"journal"`
		} `json:"entitlements"`
		Usage struct {
			ScriptsUsed int  `json:"scriptsUsed"`
			Remaining   *int `json:"remaining"`
			Expired     bool `json:"expired"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "monthly", out.Plan)
	assert.Equal(t, "Monthly", out.Entitlements.Plan)
	assert.Equal(t, float64(25), out.Entitlements.ScriptsIncluded)
	assert.True(t, out.Entitlements.Journal)
	assert.Equal(t, 5, out.Usage.ScriptsUsed)
	require.NotNil(t, out.Usage.Remaining)
	assert.Equal(t, 20, *out.Usage.Remaining)
	assert.False(t, out.Usage.Expired)
}

func TestAdminRole(t *testing.T) {
	store := newFakeStore()
	store.roles["boss"] = models.RoleAdmin
	h := NewRouter(withStore(Deps{}, store))

	rec := do(h, http.MethodGet, "/api/admin/role", "", bearer(t, "u1", "a@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "user", out["role"])
	assert.Equal(t, "a@example.com", out["email"])

	rec = do(h, http.MethodGet, "/api/admin/role", "", bearer(t, "boss", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	out = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "admin", out["role"])
	assert.Nil(t, out["email"])
}

func TestAdminResetUsage(t *testing.T) {
	store := newFakeStore()
	store.roles["boss"] = models.RoleAdmin
	store.rows["boss"] = &models.Entitlement{UserID: "boss", Plan: models.PlanWeekly, ScriptsUsed: 7}
	store.rows["u1"] = &models.Entitlement{UserID: "u1", Plan: models.PlanWeekly, ScriptsUsed: 7}
	h := NewRouter(withStore(Deps{}, store))

	rec := do(h, http.MethodPost, "/api/admin/reset-usage", "", bearer(t, "u1", ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 7, store.used("u1"))

	rec = do(h, http.MethodPost, "/api/admin/reset-usage", "", bearer(t, "boss", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, store.used("boss"))
	assert.Equal(t, 7, store.used("u1"))
}

func TestCheckout(t *testing.T) {
	h := NewRouter(withStore(Deps{Payments: payments()}, newFakeStore()))

	rec := do(h, http.MethodPost, "/api/checkout", `{"plan":"platinum"}`, bearer(t, "u1", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/api/checkout", `not json`, bearer(t, "u1", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// no secret key or price configured
	rec = do(h, http.MethodPost, "/api/checkout", `{"plan":"weekly"}`, bearer(t, "u1", ""))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCheckoutWithoutDatabase(t *testing.T) {
	h := NewRouter(Deps{Auth: auth.NewVerifier(jwtSecret), Payments: payments()})

	rec := do(h, http.MethodPost, "/api/checkout", `{"plan":"platinum"}`, bearer(t, "u1", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/api/checkout", `{"plan":"weekly"}`, bearer(t, "u1", ""))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Body.String(), "Checkout is not configured")

	// entitlement endpoints still need the database
	rec = do(h, http.MethodGet, "/api/entitlements", "", bearer(t, "u1", ""))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCheckoutWithoutAuth(t *testing.T) {
	h := NewRouter(Deps{Payments: payments()})
	rec := do(h, http.MethodPost, "/api/checkout", `{"plan":"weekly"}`, nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
