package main

import (
	"net/http"
	"time"

	"github.com/OneDrip-App/access_gate/internal/gate"
	"github.com/OneDrip-App/access_gate/internal/httputil"
	"github.com/OneDrip-App/access_gate/internal/license"
	"github.com/OneDrip-App/access_gate/internal/middleware"
)

// gatePayload is the wire form of a gate evaluation.
type gatePayload struct {
	State       string          `json:"state"`
	Intent      string          `json:"intent,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Permissions []string        `json:"permissions,omitempty"`
	License     *licensePayload `json:"license,omitempty"`
}

type licensePayload struct {
	State         string     `json:"state"`
	HasLicense    bool       `json:"has_license"`
	IsValid       bool       `json:"is_valid"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`
	Message       string     `json:"message,omitempty"`
	CheckedAt     *time.Time `json:"checked_at,omitempty"`
}

func toGatePayload(ev gate.Evaluation) gatePayload {
	p := gatePayload{
		State:       ev.State.String(),
		Intent:      string(ev.Intent),
		Reason:      ev.Reason,
		Permissions: ev.Permissions,
	}
	if ev.License.State != license.StateUnknown {
		p.License = toLicensePayload(ev.License)
	}
	return p
}

func toLicensePayload(snap license.Snapshot) *licensePayload {
	p := &licensePayload{
		State:         snap.State.String(),
		HasLicense:    snap.Status.HasLicense,
		IsValid:       snap.Status.IsValid,
		ExpiresAt:     snap.Status.ExpiresAt,
		DaysRemaining: snap.Status.DaysRemaining,
		Message:       snap.Status.Message,
	}
	if !snap.CheckedAt.IsZero() {
		at := snap.CheckedAt
		p.CheckedAt = &at
	}
	return p
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "access-gate",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (a *app) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.BadRequest(w, "email and password are required")
		return
	}

	rec, err := a.sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	ev := a.gate.EvaluateRecord(r.Context(), rec)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  rec.Session.AccessToken,
		"refresh_token": rec.Session.RefreshToken,
		"user": map[string]interface{}{
			"id":              rec.Session.UserID,
			"email":           rec.Session.Email,
			"email_confirmed": rec.Session.EmailConfirmed(),
		},
		"gate": toGatePayload(ev),
	})
}

func (a *app) handleSignOut(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	a.sessions.SignOut(r.Context(), userID, middleware.GetAccessToken(r.Context()))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// handleRefresh backs the "I already confirmed my email" action: the
// session is re-queried and the gate re-evaluated without a new sign-in.
func (a *app) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rec, err := a.sessions.Refresh(r.Context(), middleware.GetAccessToken(r.Context()))
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	ev := a.gate.EvaluateRecord(r.Context(), rec)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"gate": toGatePayload(ev),
	})
}

func (a *app) handleGate(w http.ResponseWriter, r *http.Request) {
	rec := middleware.EnsureRecord(r.Context(), a.sessions)
	ev := a.gate.EvaluateRecord(r.Context(), rec)
	httputil.WriteJSON(w, http.StatusOK, toGatePayload(ev))
}

// handleLicense serves the cached license state. The committed snapshot
// is preferred even while a revalidation is in flight; only a cold
// cache triggers an inline check.
func (a *app) handleLicense(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	snap := a.validator.Snapshot(userID)
	if snap.State == license.StateUnknown {
		snap = a.validator.Validate(r.Context(), userID)
	}
	httputil.WriteJSON(w, http.StatusOK, toLicensePayload(snap))
}

func (a *app) handleActivateLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil || req.Code == "" {
		httputil.BadRequest(w, "activation code is required")
		return
	}

	userID := middleware.GetUserID(r.Context())
	if _, err := a.licenses.ActivateLicense(r.Context(), userID, req.Code); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	// A fresh validation lands immediately so the caller moves from
	// license_invalid to authorized without waiting for the interval.
	a.validator.Validate(r.Context(), userID)
	rec := middleware.EnsureRecord(r.Context(), a.sessions)
	ev := a.gate.EvaluateRecord(r.Context(), rec)
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "activated",
		"gate":   toGatePayload(ev),
	})
}

func (a *app) handleProfile(w http.ResponseWriter, r *http.Request) {
	rec := middleware.EnsureRecord(r.Context(), a.sessions)
	if rec.Profile == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"profile": nil})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"profile": rec.Profile,
	})
}
