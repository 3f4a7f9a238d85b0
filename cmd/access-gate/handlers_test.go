package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OneDrip-App/access_gate/internal/access"
	"github.com/OneDrip-App/access_gate/internal/config"
	"github.com/OneDrip-App/access_gate/internal/errors"
	"github.com/OneDrip-App/access_gate/internal/gate"
	"github.com/OneDrip-App/access_gate/internal/license"
	"github.com/OneDrip-App/access_gate/internal/metrics"
	"github.com/OneDrip-App/access_gate/internal/oracle"
	"github.com/OneDrip-App/access_gate/internal/session"
)

// stubBackend plays the hosted auth backend for gateway tests.
type stubBackend struct {
	confirmed    int32
	licenseValid int32
	role         string
	activations  int64
	roleUpdates  int64
}

func (s *stubBackend) session() *oracle.Session {
	sess := &oracle.Session{UserID: "u1", Email: "u1@example.com", AccessToken: "tok", RefreshToken: "ref"}
	if atomic.LoadInt32(&s.confirmed) == 1 {
		at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		sess.EmailConfirmedAt = &at
	}
	return sess
}

func (s *stubBackend) SignIn(_ context.Context, email, password string) (*oracle.Session, error) {
	if password != "correct" {
		return nil, errors.Unauthorized("invalid credentials")
	}
	return s.session(), nil
}

func (s *stubBackend) GetUser(_ context.Context, token string) (*oracle.Session, error) {
	if token != "tok" {
		return nil, fmt.Errorf("unknown token")
	}
	return s.session(), nil
}

func (s *stubBackend) SignOut(context.Context, string) error { return nil }

func (s *stubBackend) GetProfile(_ context.Context, userID string) (*oracle.Profile, error) {
	role := s.role
	if role == "" {
		role = "user"
	}
	return &oracle.Profile{ID: userID, Name: "Ana", Role: role}, nil
}

func (s *stubBackend) IsLicenseValid(context.Context, string) (bool, error) {
	return atomic.LoadInt32(&s.licenseValid) == 1, nil
}

func (s *stubBackend) ValidateUserLicense(context.Context, string) (*oracle.LicenseStatus, error) {
	valid := atomic.LoadInt32(&s.licenseValid) == 1
	msg := "ok"
	if !valid {
		msg = "license expired"
	}
	return &oracle.LicenseStatus{HasLicense: true, IsValid: valid, Message: msg}, nil
}

func (s *stubBackend) ActivateLicense(context.Context, string, string) (*oracle.LicenseStatus, error) {
	atomic.AddInt64(&s.activations, 1)
	atomic.StoreInt32(&s.licenseValid, 1)
	return &oracle.LicenseStatus{HasLicense: true, IsValid: true}, nil
}

func (s *stubBackend) ListUsers(context.Context, int, int) ([]oracle.AdminUser, error) {
	return []oracle.AdminUser{{ID: "u1", Email: "u1@example.com", Role: "user"}}, nil
}

func (s *stubBackend) UpdateUserRole(context.Context, string, string) error {
	atomic.AddInt64(&s.roleUpdates, 1)
	return nil
}

func newTestApp(backend *stubBackend) *app {
	cfg := &config.Config{
		Backend:     config.BackendConfig{URL: "https://stub.example", AnonKey: "anon"},
		RateLimit:   config.RateLimitConfig{RequestsPerSecond: 100, Burst: 100},
		Permissions: config.DefaultPermissions(),
	}
	sessions := session.NewManager(backend, nil, nil)
	validator := license.NewValidator(backend, nil, nil, license.Config{RequestTimeout: time.Second})
	checker := access.NewChecker(cfg.Permissions)
	g := gate.New(sessions, validator, checker, nil, nil)
	return newApp(cfg, nil, metrics.New("access_gate_test"), sessions, validator, g, backend, backend)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var decoded map[string]interface{}
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, decoded
}

func gateState(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	g, ok := body["gate"].(map[string]interface{})
	if !ok {
		t.Fatalf("no gate in response: %v", body)
	}
	state, _ := g["state"].(string)
	return state
}

func TestHealthNeedsNoAuth(t *testing.T) {
	a := newTestApp(&stubBackend{})
	rr, body := doJSON(t, a.routes(), http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body["status"] != "healthy" {
		t.Fatalf("body = %v", body)
	}
}

func TestGateRequiresAuth(t *testing.T) {
	a := newTestApp(&stubBackend{})
	rr, _ := doJSON(t, a.routes(), http.MethodGet, "/api/v1/gate", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	a := newTestApp(&stubBackend{})
	rr, _ := doJSON(t, a.routes(), http.MethodPost, "/api/v1/auth/signin", "", map[string]string{
		"email": "u1@example.com", "password": "wrong",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestSignInUnverifiedEmail(t *testing.T) {
	a := newTestApp(&stubBackend{})
	rr, body := doJSON(t, a.routes(), http.MethodPost, "/api/v1/auth/signin", "", map[string]string{
		"email": "u1@example.com", "password": "correct",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := gateState(t, body); got != "email_unverified" {
		t.Fatalf("gate state = %q", got)
	}
	if body["access_token"] != "tok" {
		t.Fatalf("access_token = %v", body["access_token"])
	}
}

func TestSignInAuthorized(t *testing.T) {
	a := newTestApp(&stubBackend{confirmed: 1, licenseValid: 1})
	rr, body := doJSON(t, a.routes(), http.MethodPost, "/api/v1/auth/signin", "", map[string]string{
		"email": "u1@example.com", "password": "correct",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := gateState(t, body); got != "authorized" {
		t.Fatalf("gate state = %q", got)
	}
}

func TestInvalidLicenseThenActivation(t *testing.T) {
	backend := &stubBackend{confirmed: 1}
	a := newTestApp(backend)
	router := a.routes()

	rr, body := doJSON(t, router, http.MethodPost, "/api/v1/auth/signin", "", map[string]string{
		"email": "u1@example.com", "password": "correct",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("sign-in status = %d", rr.Code)
	}
	if got := gateState(t, body); got != "license_invalid" {
		t.Fatalf("gate state = %q, want license_invalid", got)
	}
	g := body["gate"].(map[string]interface{})
	if g["intent"] != "redirect_purchase" {
		t.Fatalf("intent = %v", g["intent"])
	}

	rr, body = doJSON(t, router, http.MethodPost, "/api/v1/license/activate", "tok", map[string]string{
		"code": "CODE-1234",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("activation status = %d: %v", rr.Code, body)
	}
	if got := gateState(t, body); got != "authorized" {
		t.Fatalf("gate state after activation = %q", got)
	}
	if atomic.LoadInt64(&backend.activations) != 1 {
		t.Fatalf("activations = %d", backend.activations)
	}
}

func TestRefreshPicksUpEmailConfirmation(t *testing.T) {
	backend := &stubBackend{licenseValid: 1}
	a := newTestApp(backend)
	router := a.routes()

	rr, body := doJSON(t, router, http.MethodPost, "/api/v1/auth/signin", "", map[string]string{
		"email": "u1@example.com", "password": "correct",
	})
	if rr.Code != http.StatusOK || gateState(t, body) != "email_unverified" {
		t.Fatalf("precondition failed: %d %v", rr.Code, body)
	}

	atomic.StoreInt32(&backend.confirmed, 1)
	rr, body = doJSON(t, router, http.MethodPost, "/api/v1/auth/refresh", "tok", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rr.Code)
	}
	if got := gateState(t, body); got != "authorized" {
		t.Fatalf("gate state after refresh = %q", got)
	}
}

func TestLicenseEndpointReturnsSnapshot(t *testing.T) {
	a := newTestApp(&stubBackend{confirmed: 1, licenseValid: 1})
	router := a.routes()

	rr, body := doJSON(t, router, http.MethodGet, "/api/v1/license", "tok", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body["state"] != "valid" || body["is_valid"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestProfileGuardBlocksUnlicensed(t *testing.T) {
	a := newTestApp(&stubBackend{confirmed: 1})
	rr, _ := doJSON(t, a.routes(), http.MethodGet, "/api/v1/profile", "tok", nil)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rr.Code)
	}
}

func TestAdminForbiddenForUserRole(t *testing.T) {
	a := newTestApp(&stubBackend{confirmed: 1, licenseValid: 1, role: "user"})
	rr, _ := doJSON(t, a.routes(), http.MethodGet, "/api/v1/admin/users", "tok", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}

func TestAdminListUsers(t *testing.T) {
	a := newTestApp(&stubBackend{confirmed: 1, licenseValid: 1, role: "admin"})
	rr, body := doJSON(t, a.routes(), http.MethodGet, "/api/v1/admin/users", "tok", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	users, ok := body["users"].([]interface{})
	if !ok || len(users) != 1 {
		t.Fatalf("users = %v", body["users"])
	}
}

func TestAdminUpdateRoleValidation(t *testing.T) {
	backend := &stubBackend{confirmed: 1, licenseValid: 1, role: "admin"}
	a := newTestApp(backend)
	router := a.routes()

	rr, _ := doJSON(t, router, http.MethodPatch, "/api/v1/admin/users/not-a-uuid", "tok", map[string]string{"role": "admin"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad id", rr.Code)
	}

	id := "7f9c34e2-50f5-4f8a-9d3e-2f1a9f4b6c7d"
	rr, _ = doJSON(t, router, http.MethodPatch, "/api/v1/admin/users/"+id, "tok", map[string]string{"role": "owner"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad role", rr.Code)
	}

	rr, _ = doJSON(t, router, http.MethodPatch, "/api/v1/admin/users/"+id, "tok", map[string]string{"role": "admin"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if atomic.LoadInt64(&backend.roleUpdates) != 1 {
		t.Fatalf("role updates = %d", backend.roleUpdates)
	}
}
