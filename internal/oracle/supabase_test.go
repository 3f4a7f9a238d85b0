package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/OneDrip-App/access_gate/internal/errors"
	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/supabase/client"
)

func newTestOracle(t *testing.T, handler http.HandlerFunc) *SupabaseOracle {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := client.New(client.Config{URL: srv.URL, AnonKey: "anon", ServiceKey: "service"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return NewSupabaseOracle(c, logging.NewNop())
}

func TestIsLicenseValidParsesBoolean(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/rpc/is_license_valid" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`true`))
	})

	valid, err := o.IsLicenseValid(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid {
		t.Fatal("expected valid license")
	}
}

func TestIsLicenseValidRejectsNonBoolean(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"whatever":1}`))
	})

	_, err := o.IsLicenseValid(context.Background(), "u1")
	if !errors.IsCode(err, errors.CodeLicenseCheckFailed) {
		t.Fatalf("err = %v, want LICENSE_CHECK_FAILED", err)
	}
}

func TestIsLicenseValidFailsClosedOnServerError(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	valid, err := o.IsLicenseValid(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	if valid {
		t.Fatal("license must be invalid on failure")
	}
}

func TestValidateUserLicenseParsesObject(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"has_license":true,"is_valid":true,"expires_at":"2026-12-01T00:00:00Z","days_remaining":93,"message":"ok"}`))
	})

	status, err := o.ValidateUserLicense(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.HasLicense || !status.IsValid {
		t.Fatalf("status = %+v", status)
	}
	if status.ExpiresAt == nil || status.ExpiresAt.Year() != 2026 {
		t.Fatalf("expires_at = %v", status.ExpiresAt)
	}
	if status.DaysRemaining == nil || *status.DaysRemaining != 93 {
		t.Fatalf("days_remaining = %v", status.DaysRemaining)
	}
}

func TestValidateUserLicenseAcceptsArrayShape(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"has_license":true,"is_valid":false,"message":"expired"}]`))
	})

	status, err := o.ValidateUserLicense(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.IsValid {
		t.Fatal("expected invalid license")
	}
	if status.Message != "expired" {
		t.Fatalf("message = %q", status.Message)
	}
}

func TestValidateUserLicenseRejectsEmptyArray(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	if _, err := o.ValidateUserLicense(context.Background(), "u1"); err == nil {
		t.Fatal("expected error for empty result")
	}
}

func TestGetProfileDefaultsRole(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"u1","name":"Ana"}`))
	})

	profile, err := o.GetProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.Role != "user" {
		t.Fatalf("role = %q, want default user", profile.Role)
	}
}

func TestGetProfileNotFound(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := o.GetProfile(context.Background(), "missing")
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestSignInReturnsConfirmedSession(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","refresh_token":"ref","user":{"id":"u1","email":"a@b.c","email_confirmed_at":"2026-01-01T00:00:00Z"}}`))
	})

	session, err := o.SignIn(context.Background(), "a@b.c", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.UserID != "u1" || session.AccessToken != "tok" {
		t.Fatalf("session = %+v", session)
	}
	if !session.EmailConfirmed() {
		t.Fatal("expected confirmed email")
	}
}

func TestSignInFailureIsUnauthorized(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	_, err := o.SignIn(context.Background(), "a@b.c", "wrong")
	if !errors.IsCode(err, errors.CodeUnauthorized) {
		t.Fatalf("err = %v, want UNAUTHORIZED", err)
	}
}

func TestGetUserUnconfirmedEmail(t *testing.T) {
	o := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"u1","email":"a@b.c","email_confirmed_at":""}`))
	})

	session, err := o.GetUser(context.Background(), "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.EmailConfirmed() {
		t.Fatal("expected unconfirmed email")
	}
}
