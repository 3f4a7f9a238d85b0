// Package oracle defines the typed boundary over the hosted auth backend.
//
// The backend is opaque: it owns authentication, row-level security and
// the license rules. Everything it returns crosses this boundary as an
// explicit type; loose payloads are validated here and nowhere else.
package oracle

import (
	"context"
	"time"
)

// Session is proof of authentication for one identity.
type Session struct {
	UserID           string
	Email            string
	EmailConfirmedAt *time.Time
	AccessToken      string
	RefreshToken     string
}

// EmailConfirmed reports whether the identity verified its email.
func (s *Session) EmailConfirmed() bool {
	return s != nil && s.EmailConfirmedAt != nil && !s.EmailConfirmedAt.IsZero()
}

// Profile holds the business attributes of an authenticated identity.
// One-to-one with Session.UserID; read-only from the gate's perspective.
type Profile struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Role             string `json:"role"`
	BudgetLimit      *int   `json:"budget_limit"`
	AdvancedFeatures bool   `json:"advanced_features_enabled"`
}

// LicenseStatus is the structured result of a license validation call.
type LicenseStatus struct {
	HasLicense    bool
	IsValid       bool
	ExpiresAt     *time.Time
	DaysRemaining *int
	Message       string
}

// SessionOracle exposes the backend's authentication surface.
type SessionOracle interface {
	// SignIn exchanges credentials for a session.
	SignIn(ctx context.Context, email, password string) (*Session, error)
	// GetUser resolves the session behind an access token. It is also
	// the re-query backing the "I already confirmed" action.
	GetUser(ctx context.Context, accessToken string) (*Session, error)
	// SignOut revokes an access token.
	SignOut(ctx context.Context, accessToken string) error
}

// LicenseOracle exposes the backend's license validation procedures.
type LicenseOracle interface {
	// IsLicenseValid is the boolean fast path.
	IsLicenseValid(ctx context.Context, userID string) (bool, error)
	// ValidateUserLicense returns the structured validation result.
	ValidateUserLicense(ctx context.Context, userID string) (*LicenseStatus, error)
	// ActivateLicense redeems an activation code for the user.
	ActivateLicense(ctx context.Context, userID, code string) (*LicenseStatus, error)
}

// ProfileOracle exposes profile reads.
type ProfileOracle interface {
	// GetProfile fetches the profile for a user. Must not be called
	// before the session resolves to a non-nil user.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// AdminOracle exposes the backend's user administration surface.
type AdminOracle interface {
	ListUsers(ctx context.Context, page, perPage int) ([]AdminUser, error)
	UpdateUserRole(ctx context.Context, userID, role string) error
}

// AdminUser is a backend user as seen by the admin console.
type AdminUser struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Role           string     `json:"role"`
	EmailConfirmed bool       `json:"email_confirmed"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// AuthOracle is the full backend surface the gateway composes.
type AuthOracle interface {
	SessionOracle
	LicenseOracle
	ProfileOracle
}
