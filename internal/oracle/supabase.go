package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/OneDrip-App/access_gate/internal/errors"
	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/supabase/client"
)

// SupabaseOracle implements the oracle interfaces over the backend's REST
// API. RPC payloads arrive loosely typed; gjson lookups here convert them
// into the tagged types the rest of the gate consumes.
type SupabaseOracle struct {
	client *client.Client
	logger *logging.Logger
}

// NewSupabaseOracle creates a REST-backed oracle.
func NewSupabaseOracle(c *client.Client, logger *logging.Logger) *SupabaseOracle {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &SupabaseOracle{client: c, logger: logger}
}

// SignIn exchanges credentials for a session.
func (o *SupabaseOracle) SignIn(ctx context.Context, email, password string) (*Session, error) {
	resp, err := o.client.Auth().SignIn(ctx, email, password)
	if err != nil {
		return nil, errors.Unauthorized("invalid credentials").WithDetails("cause", err.Error())
	}
	if resp.User == nil {
		return nil, errors.Internal("sign-in response missing user", nil)
	}

	session := sessionFromUser(resp.User)
	session.AccessToken = resp.AccessToken
	session.RefreshToken = resp.RefreshToken
	return session, nil
}

// GetUser resolves the session behind an access token.
func (o *SupabaseOracle) GetUser(ctx context.Context, accessToken string) (*Session, error) {
	user, err := o.client.Auth().GetUser(ctx, accessToken)
	if err != nil {
		return nil, errors.Unauthorized("session lookup failed").WithDetails("cause", err.Error())
	}
	session := sessionFromUser(user)
	session.AccessToken = accessToken
	return session, nil
}

// SignOut revokes an access token.
func (o *SupabaseOracle) SignOut(ctx context.Context, accessToken string) error {
	if err := o.client.Auth().SignOut(ctx, accessToken); err != nil {
		// Sign-out failure is not fatal; the token expires on its own.
		o.logger.WithContext(ctx).WithError(err).Warn("Sign out call failed")
	}
	return nil
}

// IsLicenseValid calls the boolean license check.
func (o *SupabaseOracle) IsLicenseValid(ctx context.Context, userID string) (bool, error) {
	resp, err := o.client.RPC(ctx, "is_license_valid", map[string]string{"user_id": userID})
	if err != nil {
		return false, errors.LicenseCheckFailed("", err)
	}
	if err := resp.Err(); err != nil {
		return false, errors.LicenseCheckFailed("", err)
	}

	result := gjson.ParseBytes(resp.Body)
	if !result.IsBool() {
		return false, errors.LicenseCheckFailed("unexpected is_license_valid payload", nil).
			WithDetails("payload", string(resp.Body))
	}
	return result.Bool(), nil
}

// ValidateUserLicense calls the structured license validation procedure.
func (o *SupabaseOracle) ValidateUserLicense(ctx context.Context, userID string) (*LicenseStatus, error) {
	resp, err := o.client.RPC(ctx, "validate_user_license", map[string]string{"user_id": userID})
	if err != nil {
		return nil, errors.LicenseCheckFailed("", err)
	}
	if err := resp.Err(); err != nil {
		return nil, errors.LicenseCheckFailed("", err)
	}
	return parseLicenseStatus(resp.Body)
}

// ActivateLicense redeems an activation code.
func (o *SupabaseOracle) ActivateLicense(ctx context.Context, userID, code string) (*LicenseStatus, error) {
	resp, err := o.client.RPC(ctx, "activate_license", map[string]string{
		"user_id":      userID,
		"license_code": code,
	})
	if err != nil {
		return nil, errors.LicenseCheckFailed("activation failed", err)
	}
	if err := resp.Err(); err != nil {
		return nil, errors.LicenseCheckFailed("activation failed", err)
	}
	return parseLicenseStatus(resp.Body)
}

// GetProfile fetches the user_profiles row for a user.
func (o *SupabaseOracle) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	resp, err := o.client.From("user_profiles").
		Select("id,name,role,budget_limit,advanced_features_enabled").
		Eq("id", userID).
		Single().
		Execute(ctx)
	if err != nil {
		return nil, errors.Internal("profile fetch failed", err)
	}
	if resp.StatusCode == 404 || resp.StatusCode == 406 {
		return nil, errors.NotFound("profile not found")
	}
	if err := resp.Err(); err != nil {
		return nil, errors.Internal("profile fetch failed", err)
	}

	var profile Profile
	if err := resp.JSON(&profile); err != nil {
		return nil, errors.Internal("profile decode failed", err)
	}
	if profile.Role == "" {
		profile.Role = "user"
	}
	return &profile, nil
}

// ListUsers lists backend users for the admin console.
func (o *SupabaseOracle) ListUsers(ctx context.Context, page, perPage int) ([]AdminUser, error) {
	users, err := o.client.Auth().AdminListUsers(ctx, page, perPage)
	if err != nil {
		return nil, errors.Internal("user list failed", err)
	}

	out := make([]AdminUser, 0, len(users))
	for _, u := range users {
		au := AdminUser{
			ID:             u.ID,
			Email:          u.Email,
			Role:           u.Role,
			EmailConfirmed: u.EmailConfirmedAt != "",
		}
		if t, err := time.Parse(time.RFC3339, u.CreatedAt); err == nil {
			au.CreatedAt = &t
		}
		out = append(out, au)
	}
	return out, nil
}

// UpdateUserRole updates a user's role in app metadata.
func (o *SupabaseOracle) UpdateUserRole(ctx context.Context, userID, role string) error {
	_, err := o.client.Auth().AdminUpdateUser(ctx, userID, map[string]any{
		"app_metadata": map[string]any{"role": role},
	})
	if err != nil {
		return errors.Internal("role update failed", err)
	}
	return nil
}

// =============================================================================
// Payload parsing
// =============================================================================

// parseLicenseStatus validates the loose RPC payload. The procedure may
// return a single object or a one-element array depending on how it is
// declared; both shapes are accepted.
func parseLicenseStatus(body []byte) (*LicenseStatus, error) {
	result := gjson.ParseBytes(body)
	if result.IsArray() {
		arr := result.Array()
		if len(arr) == 0 {
			return nil, errors.LicenseCheckFailed("empty validation result", nil)
		}
		result = arr[0]
	}
	if !result.IsObject() {
		return nil, errors.LicenseCheckFailed("unexpected validation payload", nil).
			WithDetails("payload", string(body))
	}

	status := &LicenseStatus{
		HasLicense: result.Get("has_license").Bool(),
		IsValid:    result.Get("is_valid").Bool(),
		Message:    result.Get("message").String(),
	}
	if v := result.Get("expires_at"); v.Exists() && v.String() != "" {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			status.ExpiresAt = &t
		}
	}
	if v := result.Get("days_remaining"); v.Exists() && v.Type == gjson.Number {
		days := int(v.Int())
		status.DaysRemaining = &days
	}
	return status, nil
}

func sessionFromUser(user *client.User) *Session {
	session := &Session{
		UserID: user.ID,
		Email:  user.Email,
	}
	if user.EmailConfirmedAt != "" {
		if t, err := time.Parse(time.RFC3339, user.EmailConfirmedAt); err == nil {
			session.EmailConfirmedAt = &t
		}
	}
	return session
}

var _ AuthOracle = (*SupabaseOracle)(nil)
var _ AdminOracle = (*SupabaseOracle)(nil)

// String implements fmt.Stringer for diagnostics.
func (o *SupabaseOracle) String() string {
	return fmt.Sprintf("supabase(%s)", o.client.BaseURL())
}
