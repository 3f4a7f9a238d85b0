package oracle

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/OneDrip-App/access_gate/internal/errors"
)

// PostgresOracle calls the backend's stored procedures over a direct
// database connection. The hosted backend is Postgres underneath, so
// deployments with database access can skip the REST hop for license and
// profile reads. Session operations stay on the REST oracle: tokens are
// issued and revoked by the auth server, not the database.
type PostgresOracle struct {
	db *sqlx.DB
}

// NewPostgresOracle opens a connection pool for the given DSN.
func NewPostgresOracle(dsn string) (*PostgresOracle, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Internal("open database", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresOracle{db: db}, nil
}

// NewPostgresOracleFromDB wraps an existing connection. Used by tests.
func NewPostgresOracleFromDB(db *sql.DB) *PostgresOracle {
	return &PostgresOracle{db: sqlx.NewDb(db, "postgres")}
}

// Ping verifies the connection.
func (o *PostgresOracle) Ping(ctx context.Context) error {
	return o.db.PingContext(ctx)
}

// Close releases the connection pool.
func (o *PostgresOracle) Close() error {
	return o.db.Close()
}

// IsLicenseValid calls the boolean license check.
func (o *PostgresOracle) IsLicenseValid(ctx context.Context, userID string) (bool, error) {
	var valid bool
	err := o.db.GetContext(ctx, &valid, "SELECT public.is_license_valid($1)", userID)
	if err != nil {
		return false, errors.LicenseCheckFailed("", err)
	}
	return valid, nil
}

type licenseRow struct {
	HasLicense    bool           `db:"has_license"`
	IsValid       bool           `db:"is_valid"`
	ExpiresAt     sql.NullTime   `db:"expires_at"`
	DaysRemaining sql.NullInt64  `db:"days_remaining"`
	Message       sql.NullString `db:"message"`
}

func (r licenseRow) toStatus() *LicenseStatus {
	status := &LicenseStatus{
		HasLicense: r.HasLicense,
		IsValid:    r.IsValid,
		Message:    r.Message.String,
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		status.ExpiresAt = &t
	}
	if r.DaysRemaining.Valid {
		days := int(r.DaysRemaining.Int64)
		status.DaysRemaining = &days
	}
	return status
}

// ValidateUserLicense calls the structured validation procedure.
func (o *PostgresOracle) ValidateUserLicense(ctx context.Context, userID string) (*LicenseStatus, error) {
	var row licenseRow
	err := o.db.GetContext(ctx, &row,
		"SELECT has_license, is_valid, expires_at, days_remaining, message FROM public.validate_user_license($1)",
		userID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return &LicenseStatus{Message: "no license on record"}, nil
		}
		return nil, errors.LicenseCheckFailed("", err)
	}
	return row.toStatus(), nil
}

// ActivateLicense redeems an activation code.
func (o *PostgresOracle) ActivateLicense(ctx context.Context, userID, code string) (*LicenseStatus, error) {
	var row licenseRow
	err := o.db.GetContext(ctx, &row,
		"SELECT has_license, is_valid, expires_at, days_remaining, message FROM public.activate_license($1, $2)",
		userID, code)
	if err != nil {
		return nil, errors.LicenseCheckFailed("activation failed", err)
	}
	return row.toStatus(), nil
}

type profileRow struct {
	ID               string         `db:"id"`
	Name             sql.NullString `db:"name"`
	Role             sql.NullString `db:"role"`
	BudgetLimit      sql.NullInt64  `db:"budget_limit"`
	AdvancedFeatures bool           `db:"advanced_features_enabled"`
}

// GetProfile fetches the user_profiles row.
func (o *PostgresOracle) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var row profileRow
	err := o.db.GetContext(ctx, &row,
		"SELECT id, name, role, budget_limit, advanced_features_enabled FROM public.user_profiles WHERE id = $1",
		userID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("profile not found")
		}
		return nil, errors.Internal("profile fetch failed", err)
	}

	profile := &Profile{
		ID:               row.ID,
		Name:             row.Name.String,
		Role:             row.Role.String,
		AdvancedFeatures: row.AdvancedFeatures,
	}
	if profile.Role == "" {
		profile.Role = "user"
	}
	if row.BudgetLimit.Valid {
		limit := int(row.BudgetLimit.Int64)
		profile.BudgetLimit = &limit
	}
	return profile, nil
}

var _ LicenseOracle = (*PostgresOracle)(nil)
var _ ProfileOracle = (*PostgresOracle)(nil)
