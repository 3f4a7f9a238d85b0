// Package gate evaluates the authorization state machine.
//
// The machine has six states checked in strict priority order. The
// first matching condition wins and every input tuple maps to exactly
// one state, so evaluation is total and deterministic. The gate never
// navigates anywhere itself; it reports an intent and the caller acts
// on it.
package gate

import (
	"context"

	"github.com/OneDrip-App/access_gate/internal/access"
	"github.com/OneDrip-App/access_gate/internal/errors"
	"github.com/OneDrip-App/access_gate/internal/license"
	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/internal/session"
)

// State is one of the six authorization states.
type State int

const (
	// StateInitializing: session state is still resolving.
	StateInitializing State = iota
	// StateUnauthenticated: no session.
	StateUnauthenticated
	// StateEmailUnverified: session exists, email not confirmed.
	StateEmailUnverified
	// StateLicensePending: first license check has not completed.
	StateLicensePending
	// StateLicenseInvalid: license check completed and denied access.
	StateLicenseInvalid
	// StateAuthorized: every prior condition passed.
	StateAuthorized
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateEmailUnverified:
		return "email_unverified"
	case StateLicensePending:
		return "license_pending"
	case StateLicenseInvalid:
		return "license_invalid"
	case StateAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Intent is the navigation the caller should perform, if any.
type Intent string

const (
	IntentNone             Intent = ""
	IntentRedirectLogin    Intent = "redirect_login"
	IntentRedirectPurchase Intent = "redirect_purchase"
)

// Evaluation is the result of one gate pass.
type Evaluation struct {
	State  State
	Intent Intent
	// Reason is a short operator-facing explanation of the state.
	Reason string
	// License carries the snapshot the decision was made from. Zero
	// value for states before license evaluation.
	License license.Snapshot
	// Permissions lists the permissions granted to the profile. Only
	// populated on StateAuthorized.
	Permissions []string
}

// Recorder receives gate state metrics.
type Recorder interface {
	RecordGateState(state string)
}

type nopRecorder struct{}

func (nopRecorder) RecordGateState(string) {}

// Gate composes session state, the license cache and the permission
// checker into authorization decisions.
type Gate struct {
	sessions *session.Manager
	licenses *license.Validator
	checker  *access.Checker
	recorder Recorder
	logger   *logging.Logger
}

// New creates a Gate.
func New(sessions *session.Manager, licenses *license.Validator, checker *access.Checker, recorder Recorder, logger *logging.Logger) *Gate {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{
		sessions: sessions,
		licenses: licenses,
		checker:  checker,
		recorder: recorder,
		logger:   logger,
	}
}

// Evaluate maps a session record and a license snapshot to a state.
// Pure and total: no I/O, no mutation, same inputs same output.
func (g *Gate) Evaluate(rec *session.Record, lic license.Snapshot) Evaluation {
	switch {
	case rec == nil || !rec.Initialized || rec.Loading:
		return Evaluation{State: StateInitializing, Reason: "session state resolving"}
	case !rec.Authenticated():
		return Evaluation{
			State:  StateUnauthenticated,
			Intent: IntentRedirectLogin,
			Reason: "no session",
		}
	case !rec.Session.EmailConfirmed():
		return Evaluation{State: StateEmailUnverified, Reason: "email not confirmed"}
	case lic.State == license.StateUnknown:
		return Evaluation{State: StateLicensePending, Reason: "license check in progress", License: lic}
	case lic.State == license.StateInvalid:
		return Evaluation{
			State:   StateLicenseInvalid,
			Intent:  IntentRedirectPurchase,
			Reason:  licenseReason(lic),
			License: lic,
		}
	default:
		return Evaluation{
			State:       StateAuthorized,
			License:     lic,
			Permissions: g.checker.Permissions(rec.Profile),
		}
	}
}

// Current evaluates the gate for a user, consulting the license cache
// only once the session and email conditions pass. When no license
// result exists yet, a validation runs inline under the cache's request
// timeout so the caller gets a settled state instead of pending.
func (g *Gate) Current(ctx context.Context, userID string) Evaluation {
	rec := g.sessions.Get(userID)
	ev := g.evaluateWithLicense(ctx, rec, userID)
	g.recorder.RecordGateState(ev.State.String())
	return ev
}

// EvaluateRecord is Current for a record the caller already holds,
// such as the one returned by a fresh sign-in.
func (g *Gate) EvaluateRecord(ctx context.Context, rec *session.Record) Evaluation {
	userID := ""
	if rec.Authenticated() {
		userID = rec.Session.UserID
	}
	ev := g.evaluateWithLicense(ctx, rec, userID)
	g.recorder.RecordGateState(ev.State.String())
	return ev
}

func (g *Gate) evaluateWithLicense(ctx context.Context, rec *session.Record, userID string) Evaluation {
	// License state is only consulted for confirmed identities, so an
	// unauthenticated caller never triggers a license fetch.
	if !rec.Authenticated() || !rec.Session.EmailConfirmed() {
		return g.Evaluate(rec, license.Snapshot{})
	}
	lic := g.licenses.Snapshot(userID)
	if lic.State == license.StateUnknown {
		lic = g.licenses.Validate(ctx, userID)
	}
	return g.Evaluate(rec, lic)
}

// Authorize returns an error unless the user's gate state is
// StateAuthorized. Used by route guards.
func (g *Gate) Authorize(ctx context.Context, userID string) (Evaluation, error) {
	ev := g.Current(ctx, userID)
	switch ev.State {
	case StateAuthorized:
		return ev, nil
	case StateUnauthenticated, StateInitializing:
		return ev, errors.Unauthorized("")
	case StateEmailUnverified:
		return ev, errors.PermissionDenied("email verification required")
	default:
		return ev, errors.LicenseCheckFailed(licenseReason(ev.License), nil)
	}
}

// RequireRole authorizes the user and then checks the role. Role
// denial is orthogonal to the gate states; it never changes the state,
// it only fails the guard.
func (g *Gate) RequireRole(ctx context.Context, userID, role string) (Evaluation, error) {
	ev, err := g.Authorize(ctx, userID)
	if err != nil {
		return ev, err
	}
	if !g.checker.HasRole(g.sessions.Get(userID).Profile, role) {
		return ev, errors.PermissionDenied("role " + role + " required")
	}
	return ev, nil
}

// RequirePermission authorizes the user and then checks the permission.
func (g *Gate) RequirePermission(ctx context.Context, userID, permission string) (Evaluation, error) {
	ev, err := g.Authorize(ctx, userID)
	if err != nil {
		return ev, err
	}
	if !g.checker.HasPermission(g.sessions.Get(userID).Profile, permission) {
		return ev, errors.PermissionDenied("permission " + permission + " required")
	}
	return ev, nil
}

func licenseReason(lic license.Snapshot) string {
	if lic.Status.Message != "" {
		return lic.Status.Message
	}
	if lic.Diagnostic != "" {
		return "license validation unavailable"
	}
	return "no valid license"
}
