// Package session owns authenticated session state.
//
// A Record is the unit of state: session, profile, and lifecycle flags
// for one user, replaced as a whole on every change. All writes go
// through the Manager under one lock, so readers never observe a
// session without its flags or a profile from a previous user.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/OneDrip-App/access_gate/internal/errors"
	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/internal/oracle"
)

// Record is an atomic snapshot of one user's session state.
type Record struct {
	Session *oracle.Session
	// Profile is fetched only after the session resolves. Nil when the
	// fetch failed or has not completed; role checks deny on nil.
	Profile *oracle.Profile
	// Loading is true while a resolve or refresh is in flight.
	Loading bool
	// Initialized becomes true after the first resolve attempt
	// completes, success or failure.
	Initialized bool
	UpdatedAt   time.Time
}

// Authenticated reports whether the record carries a resolved session.
func (r *Record) Authenticated() bool {
	return r != nil && r.Session != nil
}

// Manager resolves, caches and tears down session records. It is the
// single writer for session state; the oracle is never consulted twice
// concurrently for the same user's record.
type Manager struct {
	oracle oracle.AuthOracle
	logger *logging.Logger
	bus    Bus

	mu      sync.Mutex
	records map[string]*Record
}

// NewManager creates a Manager over the given oracle. A nil bus
// disables event publication.
func NewManager(o oracle.AuthOracle, logger *logging.Logger, bus Bus) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if bus == nil {
		bus = NewMemoryBus()
	}
	return &Manager{
		oracle:  o,
		logger:  logger,
		bus:     bus,
		records: make(map[string]*Record),
	}
}

// Bus returns the manager's event bus for additional subscribers.
func (m *Manager) Bus() Bus { return m.bus }

// Get returns the record for the user, or an uninitialized placeholder
// when none exists. The returned record is never mutated afterwards.
func (m *Manager) Get(userID string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[userID]; ok {
		return r
	}
	return &Record{}
}

// SignIn exchanges credentials for a session, fetches the profile and
// commits the record. The profile fetch is strictly ordered after the
// session resolves; a profile failure degrades to a nil profile rather
// than failing the sign-in.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*Record, error) {
	sess, err := m.oracle.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	rec := m.buildRecord(ctx, sess)
	m.commit(sess.UserID, rec)
	m.publish(ctx, Event{Type: EventSignedIn, UserID: sess.UserID})
	return rec, nil
}

// Resolve builds (or refreshes) the record behind an access token. Used
// when a request arrives for a user this instance has no record for.
// An oracle failure resolves to an initialized unauthenticated record;
// the caller never waits on a stuck Loading state.
func (m *Manager) Resolve(ctx context.Context, accessToken string) (*Record, error) {
	sess, err := m.oracle.GetUser(ctx, accessToken)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Debug("Session resolve failed, treating as unauthenticated")
		return &Record{Initialized: true, UpdatedAt: time.Now()}, err
	}
	rec := m.buildRecord(ctx, sess)
	m.commit(sess.UserID, rec)
	return rec, nil
}

// Refresh re-queries the session for a user who claims their state
// changed out of band, typically after confirming their email. The gate
// re-evaluates from the committed record.
func (m *Manager) Refresh(ctx context.Context, accessToken string) (*Record, error) {
	sess, err := m.oracle.GetUser(ctx, accessToken)
	if err != nil {
		return nil, errors.Unauthorized("session refresh failed").WithDetails("cause", err.Error())
	}
	rec := m.buildRecord(ctx, sess)
	m.commit(sess.UserID, rec)
	m.publish(ctx, Event{Type: EventUserUpdated, UserID: sess.UserID})
	return rec, nil
}

// SignOut revokes the token and removes the record. Revocation failure
// is logged but does not keep the local session alive.
func (m *Manager) SignOut(ctx context.Context, userID, accessToken string) {
	if err := m.oracle.SignOut(ctx, accessToken); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Token revocation failed during sign-out")
	}
	m.mu.Lock()
	delete(m.records, userID)
	m.mu.Unlock()
	m.publish(ctx, Event{Type: EventSignedOut, UserID: userID})
}

// Evict drops the record without contacting the oracle. Used when a
// remote sign-out event arrives over the bus.
func (m *Manager) Evict(userID string) {
	m.mu.Lock()
	delete(m.records, userID)
	m.mu.Unlock()
}

// buildRecord fetches the profile for a resolved session and assembles
// the final record.
func (m *Manager) buildRecord(ctx context.Context, sess *oracle.Session) *Record {
	rec := &Record{
		Session:     sess,
		Initialized: true,
		UpdatedAt:   time.Now(),
	}
	profile, err := m.oracle.GetProfile(ctx, sess.UserID)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).
			WithField("user_id", sess.UserID).
			Warn("Profile fetch failed, continuing without profile")
		return rec
	}
	rec.Profile = profile
	return rec
}

func (m *Manager) commit(userID string, rec *Record) {
	m.mu.Lock()
	m.records[userID] = rec
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.WithError(err).WithField("event", string(ev.Type)).Warn("Auth event publish failed")
	}
}
