// Package license implements the license validation cache.
//
// One Validator instance is shared by everything that needs license
// state, which is what guarantees the at-most-one-in-flight-per-user
// invariant. Results are committed as whole snapshots; readers always
// see either the previous complete result or the next one, never a
// partial update, and a revalidation in flight never blanks the
// previously known state.
package license

import (
	"context"
	"sync"
	"time"

	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/internal/oracle"
)

// State is the tri-state license result.
type State int

const (
	// StateUnknown means no validation has completed for the user yet.
	StateUnknown State = iota
	// StateValid means the last completed validation succeeded.
	StateValid
	// StateInvalid means the last completed validation failed or the
	// check itself errored (fail-closed).
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Snapshot is one committed validation result.
type Snapshot struct {
	State     State
	Status    oracle.LicenseStatus
	CheckedAt time.Time
	// Diagnostic carries the failure message when the check itself
	// errored. Empty on clean results.
	Diagnostic string
}

// Recorder receives validation outcome metrics.
type Recorder interface {
	RecordLicenseCheck(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordLicenseCheck(string) {}

// Config configures a Validator.
type Config struct {
	// Interval between revalidations while polling.
	Interval time.Duration
	// RequestTimeout bounds each validation call.
	RequestTimeout time.Duration
	// BackoffInitial is the delay before the first retry after a
	// failed check; doubled per consecutive failure up to BackoffMax.
	BackoffInitial time.Duration
	// BackoffMax caps the failure backoff.
	BackoffMax time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = 30 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 5 * time.Minute
	}
}

// Validator is the polling license validation cache. One entry per
// signed-in user; nothing is persisted beyond the in-memory entry.
type Validator struct {
	oracle   oracle.LicenseOracle
	logger   *logging.Logger
	recorder Recorder
	cfg      Config

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	snapshot Snapshot
	// gen increments whenever the entry is reset (user switch or
	// eviction); in-flight results carrying an older gen are dropped.
	gen      uint64
	inFlight bool
	waiters  []chan Snapshot
	failures int
	cancel   context.CancelFunc
	lastUsed time.Time
}

// NewValidator creates a Validator over the given license oracle.
func NewValidator(o oracle.LicenseOracle, logger *logging.Logger, recorder Recorder, cfg Config) *Validator {
	if logger == nil {
		logger = logging.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	cfg.applyDefaults()
	return &Validator{
		oracle:   o,
		logger:   logger,
		recorder: recorder,
		cfg:      cfg,
		entries:  make(map[string]*entry),
	}
}

// Snapshot returns the committed result for the user without blocking.
// Returns a StateUnknown snapshot when no validation has completed.
func (v *Validator) Snapshot(userID string) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.entries[userID]; ok {
		e.lastUsed = time.Now()
		return e.snapshot
	}
	return Snapshot{State: StateUnknown}
}

// Validate runs (or joins) a validation for the user and returns the
// resulting snapshot. It never returns an error: a failed or timed-out
// check commits a fail-closed invalid snapshot with a diagnostic. If a
// validation for the same user is already in flight, the call waits for
// that result instead of issuing a second request.
func (v *Validator) Validate(ctx context.Context, userID string) Snapshot {
	v.mu.Lock()
	e := v.entry(userID)
	if e.inFlight {
		ch := make(chan Snapshot, 1)
		e.waiters = append(e.waiters, ch)
		v.mu.Unlock()

		select {
		case snap := <-ch:
			return snap
		case <-ctx.Done():
			return v.Snapshot(userID)
		}
	}
	e.inFlight = true
	gen := e.gen
	v.mu.Unlock()

	snap := v.check(ctx, userID)
	if ctx.Err() != nil {
		// The caller went away mid-check. A cancellation-induced
		// failure must not overwrite the committed result.
		return v.abandon(userID, gen)
	}
	return v.commit(userID, gen, snap)
}

// abandon clears the in-flight marker without replacing the snapshot
// and hands waiters the current committed state.
func (v *Validator) abandon(userID string, gen uint64) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[userID]
	if !ok || e.gen != gen {
		return Snapshot{State: StateUnknown}
	}
	e.inFlight = false
	for _, ch := range e.waiters {
		ch <- e.snapshot
	}
	e.waiters = nil
	return e.snapshot
}

// check performs one oracle call under the request timeout.
func (v *Validator) check(ctx context.Context, userID string) Snapshot {
	callCtx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout)
	defer cancel()

	status, err := v.oracle.ValidateUserLicense(callCtx, userID)
	now := time.Now()
	if err != nil {
		v.recorder.RecordLicenseCheck("error")
		v.logger.WithError(err).WithField("user_id", userID).Warn("License validation failed")
		return Snapshot{
			State:      StateInvalid,
			Status:     oracle.LicenseStatus{IsValid: false, Message: "validation unavailable"},
			CheckedAt:  now,
			Diagnostic: err.Error(),
		}
	}

	snap := Snapshot{Status: *status, CheckedAt: now}
	if status.IsValid {
		snap.State = StateValid
		v.recorder.RecordLicenseCheck("valid")
	} else {
		snap.State = StateInvalid
		v.recorder.RecordLicenseCheck("invalid")
	}
	return snap
}

// commit stores the snapshot unless the entry was reset while the call
// was in flight, in which case the stale result is discarded and the
// entry's current (unchanged) snapshot is returned.
func (v *Validator) commit(userID string, gen uint64, snap Snapshot) Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[userID]
	if !ok || e.gen != gen {
		v.recorder.RecordLicenseCheck("stale_discarded")
		if ok {
			return e.snapshot
		}
		return Snapshot{State: StateUnknown}
	}

	e.inFlight = false
	e.snapshot = snap
	e.lastUsed = time.Now()
	if snap.Diagnostic != "" {
		e.failures++
	} else {
		e.failures = 0
	}

	for _, ch := range e.waiters {
		ch <- snap
	}
	e.waiters = nil
	return snap
}

// entry returns the entry for userID, creating it if needed. Caller
// holds v.mu.
func (v *Validator) entry(userID string) *entry {
	e, ok := v.entries[userID]
	if !ok {
		e = &entry{snapshot: Snapshot{State: StateUnknown}, lastUsed: time.Now()}
		v.entries[userID] = e
	}
	return e
}

// StartPolling begins periodic revalidation for the user: one immediate
// check, then one per interval, with capped exponential backoff after
// failures. A second call for the same user is a no-op.
func (v *Validator) StartPolling(userID string) {
	v.mu.Lock()
	e := v.entry(userID)
	if e.cancel != nil {
		v.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	v.mu.Unlock()

	go v.pollLoop(ctx, userID)
}

// StopPolling stops periodic revalidation for the user. The cached
// snapshot stays available until Evict.
func (v *Validator) StopPolling(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.entries[userID]; ok && e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// Evict resets the user's entry: polling stops, the cached snapshot is
// dropped and any in-flight result for the old generation will be
// discarded on arrival. Called on sign-out and on user switch.
func (v *Validator) Evict(userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[userID]
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	for _, ch := range e.waiters {
		ch <- Snapshot{State: StateUnknown}
	}
	delete(v.entries, userID)
}

// Sweep evicts entries that are not polling and have not been read for
// maxIdle. Returns the number of entries removed.
func (v *Validator) Sweep(maxIdle time.Duration) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for userID, e := range v.entries {
		if e.cancel == nil && !e.inFlight && e.lastUsed.Before(cutoff) {
			delete(v.entries, userID)
			removed++
		}
	}
	return removed
}

// Close stops every polling loop.
func (v *Validator) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range v.entries {
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
}

func (v *Validator) pollLoop(ctx context.Context, userID string) {
	for {
		v.revalidate(ctx, userID)

		v.mu.Lock()
		failures := 0
		if e, ok := v.entries[userID]; ok {
			failures = e.failures
		}
		v.mu.Unlock()

		delay := v.cfg.Interval
		if failures > 0 {
			delay = v.backoff(failures)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// revalidate is one poll pass. A license that last checked out clean
// is re-checked with the boolean fast-path RPC; anything else, a
// fast-path "no" included, runs the full validation for the
// structured result.
func (v *Validator) revalidate(ctx context.Context, userID string) {
	if v.recheck(ctx, userID) {
		return
	}
	v.Validate(ctx, userID)
}

// recheck runs the fast-path RPC for a currently valid license. It
// occupies the same in-flight slot as a full validation, keeping the
// one-outstanding-request-per-user bound. Returns true when the
// snapshot was confirmed and refreshed.
func (v *Validator) recheck(ctx context.Context, userID string) bool {
	v.mu.Lock()
	e, ok := v.entries[userID]
	if !ok || e.inFlight || e.snapshot.State != StateValid {
		v.mu.Unlock()
		return false
	}
	e.inFlight = true
	gen := e.gen
	v.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, v.cfg.RequestTimeout)
	valid, err := v.oracle.IsLicenseValid(callCtx, userID)
	cancel()

	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok = v.entries[userID]
	if !ok || e.gen != gen {
		v.recorder.RecordLicenseCheck("stale_discarded")
		return true
	}
	e.inFlight = false
	if err != nil || !valid {
		// Waiters stay queued; the full validation that follows
		// commits and notifies them.
		return false
	}
	e.snapshot.CheckedAt = time.Now()
	e.lastUsed = time.Now()
	e.failures = 0
	for _, ch := range e.waiters {
		ch <- e.snapshot
	}
	e.waiters = nil
	v.recorder.RecordLicenseCheck("valid")
	return true
}

// backoff returns the retry delay after n consecutive failures.
func (v *Validator) backoff(n int) time.Duration {
	delay := v.cfg.BackoffInitial
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= v.cfg.BackoffMax {
			return v.cfg.BackoffMax
		}
	}
	if delay > v.cfg.BackoffMax {
		return v.cfg.BackoffMax
	}
	if delay > v.cfg.Interval {
		return v.cfg.Interval
	}
	return delay
}
