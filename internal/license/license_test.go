package license

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OneDrip-App/access_gate/internal/oracle"
)

// fakeOracle serves both license RPCs from one function and counts the
// full and fast-path calls separately.
type fakeOracle struct {
	calls     int64
	fastCalls int64
	validate  func(ctx context.Context, userID string) (*oracle.LicenseStatus, error)
}

func (f *fakeOracle) IsLicenseValid(ctx context.Context, userID string) (bool, error) {
	atomic.AddInt64(&f.fastCalls, 1)
	status, err := f.validate(ctx, userID)
	if err != nil {
		return false, err
	}
	return status.IsValid, nil
}

func (f *fakeOracle) ValidateUserLicense(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.validate(ctx, userID)
}

func (f *fakeOracle) ActivateLicense(ctx context.Context, userID, code string) (*oracle.LicenseStatus, error) {
	return f.validate(ctx, userID)
}

func validStatus() (*oracle.LicenseStatus, error) {
	return &oracle.LicenseStatus{HasLicense: true, IsValid: true, Message: "ok"}, nil
}

func newTestValidator(o oracle.LicenseOracle, cfg Config) *Validator {
	return NewValidator(o, nil, nil, cfg)
}

func TestValidateReturnsValid(t *testing.T) {
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		return validStatus()
	}}
	v := newTestValidator(o, Config{})

	snap := v.Validate(context.Background(), "u1")
	if snap.State != StateValid {
		t.Fatalf("state = %v, want valid", snap.State)
	}
	if snap.CheckedAt.IsZero() {
		t.Fatal("checked_at not set")
	}
}

func TestSnapshotUnknownBeforeFirstCheck(t *testing.T) {
	v := newTestValidator(&fakeOracle{}, Config{})
	if got := v.Snapshot("u1"); got.State != StateUnknown {
		t.Fatalf("state = %v, want unknown", got.State)
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		return validStatus()
	}}
	v := newTestValidator(o, Config{})

	first := v.Validate(context.Background(), "u1")
	second := v.Validate(context.Background(), "u1")
	if first.State != second.State {
		t.Fatalf("states differ: %v then %v", first.State, second.State)
	}
}

func TestValidateSingleFlight(t *testing.T) {
	release := make(chan struct{})
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		<-release
		return validStatus()
	}}
	v := newTestValidator(o, Config{})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]Snapshot, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = v.Validate(context.Background(), "u1")
		}(i)
	}

	// Let every goroutine reach the validator before releasing the
	// single backend call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&o.calls); got != 1 {
		t.Fatalf("backend calls = %d, want 1", got)
	}
	for i, snap := range results {
		if snap.State != StateValid {
			t.Fatalf("caller %d got state %v", i, snap.State)
		}
	}
}

func TestValidateFailsClosedOnError(t *testing.T) {
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		return nil, context.DeadlineExceeded
	}}
	v := newTestValidator(o, Config{})

	snap := v.Validate(context.Background(), "u1")
	if snap.State != StateInvalid {
		t.Fatalf("state = %v, want invalid on failure", snap.State)
	}
	if snap.Status.IsValid {
		t.Fatal("fail-closed snapshot must not report a valid license")
	}
	if snap.Diagnostic == "" {
		t.Fatal("diagnostic missing")
	}
}

func TestValidateFailsClosedOnTimeout(t *testing.T) {
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	v := newTestValidator(o, Config{RequestTimeout: 20 * time.Millisecond})

	start := time.Now()
	snap := v.Validate(context.Background(), "u1")
	if snap.State != StateInvalid {
		t.Fatalf("state = %v, want invalid on timeout", snap.State)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("validation not bounded by request timeout, took %v", elapsed)
	}
}

func TestStaleResultDiscardedOnEvict(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		close(started)
		<-release
		return validStatus()
	}}
	v := newTestValidator(o, Config{})

	done := make(chan Snapshot, 1)
	go func() {
		done <- v.Validate(context.Background(), "old-user")
	}()

	<-started
	// The user signs out while the check is in flight.
	v.Evict("old-user")
	close(release)
	<-done

	if got := v.Snapshot("old-user"); got.State != StateUnknown {
		t.Fatalf("stale result was committed: state = %v", got.State)
	}
}

func TestFailureThenRecovery(t *testing.T) {
	var fail int32 = 1
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, context.DeadlineExceeded
		}
		return validStatus()
	}}
	v := newTestValidator(o, Config{})

	if snap := v.Validate(context.Background(), "u1"); snap.State != StateInvalid {
		t.Fatalf("state = %v, want invalid while backend is down", snap.State)
	}

	atomic.StoreInt32(&fail, 0)
	if snap := v.Validate(context.Background(), "u1"); snap.State != StateValid {
		t.Fatalf("state = %v, want valid after recovery", snap.State)
	}
}

func TestPollingRevalidates(t *testing.T) {
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		return validStatus()
	}}
	v := newTestValidator(o, Config{Interval: 20 * time.Millisecond})
	defer v.Close()

	v.StartPolling("u1")
	// Idempotent: a second start must not spawn a second loop.
	v.StartPolling("u1")

	total := func() int64 {
		return atomic.LoadInt64(&o.calls) + atomic.LoadInt64(&o.fastCalls)
	}
	deadline := time.Now().Add(2 * time.Second)
	for total() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("checks = %d, want at least 3", total())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The first pass runs the full validation; once the snapshot is
	// valid, revalidation takes the boolean fast path.
	if got := atomic.LoadInt64(&o.calls); got != 1 {
		t.Fatalf("full validations = %d, want 1", got)
	}

	v.StopPolling("u1")
	settled := total()
	time.Sleep(100 * time.Millisecond)
	// A single in-flight check may still land after stop.
	if got := total(); got > settled+1 {
		t.Fatalf("polling continued after stop: %d -> %d", settled, got)
	}
}

func TestPollingFastPathFallsBackOnRevocation(t *testing.T) {
	var revoked int32
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		if atomic.LoadInt32(&revoked) == 1 {
			return &oracle.LicenseStatus{HasLicense: true, IsValid: false, Message: "expired"}, nil
		}
		return validStatus()
	}}
	v := newTestValidator(o, Config{
		Interval:       20 * time.Millisecond,
		BackoffInitial: 20 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	})
	defer v.Close()

	v.StartPolling("u1")
	deadline := time.Now().Add(2 * time.Second)
	for v.Snapshot("u1").State != StateValid {
		if time.Now().After(deadline) {
			t.Fatal("license never validated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The backend revokes the license. The fast path answers "no" and
	// the full validation commits the structured invalid result.
	atomic.StoreInt32(&revoked, 1)
	for v.Snapshot("u1").State != StateInvalid {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want invalid after revocation", v.Snapshot("u1").State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := v.Snapshot("u1").Status.Message; got != "expired" {
		t.Fatalf("message = %q, want the full validation's result", got)
	}
}

func TestSweepKeepsActiveEntries(t *testing.T) {
	o := &fakeOracle{validate: func(ctx context.Context, userID string) (*oracle.LicenseStatus, error) {
		return validStatus()
	}}
	v := newTestValidator(o, Config{})
	defer v.Close()

	v.Validate(context.Background(), "idle")
	v.StartPolling("active")

	// Zero idle threshold makes every non-polling entry sweepable.
	removed := v.Sweep(0)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if got := v.Snapshot("idle"); got.State != StateUnknown {
		t.Fatal("idle entry survived the sweep")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	v := newTestValidator(&fakeOracle{}, Config{
		Interval:       10 * time.Minute,
		BackoffInitial: time.Second,
		BackoffMax:     8 * time.Second,
	})

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := v.backoff(tc.failures); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}
