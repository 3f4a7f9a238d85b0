package client

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestResilientClientRetriesOn500(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rc := NewResilientClient(ResilientClientConfig{
		RetryConfig:          fastRetryConfig(),
		CircuitBreakerConfig: DefaultCircuitBreakerConfig(),
	})

	req, _ := http.NewRequest("GET", srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if m := rc.Metrics(); m["retried_requests"] != 2 {
		t.Fatalf("retried_requests = %d, want 2", m["retried_requests"])
	}
}

func TestResilientClientDoesNotRetryOn400(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	rc := NewResilientClient(ResilientClientConfig{
		RetryConfig:          fastRetryConfig(),
		CircuitBreakerConfig: DefaultCircuitBreakerConfig(),
	})

	req, _ := http.NewRequest("GET", srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	if err := cb.Allow(); err != nil {
		t.Fatalf("closed circuit should allow: %v", err)
	}

	cb.RecordFailure(&HTTPError{StatusCode: 500})
	cb.RecordFailure(&HTTPError{StatusCode: 500})

	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if err := cb.Allow(); err != ErrCircuitOpen {
		t.Fatalf("open circuit should reject, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Millisecond,
	})

	cb.RecordFailure(&HTTPError{StatusCode: 503})
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	time.Sleep(5 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Fatalf("half-open should allow a probe: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %s, want closed after success", cb.State())
	}
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	rc := NewResilientClient(ResilientClientConfig{
		RetryConfig: RetryConfig{
			MaxRetries:        10,
			InitialBackoff:    time.Second,
			MaxBackoff:        4 * time.Second,
			BackoffMultiplier: 2.0,
		},
		CircuitBreakerConfig: DefaultCircuitBreakerConfig(),
	})

	for attempt := 1; attempt <= 10; attempt++ {
		if got := rc.calculateBackoff(attempt); got > 4*time.Second {
			t.Fatalf("backoff for attempt %d = %v, exceeds cap", attempt, got)
		}
	}
}
