package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/swarmguard/edgecore/config"
)

func TestCircuitBreakerConsecutiveFailureTrip(t *testing.T) {
	cfg := config.CircuitBreakerConfig{
		FailureThreshold: 5, MinimumCalls: 1000, FailureRateThreshold: 0.99,
		WindowTimeSeconds: 60, RecoveryTimeoutSec: 1, HalfOpenMaxCalls: 3,
	}
	cb := NewCircuitBreaker("svc", cfg, nil)
	for i := 0; i < 5; i++ {
		allowed, _ := cb.Allow()
		if !allowed {
			t.Fatalf("should allow while closed, call %d", i)
		}
		cb.RecordResult(false, time.Now())
	}
	if allowed, _ := cb.Allow(); allowed {
		t.Fatalf("should be open after 5 consecutive failures")
	}
}

func TestCircuitBreakerRateTrip(t *testing.T) {
	cfg := config.CircuitBreakerConfig{
		FailureThreshold: 1000, MinimumCalls: 10, FailureRateThreshold: 0.5,
		WindowTimeSeconds: 60, RecoveryTimeoutSec: 1, HalfOpenMaxCalls: 3,
	}
	cb := NewCircuitBreaker("svc", cfg, nil)
	now := time.Now()
	for i := 0; i < 10; i++ {
		cb.Allow()
		cb.RecordResult(i%2 == 0, now)
	}
	if allowed, _ := cb.Allow(); allowed {
		t.Fatalf("should be open once window failure rate hits threshold")
	}
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cfg := config.CircuitBreakerConfig{
		FailureThreshold: 2, MinimumCalls: 1000, FailureRateThreshold: 0.99,
		WindowTimeSeconds: 60, RecoveryTimeoutSec: 0, HalfOpenMaxCalls: 2,
	}
	cb := NewCircuitBreaker("svc", cfg, nil)
	cb.RecordResult(false, time.Now())
	cb.RecordResult(false, time.Now())
	if allowed, _ := cb.Allow(); !allowed {
		t.Fatalf("expected half-open probe to be admitted immediately (recovery timeout 0)")
	}
	cb.RecordResult(true, time.Now())
	if allowed, _ := cb.Allow(); !allowed {
		t.Fatalf("expected second half-open probe to be admitted")
	}
	cb.RecordResult(true, time.Now())
	if cb.State() != "closed" {
		t.Fatalf("expected closed after half_open_max_calls consecutive successes, got %s", cb.State())
	}
}

func TestRetryStopsOnFirstSuccess(t *testing.T) {
	cfg := config.RetryConfig{MaxRetries: 5, Strategy: "fixed", BaseDelayMS: 1, Multiplier: 2, JitterFactor: 0.5, MaxDelayMS: 1000}
	calls := 0
	v, err := Retry(context.Background(), cfg, RetryMetrics{}, func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("expected success on first call, got v=%d err=%v", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := config.RetryConfig{MaxRetries: 3, Strategy: "fixed", BaseDelayMS: 1, Multiplier: 2, JitterFactor: 0.5, MaxDelayMS: 1000}
	calls := 0
	_, err := Retry(context.Background(), cfg, RetryMetrics{}, func() (int, error) {
		calls++
		return 0, &transientErr{}
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

type transientErr struct{}

func (e *transientErr) Error() string { return "transient" }

func TestBulkheadRejectsOverCapacity(t *testing.T) {
	bh := NewBulkhead(config.BulkheadConfig{MaxConcurrent: 1, MaxQueueSize: 0, QueueTimeoutMS: 10}, nil)
	release, err := bh.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected first acquire to succeed: %v", err)
	}
	defer release()
	if _, err := bh.Acquire(context.Background()); err == nil {
		t.Fatalf("expected second acquire to be rejected with no queue capacity")
	}
}

func TestFallbackPrefersCachedOverDefault(t *testing.T) {
	fs := NewFallbackStore(nil)
	fs.SetDefault("k", []byte("default"))
	fs.PutCached("k", []byte("cached"))
	v, kind, ok := fs.Resolve(context.Background(), "k")
	if !ok || string(v) != "cached" || kind != FallbackCached {
		t.Fatalf("expected cached fallback to win, got %q kind=%s ok=%v", v, kind, ok)
	}
}
