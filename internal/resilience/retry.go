package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/types"
)

// Strategy selects how the delay between attempts grows.
type Strategy string

const (
	StrategyFixed                   Strategy = "fixed"
	StrategyExponential              Strategy = "exponential"
	StrategyExponentialWithJitter    Strategy = "exponential_with_jitter"
)

// RetryMetrics are the counters Retry reports through.
type RetryMetrics struct {
	Attempts  metric.Int64Counter
	Exhausted metric.Int64Counter
}

// Retry runs fn up to cfg.MaxRetries times, classifying errors with
// isRetryable and never retrying a CircuitOpenError — the breaker already
// decided the call shouldn't happen. Delay growth follows cfg.Strategy;
// ExponentialWithJitter samples uniformly in [0, base*multiplier^attempt*jitter].
func Retry[T any](ctx context.Context, cfg config.RetryConfig, m RetryMetrics, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		if m.Attempts != nil {
			m.Attempts.Add(ctx, 1)
		}
		if err == nil {
			return v, nil
		}
		lastErr = err
		var circuitOpen *types.CircuitOpenError
		if errors.As(err, &circuitOpen) {
			break
		}
		if !isRetryable(err) {
			break
		}
		if i == attempts-1 {
			break
		}
		delay := delayFor(cfg, i)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			i = attempts
		case <-time.After(delay):
		}
	}
	if m.Exhausted != nil {
		m.Exhausted.Add(ctx, 1)
	}
	return zero, lastErr
}

func isRetryable(err error) bool {
	var be *types.BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	var to *types.TimeoutError
	if errors.As(err, &to) {
		return true
	}
	// Unclassified errors (plain connection/IO errors from a handler) default
	// to retryable, matching BackendUnknown's default in §7.
	return true
}

func delayFor(cfg config.RetryConfig, attempt int) time.Duration {
	base := time.Duration(cfg.BaseDelayMS) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxDelayMS) * time.Millisecond
	var cur time.Duration
	switch Strategy(cfg.Strategy) {
	case StrategyFixed:
		cur = base
	case StrategyExponential:
		cur = time.Duration(float64(base) * math.Pow(cfg.Multiplier, float64(attempt)))
	default: // exponential_with_jitter
		grown := float64(base) * math.Pow(cfg.Multiplier, float64(attempt))
		jittered := grown * cfg.JitterFactor
		cur = time.Duration(rand.Int63n(int64(jittered) + 1))
	}
	if cur > maxDelay {
		cur = maxDelay
	}
	return cur
}
