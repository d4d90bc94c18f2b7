// Package resilience implements the protective layer wrapped around every
// backend call: bulkhead, circuit breaker, retry, timeout and fallback,
// generalized from libs/go/core/resilience's adaptive breaker and generic
// Retry into the fixed-order safeguard chain the core requires.
package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/edgecore/config"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type callRecord struct {
	success bool
	at      time.Time
}

// CircuitBreaker guards a single protected endpoint. It opens when either
// consecutive failures reach FailureThreshold, or the failure rate over the
// last WindowTimeSeconds is at or above FailureRateThreshold with at least
// MinimumCalls observations — the two triggers the teacher's adaptive-only
// breaker didn't separate.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg      config.CircuitBreakerConfig
	endpoint string
	metrics  metric.Int64Counter // circuit_open transitions

	state              breakerState
	openedAt           time.Time
	consecutiveFails   int
	consecutiveSuccess int
	halfOpenInFlight   int
	window             []callRecord
	totalOpens         int64
}

// NewCircuitBreaker constructs a breaker for one endpoint.
func NewCircuitBreaker(endpoint string, cfg config.CircuitBreakerConfig, openCounter metric.Int64Counter) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg,
		endpoint: endpoint,
		metrics:  openCounter,
		state:    stateClosed,
	}
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen when
// the recovery timeout has elapsed.
func (c *CircuitBreaker) Allow() (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		elapsed := time.Since(c.openedAt)
		if elapsed >= c.cfg.RecoveryTimeout() {
			c.state = stateHalfOpen
			c.halfOpenInFlight = 0
			c.consecutiveSuccess = 0
		} else {
			return false, c.cfg.RecoveryTimeout() - elapsed
		}
	}
	if c.state == stateHalfOpen {
		if c.halfOpenInFlight >= c.cfg.HalfOpenMaxCalls {
			return false, 0
		}
		c.halfOpenInFlight++
	}
	return true, 0
}

// RecordResult records a call outcome and evaluates the state transitions.
func (c *CircuitBreaker) RecordResult(success bool, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushWindow(callRecord{success: success, at: at})

	switch c.state {
	case stateClosed:
		if success {
			c.consecutiveFails = 0
		} else {
			c.consecutiveFails++
		}
		if c.consecutiveFails >= c.cfg.FailureThreshold {
			c.transitionToOpen()
			return
		}
		if c.rateTripped() {
			c.transitionToOpen()
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
			return
		}
		c.consecutiveSuccess++
		if c.consecutiveSuccess >= c.cfg.HalfOpenMaxCalls {
			c.transitionToClosed()
		}
	case stateOpen:
		// Allow() owns the Open->HalfOpen timing; nothing to do here.
	}
}

func (c *CircuitBreaker) rateTripped() bool {
	total, failures := c.windowStats()
	if total < c.cfg.MinimumCalls {
		return false
	}
	return float64(failures)/float64(total) >= c.cfg.FailureRateThreshold
}

func (c *CircuitBreaker) pushWindow(r callRecord) {
	cutoff := r.at.Add(-c.cfg.WindowTime())
	kept := c.window[:0]
	for _, existing := range c.window {
		if existing.at.After(cutoff) {
			kept = append(kept, existing)
		}
	}
	c.window = append(kept, r)
}

func (c *CircuitBreaker) windowStats() (total, failures int) {
	for _, r := range c.window {
		total++
		if !r.success {
			failures++
		}
	}
	return
}

func (c *CircuitBreaker) transitionToOpen() {
	c.state = stateOpen
	c.openedAt = time.Now()
	c.consecutiveFails = 0
	c.consecutiveSuccess = 0
	c.totalOpens++
	if c.metrics != nil {
		c.metrics.Add(context.Background(), 1)
	}
}

func (c *CircuitBreaker) transitionToClosed() {
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.consecutiveFails = 0
	c.consecutiveSuccess = 0
	c.window = nil
}

// State returns the current state name, for metrics reporting.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Stats reports the current state, lifetime open-transition count, and the
// failure rate over the current rolling window, for metrics reporting.
func (c *CircuitBreaker) Stats() (state string, opens int64, windowFailureRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total, failures := c.windowStats()
	if total > 0 {
		windowFailureRate = float64(failures) / float64(total)
	}
	return c.state.String(), c.totalOpens, windowFailureRate
}

// ForceOpen administratively trips the breaker regardless of observed calls.
func (c *CircuitBreaker) ForceOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionToOpen()
}

// ForceClose administratively resets the breaker to Closed.
func (c *CircuitBreaker) ForceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitionToClosed()
}
