package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/telemetry"
	"github.com/swarmguard/edgecore/internal/types"
)

// Layer is the Resilience Layer: one CircuitBreaker and Bulkhead per
// endpoint, wrapping calls in the fixed order Bulkhead -> CircuitBreaker ->
// Retry -> Timeout -> target handler, falling back on any failure that
// survives the chain.
type Layer struct {
	mu        sync.Mutex
	cfg       config.ResilienceConfig
	breakers  map[string]*CircuitBreaker
	bulkheads map[string]*Bulkhead
	fallback  *FallbackStore
	metrics   telemetry.Metrics
	retryM    RetryMetrics
}

// NewLayer constructs a Resilience Layer sharing one config and metric set
// across every endpoint it protects.
func NewLayer(cfg config.ResilienceConfig, m telemetry.Metrics) *Layer {
	return &Layer{
		cfg:       cfg,
		breakers:  make(map[string]*CircuitBreaker),
		bulkheads: make(map[string]*Bulkhead),
		fallback:  NewFallbackStore(m.FallbackInvocations),
		metrics:   m,
		retryM:    RetryMetrics{Attempts: m.RetryAttempts, Exhausted: m.RetryExhausted},
	}
}

func (l *Layer) breakerFor(endpoint string) *CircuitBreaker {
	l.mu.Lock()
	defer l.mu.Unlock()
	cb, ok := l.breakers[endpoint]
	if !ok {
		cb = NewCircuitBreaker(endpoint, l.cfg.CircuitBreaker, l.metrics.CircuitOpenTransitions)
		l.breakers[endpoint] = cb
	}
	return cb
}

func (l *Layer) bulkheadFor(endpoint string) *Bulkhead {
	l.mu.Lock()
	defer l.mu.Unlock()
	bh, ok := l.bulkheads[endpoint]
	if !ok {
		bh = NewBulkhead(l.cfg.Bulkhead, l.metrics.BulkheadRejections)
		l.bulkheads[endpoint] = bh
	}
	return bh
}

// Fallback exposes the shared fallback store so the caller can register
// cached results, defaults and degraded handlers by key.
func (l *Layer) Fallback() *FallbackStore {
	return l.fallback
}

// Call protects a single invocation of fn for endpoint, running it through
// the full chain and falling back to fallbackKey's registered tiers if the
// chain ultimately fails.
func (l *Layer) Call(ctx context.Context, endpoint, fallbackKey string, fn func(context.Context) ([]byte, error)) ([]byte, FallbackKind, error) {
	bh := l.bulkheadFor(endpoint)
	release, err := bh.Acquire(ctx)
	if err != nil {
		return l.tryFallback(ctx, fallbackKey, err)
	}
	defer release()

	cb := l.breakerFor(endpoint)
	allowed, retryAfter := cb.Allow()
	if !allowed {
		openErr := &types.CircuitOpenError{Endpoint: endpoint, RetryAfter: retryAfter}
		return l.tryFallback(ctx, fallbackKey, openErr)
	}

	result, err := Retry(ctx, l.cfg.Retry, l.retryM, func() ([]byte, error) {
		return WithTimeout(ctx, endpoint, l.cfg.TimeoutMS, fn)
	})
	cb.RecordResult(err == nil, time.Now())
	if err != nil {
		return l.tryFallback(ctx, fallbackKey, err)
	}
	l.fallback.PutCached(fallbackKey, result)
	return result, "", nil
}

func (l *Layer) tryFallback(ctx context.Context, key string, cause error) ([]byte, FallbackKind, error) {
	if v, kind, ok := l.fallback.Resolve(ctx, key); ok {
		return v, kind, nil
	}
	return nil, "", cause
}

// BreakerState reports the named endpoint's breaker state, for metrics.
func (l *Layer) BreakerState(endpoint string) string {
	return l.breakerFor(endpoint).State()
}

// ForceOpen administratively trips endpoint's breaker.
func (l *Layer) ForceOpen(endpoint string) {
	l.breakerFor(endpoint).ForceOpen()
}

// ForceClose administratively resets endpoint's breaker to Closed.
func (l *Layer) ForceClose(endpoint string) {
	l.breakerFor(endpoint).ForceClose()
}

// Reset clears all per-endpoint breaker and bulkhead state.
func (l *Layer) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.breakers = make(map[string]*CircuitBreaker)
	l.bulkheads = make(map[string]*Bulkhead)
}

// CircuitBreakerStats is one endpoint's breaker subtree for get_metrics.
type CircuitBreakerStats struct {
	Endpoint          string
	State             string
	Opens             int64
	WindowFailureRate float64
}

// BulkheadStats is one endpoint's bulkhead subtree for get_metrics.
type BulkheadStats struct {
	Endpoint   string
	Active     int
	Queued     int
	Rejections int64
}

// CircuitBreakers snapshots every endpoint's breaker state.
func (l *Layer) CircuitBreakers() []CircuitBreakerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CircuitBreakerStats, 0, len(l.breakers))
	for endpoint, cb := range l.breakers {
		state, opens, rate := cb.Stats()
		out = append(out, CircuitBreakerStats{Endpoint: endpoint, State: state, Opens: opens, WindowFailureRate: rate})
	}
	return out
}

// Bulkheads snapshots every endpoint's bulkhead admission counters.
func (l *Layer) Bulkheads() []BulkheadStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]BulkheadStats, 0, len(l.bulkheads))
	for endpoint, bh := range l.bulkheads {
		active, queued := bh.Stats()
		out = append(out, BulkheadStats{Endpoint: endpoint, Active: active, Queued: queued, Rejections: bh.Rejections()})
	}
	return out
}

// ActiveCalls sums in-flight admissions across every bulkhead, for Shutdown's
// drain step.
func (l *Layer) ActiveCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, bh := range l.bulkheads {
		active, _ := bh.Stats()
		total += active
	}
	return total
}
