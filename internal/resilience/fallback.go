package resilience

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// FallbackKind tags which of the three fallback tiers produced a value.
type FallbackKind string

const (
	FallbackCached         FallbackKind = "cached"
	FallbackDefaultValue   FallbackKind = "default_value"
	FallbackGracefulDegrade FallbackKind = "graceful_degradation"
)

// DegradedHandler computes a reduced-functionality response when nothing
// cached or defaulted is available.
type DegradedHandler func(ctx context.Context, key string) ([]byte, bool)

// FallbackStore holds the three fallback tiers for a set of keys (typically
// "agent_type.operation"). The first tier that has something wins: cached
// value, then a registered default, then a graceful-degradation handler.
type FallbackStore struct {
	mu        sync.RWMutex
	cached    map[string][]byte
	defaults  map[string][]byte
	degraded  map[string]DegradedHandler
	invocations metric.Int64Counter
}

// NewFallbackStore constructs an empty store.
func NewFallbackStore(invocationCounter metric.Int64Counter) *FallbackStore {
	return &FallbackStore{
		cached:      make(map[string][]byte),
		defaults:    make(map[string][]byte),
		degraded:    make(map[string]DegradedHandler),
		invocations: invocationCounter,
	}
}

// PutCached stores the last-known-good result for key, used as CachedFallback.
func (f *FallbackStore) PutCached(key string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cached[key] = value
}

// SetDefault registers a DefaultValueFallback for key.
func (f *FallbackStore) SetDefault(key string, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaults[key] = value
}

// SetDegradedHandler registers a GracefulDegradation handler for key.
func (f *FallbackStore) SetDegradedHandler(key string, handler DegradedHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degraded[key] = handler
}

// Resolve returns the first available fallback for key, in tier order.
func (f *FallbackStore) Resolve(ctx context.Context, key string) ([]byte, FallbackKind, bool) {
	f.mu.RLock()
	cached, hasCached := f.cached[key]
	def, hasDefault := f.defaults[key]
	handler, hasDegraded := f.degraded[key]
	f.mu.RUnlock()

	switch {
	case hasCached:
		f.record(ctx)
		return cached, FallbackCached, true
	case hasDefault:
		f.record(ctx)
		return def, FallbackDefaultValue, true
	case hasDegraded:
		if v, ok := handler(ctx, key); ok {
			f.record(ctx)
			return v, FallbackGracefulDegrade, true
		}
	}
	return nil, "", false
}

func (f *FallbackStore) record(ctx context.Context) {
	if f.invocations != nil {
		f.invocations.Add(ctx, 1)
	}
}
