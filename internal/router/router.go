// Package router produces a placement decision for each operation: the
// fixed nine-rule chain of §4.2, backed by an adaptive strategy that learns
// from recorded outcomes and an optional hot-reloadable Rego override.
package router

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/types"
)

// Decision is the outcome of Route: where to run, why, and a confidence score.
type Decision struct {
	Location   types.ExecutionLocation
	Reason     string
	Score      float64
}

// Router holds per-(agent_type, operation) outcome buckets, operation
// overrides, and the optional policy engine.
type Router struct {
	mu sync.RWMutex

	strategy            Strategy
	backendThresholdKiB int

	overrides map[string]types.ExecutionLocation // "agent_type/operation" -> forced location
	buckets   map[string]*outcomeBucket           // "agent_type/operation/location"
	backendHealthy bool

	policy    *PolicyEngine
	decisions metric.Int64Counter
}

// New constructs a Router from config. A nil policy disables rule 1's Rego
// override path — every other rule still applies.
func New(cfg config.RouterConfig, policy *PolicyEngine, decisionCounter metric.Int64Counter) *Router {
	return &Router{
		strategy:            Strategy(cfg.Strategy),
		backendThresholdKiB: cfg.BackendThresholdKiB,
		overrides:           make(map[string]types.ExecutionLocation),
		buckets:             make(map[string]*outcomeBucket),
		backendHealthy:      true,
		policy:              policy,
		decisions:           decisionCounter,
	}
}

func bucketKey(agentType, operation string) string {
	return agentType + "/" + operation
}

// SetOverride pins agent_type/operation to a fixed location (rule 1).
func (r *Router) SetOverride(agentType, operation string, loc types.ExecutionLocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[bucketKey(agentType, operation)] = loc
}

// SetBackendHealthy toggles the health interaction: when false, any Hybrid
// decision is forced to Edge until health is restored.
func (r *Router) SetBackendHealthy(healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backendHealthy = healthy
}

// Route evaluates the nine-rule chain in order; the first rule that fires wins.
func (r *Router) Route(ctx context.Context, opCtx types.OperationContext) Decision {
	defer func() {
		if r.decisions != nil {
			r.decisions.Add(ctx, 1)
		}
	}()

	// Rule 1: explicit per-operation override (policy engine takes priority
	// if loaded, since it's the hot-reloadable form of an override).
	if r.policy != nil {
		if loc, ok := r.policy.Evaluate(ctx, opCtx); ok {
			return r.finalize(loc, "policy_override", 1.0)
		}
	}
	r.mu.RLock()
	if loc, ok := r.overrides[bucketKey(opCtx.AgentType, opCtx.Operation)]; ok {
		r.mu.RUnlock()
		return r.finalize(loc, "explicit_override", 1.0)
	}
	r.mu.RUnlock()

	// Rule 2: user preference.
	if opCtx.UserPlacementPref != nil {
		return r.finalize(*opCtx.UserPlacementPref, "user_preference", 1.0)
	}
	// Rule 3: privacy sensitive.
	if opCtx.Flags.PrivacySensitive {
		return r.finalize(types.LocationEdge, "privacy_sensitive", 1.0)
	}
	// Rule 4: latency critical.
	if opCtx.Flags.LatencyCritical {
		return r.finalize(types.LocationEdge, "latency_critical", 1.0)
	}
	// Rule 5: offline.
	if !opCtx.Flags.NetworkAvailable {
		return r.finalize(types.LocationEdge, "network_unavailable", 1.0)
	}
	// Rule 6: GPU/LLM requirement.
	if opCtx.Flags.RequiresGPU || opCtx.Flags.RequiresLLM {
		return r.finalize(types.LocationBackend, "requires_gpu_or_llm", 1.0)
	}
	// Rule 7: payload size.
	if opCtx.PayloadSize > r.backendThresholdKiB*1024 {
		return r.finalize(types.LocationBackend, "payload_too_large", 1.0)
	}
	// Rule 8: bandwidth limited.
	if opCtx.Flags.BandwidthLimited {
		return r.finalize(types.LocationEdge, "bandwidth_limited", 1.0)
	}

	// Rule 9: strategy-dependent default.
	r.mu.RLock()
	edge := r.buckets[bucketKey(opCtx.AgentType, opCtx.Operation)+"/"+string(types.LocationEdge)]
	backend := r.buckets[bucketKey(opCtx.AgentType, opCtx.Operation)+"/"+string(types.LocationBackend)]
	strategy := r.strategy
	r.mu.RUnlock()

	preferEdge, confidence := score(strategy, edge, backend)
	if preferEdge {
		return r.finalize(types.LocationEdge, "strategy:"+string(strategy), confidence)
	}
	return r.finalize(types.LocationBackend, "strategy:"+string(strategy), confidence)
}

// finalize applies the health interaction: a Hybrid decision is forced Edge
// while the backend is marked unhealthy.
func (r *Router) finalize(loc types.ExecutionLocation, reason string, score float64) Decision {
	r.mu.RLock()
	healthy := r.backendHealthy
	r.mu.RUnlock()
	if loc == types.LocationHybrid && !healthy {
		return Decision{Location: types.LocationEdge, Reason: reason + "+backend_unhealthy", Score: score}
	}
	return Decision{Location: loc, Reason: reason, Score: score}
}

// RecordOutcome updates the (agent_type, operation, location) EMA bucket.
// Only the Orchestrator calls this, exactly once per request, for whichever
// path actually ran a handler — never on cache hits.
func (r *Router) RecordOutcome(agentType, operation string, loc types.ExecutionLocation, success bool, latencyMS float64) {
	key := bucketKey(agentType, operation) + "/" + string(loc)
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = &outcomeBucket{}
		r.buckets[key] = b
	}
	b.record(success, latencyMS)
}
