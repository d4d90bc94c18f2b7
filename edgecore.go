// Package edgecore is the Hybrid Edge-Backend Execution Core: a single
// process-local runtime that validates and caches requests, decides
// per-operation whether to run them at the edge or delegate to a backend,
// protects backend calls with the Resilience Layer, predicts and prefetches
// likely-needed data, and reconciles edge/backend state through the Sync
// Layer.
package edgecore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/cache"
	"github.com/swarmguard/edgecore/internal/predictor"
	"github.com/swarmguard/edgecore/internal/resilience"
	"github.com/swarmguard/edgecore/internal/router"
	"github.com/swarmguard/edgecore/internal/syncer"
	"github.com/swarmguard/edgecore/internal/telemetry"
	"github.com/swarmguard/edgecore/internal/types"
	"github.com/swarmguard/edgecore/internal/validator"
)

// Status is the tagged outcome of Execute.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusValidationFailed Status = "validation_failed"
	StatusQueued           Status = "queued"
	StatusCircuitOpen      Status = "circuit_open"
	StatusDegraded         Status = "degraded"
	StatusError            Status = "error"
)

// ExecuteRequest is the single public operation's input (§4.1).
type ExecuteRequest struct {
	Operation         string
	AgentType         string
	Parameters        types.Parameters
	UserID            string
	RequireValidation bool
	UseCache          bool
	AllowEdge         bool
	TimeoutMS         int64
	Flags             types.Flags
	PayloadSize       int
	UserPlacementPref *types.ExecutionLocation
}

// ExecuteResponse is the single public operation's output (§4.1).
type ExecuteResponse struct {
	RequestID         string
	Status            Status
	Result            []byte
	Err               error
	ExecutionLocation types.ExecutionLocation
	EdgeLatencyMS     int64
	BackendLatencyMS  int64
	CacheHit          bool
	Validated         bool
}

// BackendHandler is the required Backend Handler interface (§6): invoked
// through the Resilience Layer, must be cancellation-safe.
type BackendHandler func(ctx context.Context, operation string, params types.Parameters, deadline time.Time) ([]byte, error)

// EdgeHandler runs an Edge-placed operation locally.
type EdgeHandler func(ctx context.Context, params types.Parameters) ([]byte, error)

// Core ties the seven components together behind the Execution and
// Administration surfaces of §6.
type Core struct {
	log *slog.Logger
	cfg config.Config

	validator  *validator.Validator
	cache      *cache.Cache
	router     *router.Router
	predictor  *predictor.Predictor
	resilience *resilience.Layer
	syncer     *syncer.Syncer
	placement  *router.EdgePlacement
	metrics    telemetry.Metrics

	mu              sync.RWMutex
	online          bool
	backendHandlers map[string]BackendHandler
	edgeHandlers    map[string]EdgeHandler

	latMu    sync.Mutex
	latency  []float64 // rolling wall-time samples, most recent last, capped
	counters requestCounters
}

type requestCounters struct {
	total, edge, backend, cacheHit, validationFailed, queued int64
}

// New wires a Core from cfg, using components' own constructors.
// cfg.Cache.PersistPath may be empty to disable the cache's persistent tier.
func New(cfg config.Config, log *slog.Logger, m telemetry.Metrics, policy *router.PolicyEngine, transport syncer.Transport) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}
	c, err := cache.New(cfg.Cache, cfg.Cache.PersistPath, m)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	r := router.New(cfg.Router, policy, m.RouterDecisions)
	p := predictor.New(cfg.Predictor)
	rl := resilience.NewLayer(cfg.Resilience, m)
	v := validator.New(cfg.Validator, log, m.ValidationFailures, nil, nil)
	sy := syncer.New(cfg.Syncer, c, transport, log, m.SyncBatchesPushed, m.SyncConflicts)

	return &Core{
		log:             log,
		cfg:             cfg,
		validator:       v,
		cache:           c,
		router:          r,
		predictor:       p,
		resilience:      rl,
		syncer:          sy,
		placement:       router.NewEdgePlacement(),
		metrics:         m,
		online:          true,
		backendHandlers: make(map[string]BackendHandler),
		edgeHandlers:    make(map[string]EdgeHandler),
	}, nil
}

func handlerKey(agentType, operation string) string {
	return agentType + "/" + operation
}

// RegisterBackendAgent installs the handler invoked for agentType's backend
// path across every operation.
func (c *Core) RegisterBackendAgent(agentType string, handler BackendHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backendHandlers[agentType] = handler
}

// RegisterEdgeHandler installs the local handler for agentType/operation and
// declares it edge-capable.
func (c *Core) RegisterEdgeHandler(agentType, operation string, handler EdgeHandler) {
	c.mu.Lock()
	c.edgeHandlers[handlerKey(agentType, operation)] = handler
	c.mu.Unlock()
	c.placement.Declare(handlerKey(agentType, operation), true)
}

// RegisterDegradedHandler installs a GracefulDegradation fallback for
// agentType.operation.
func (c *Core) RegisterDegradedHandler(agentType, operation string, handler resilience.DegradedHandler) {
	c.resilience.Fallback().SetDegradedHandler(fallbackKey(agentType, operation), handler)
}

// SetFallbackValue installs a DefaultValueFallback for agentType.operation.
func (c *Core) SetFallbackValue(agentType, operation string, value []byte) {
	c.resilience.Fallback().SetDefault(fallbackKey(agentType, operation), value)
}

// ForceCircuitOpen administratively trips the breaker for agentType.
func (c *Core) ForceCircuitOpen(agentType string) { c.resilience.ForceOpen(agentType) }

// ForceCircuitClose administratively resets the breaker for agentType.
func (c *Core) ForceCircuitClose(agentType string) { c.resilience.ForceClose(agentType) }

// ResetResilience clears every breaker and bulkhead.
func (c *Core) ResetResilience() { c.resilience.Reset() }

func fallbackKey(agentType, operation string) string {
	return agentType + "." + operation
}

// SetOnline toggles network availability; offline backend dispatch enqueues
// a deferred delta and returns StatusQueued instead of calling the handler.
func (c *Core) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	c.mu.Unlock()
	c.router.SetBackendHealthy(online)
}

// Execute runs the Orchestrator algorithm of §4.1.
func (c *Core) Execute(ctx context.Context, req ExecuteRequest) ExecuteResponse {
	start := time.Now()
	resp := ExecuteResponse{RequestID: uuid.NewString()}
	c.bump(&c.counters.total)

	if req.RequireValidation {
		if issues := c.validateParameters(req.Operation, req.Parameters); len(issues) > 0 {
			c.bump(&c.counters.validationFailed)
			resp.Status = StatusValidationFailed
			resp.Err = &types.ValidationFailed{Issues: issues}
			resp.Validated = false
			return resp
		}
	}
	resp.Validated = true

	cacheKey := ""
	if req.UseCache {
		cacheKey = cacheKeyFor(req.Operation, req.Parameters)
		if entry, ok := c.cache.Get(req.AgentType, cacheKey); ok {
			c.bump(&c.counters.cacheHit)
			resp.Status = StatusSuccess
			resp.Result = entry.Value
			resp.CacheHit = true
			return resp
		}
	}

	opCtx := types.OperationContext{
		Operation:         req.Operation,
		PayloadSize:       req.PayloadSize,
		Flags:             req.Flags,
		UserPlacementPref: req.UserPlacementPref,
		AgentType:         req.AgentType,
		UserID:            req.UserID,
		RequestedAt:       start,
	}
	decision := c.router.Route(ctx, opCtx)
	resp.ExecutionLocation = decision.Location

	useEdge := decision.Location == types.LocationEdge && req.AllowEdge
	if !useEdge && decision.Location == types.LocationHybrid {
		useEdge = req.AllowEdge && c.placement.CanRunEdge(handlerKey(req.AgentType, req.Operation))
	}

	var result []byte
	var err error
	var fallbackKind resilience.FallbackKind
	var edgeLatency, backendLatency int64

	if useEdge {
		edgeStart := time.Now()
		result, err = c.runEdge(ctx, req)
		edgeLatency = time.Since(edgeStart).Milliseconds()
		resp.EdgeLatencyMS = edgeLatency
		c.bump(&c.counters.edge)
		if err != nil {
			if v, kind, ok := c.resilience.Fallback().Resolve(ctx, fallbackKey(req.AgentType, req.Operation)); ok {
				result, fallbackKind, err = v, kind, nil
			}
		}
	} else {
		c.mu.RLock()
		online := c.online
		c.mu.RUnlock()
		if !online {
			d := c.enqueueOffline(req)
			c.bump(&c.counters.queued)
			resp.Status = StatusQueued
			resp.Err = &types.OfflineError{QueuedID: d.ID}
			return resp
		}
		backendStart := time.Now()
		result, fallbackKind, err = c.runBackend(ctx, req)
		backendLatency = time.Since(backendStart).Milliseconds()
		resp.BackendLatencyMS = backendLatency
		c.bump(&c.counters.backend)
	}

	ranAt := types.LocationBackend
	if useEdge {
		ranAt = types.LocationEdge
	}
	c.router.RecordOutcome(req.AgentType, req.Operation, ranAt, err == nil, float64(edgeLatency+backendLatency))
	c.recordLatency(time.Since(start).Seconds() * 1000)

	if err != nil {
		return c.handleExecuteError(resp, err)
	}

	if fallbackKind != "" {
		resp.Status = StatusDegraded
		resp.Result = result
		resp.Err = fmt.Errorf("degraded via %s", fallbackKind)
		return resp
	}

	resp.Status = StatusSuccess
	resp.Result = result
	if req.UseCache {
		if _, putErr := c.cache.Put(req.AgentType, cacheKey, result, c.cfg.Cache.DefaultTTLSeconds, nil); putErr != nil {
			c.log.Warn("cache write failed", "error", putErr)
		}
	}
	c.resilience.Fallback().PutCached(fallbackKey(req.AgentType, req.Operation), result)
	return resp
}

func (c *Core) runEdge(ctx context.Context, req ExecuteRequest) ([]byte, error) {
	c.mu.RLock()
	handler, ok := c.edgeHandlers[handlerKey(req.AgentType, req.Operation)]
	c.mu.RUnlock()
	if !ok {
		return nil, &types.InternalError{Detail: "no edge handler registered for " + handlerKey(req.AgentType, req.Operation)}
	}
	return handler(ctx, req.Parameters)
}

func (c *Core) runBackend(ctx context.Context, req ExecuteRequest) ([]byte, resilience.FallbackKind, error) {
	c.mu.RLock()
	handler, ok := c.backendHandlers[req.AgentType]
	c.mu.RUnlock()
	if !ok {
		return nil, "", &types.InternalError{Detail: "no backend handler registered for " + req.AgentType}
	}
	deadline := time.Now().Add(time.Duration(req.TimeoutMS) * time.Millisecond)
	result, kind, err := c.resilience.Call(ctx, req.AgentType, fallbackKey(req.AgentType, req.Operation), func(cctx context.Context) ([]byte, error) {
		return handler(cctx, req.Operation, req.Parameters, deadline)
	})
	if err != nil {
		return nil, "", err
	}
	if kind != "" {
		c.log.Info("resilience fallback used", "kind", kind, "agent_type", req.AgentType, "operation", req.Operation)
	}
	return result, kind, nil
}

func (c *Core) enqueueOffline(req ExecuteRequest) *types.Delta {
	d := &types.Delta{
		ID:         uuid.NewString(),
		Operation:  types.DeltaUpdate,
		EntityType: req.AgentType,
		EntityID:   req.Operation,
		Priority:   types.PriorityMedium,
		Timestamp:  time.Now(),
	}
	c.syncer.Enqueue(d)
	return d
}

// handleExecuteError classifies a backend/edge failure that the Resilience
// Layer's own fallback chain (tried inside resilience.Layer.Call) could not
// satisfy. A satisfied fallback never reaches here — Execute turns that into
// status=degraded itself from runBackend's returned FallbackKind.
func (c *Core) handleExecuteError(resp ExecuteResponse, err error) ExecuteResponse {
	if openErr, ok := err.(*types.CircuitOpenError); ok {
		resp.Status = StatusCircuitOpen
		resp.Err = openErr
		return resp
	}
	resp.Status = StatusError
	resp.Err = err
	return resp
}

// validateParameters runs every string-valued parameter through the
// Validator, returning the issue messages from any error-severity finding.
// No parameter is treated as internal and skipped.
func (c *Core) validateParameters(operation string, params types.Parameters) []string {
	var issues []string
	for name, v := range params {
		if v.Kind != types.KindString {
			continue
		}
		result := c.validator.Validate(name, v.Str, nil, true)
		for _, issue := range result.Issues {
			if issue.Severity == "error" {
				issues = append(issues, name+": "+issue.Message)
			}
		}
	}
	return issues
}

// cacheKeyFor hashes operation plus sorted parameters into the Orchestrator's
// cache_key per §4.1.
func cacheKeyFor(operation string, params types.Parameters) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	canon := map[string]any{"operation": operation}
	fields := make(map[string]any, len(names))
	for _, name := range names {
		v := params[name]
		switch v.Kind {
		case types.KindNull:
			fields[name] = nil
		case types.KindBytes:
			fields[name] = v.Bytes
		case types.KindNumber:
			fields[name] = v.Num
		case types.KindBool:
			fields[name] = v.Bool
		case types.KindMap:
			fields[name] = v.Map
		case types.KindList:
			fields[name] = v.List
		default: // KindString, KindUnspecified
			fields[name] = v.Str
		}
	}
	canon["parameters"] = fields
	return types.Checksum(canon)
}

func (c *Core) recordLatency(ms float64) {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	c.latency = append(c.latency, ms)
	if len(c.latency) > 1000 {
		c.latency = c.latency[len(c.latency)-1000:]
	}
}

func (c *Core) latencyPercentiles() (p50, p95 float64) {
	c.latMu.Lock()
	samples := append([]float64(nil), c.latency...)
	c.latMu.Unlock()
	if len(samples) == 0 {
		return 0, 0
	}
	sort.Float64s(samples)
	return samples[len(samples)*50/100], samples[percentileIndex(len(samples), 95)]
}

func percentileIndex(n int, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func (c *Core) bump(counter *int64) {
	c.latMu.Lock()
	*counter++
	c.latMu.Unlock()
}

// CachePut forwards to the Cache's write operation (§4.3).
func (c *Core) CachePut(namespace, key string, value []byte, ttlSeconds int, tags []string) (*types.CacheEntry, error) {
	return c.cache.Put(namespace, key, value, ttlSeconds, tags)
}

// CacheGet forwards to the Cache's read operation.
func (c *Core) CacheGet(namespace, key string) (*types.CacheEntry, bool) {
	return c.cache.Get(namespace, key)
}

// CacheInvalidateByTag forwards to the Cache's tag invalidation.
func (c *Core) CacheInvalidateByTag(tag string) int {
	return c.cache.InvalidateByTag(tag)
}

// RecordUserAction feeds the Predictor's action stream.
func (c *Core) RecordUserAction(userID, action string) {
	c.predictor.RecordAction(userID, action, time.Now())
}

// PredictAndPrefetchResult is predict_and_prefetch's output (§6).
type PredictAndPrefetchResult struct {
	Predictions      []predictor.Prediction
	DataKeys         []string
	PrefetchedCount  int
}

// PredictAndPrefetch returns the top predicted next actions for userID and
// warms the prefetch slot for any above the adaptive confidence threshold.
// Predictor errors never propagate — prefetch is best-effort (§7).
func (c *Core) PredictAndPrefetch(userID, currentPage string) PredictAndPrefetchResult {
	now := time.Now()
	preds := c.predictor.PredictNext(userID, currentPage, 5, now)
	threshold := c.predictor.CurrentThreshold()

	result := PredictAndPrefetchResult{Predictions: preds}
	for _, p := range preds {
		if p.Confidence < threshold {
			continue
		}
		key := userID + ":" + p.Action
		c.predictor.Prefetch().Put(p.Action, []string{key}, p.Confidence, 60, now)
		result.DataKeys = append(result.DataKeys, key)
		result.PrefetchedCount++
		if c.metrics.PredictorHits != nil {
			c.metrics.PredictorHits.Add(context.Background(), 1)
		}
	}
	return result
}

// Sync forces a push/pull/bidirectional round trip (§4.7). Sync errors never
// fail the caller's other operations; they're surfaced here only because
// sync is itself the operation being invoked.
func (c *Core) Sync(ctx context.Context, direction syncer.Direction) error {
	return c.syncer.Sync(ctx, direction)
}

// Initialize runs Core's async startup step: loading any configured custom
// validator rules file and watching it for hot reload for the life of ctx.
// Safe to call with a background validator rules path unset, in which case
// it's a no-op.
func (c *Core) Initialize(ctx context.Context) error {
	if c.cfg.Validator.RulesPath == "" {
		return nil
	}
	if err := c.validator.LoadRulesFile(c.cfg.Validator.RulesPath); err != nil {
		return fmt.Errorf("load validator rules: %w", err)
	}
	go c.validator.WatchRulesFile(ctx, c.cfg.Validator.RulesPath, func(err error) {
		if err != nil {
			c.log.Warn("validator rules reload failed", "error", err)
		} else {
			c.log.Info("validator rules reloaded")
		}
	})
	return nil
}

// Shutdown waits for in-flight bulkhead slots to drain (polling until either
// none remain or ctx expires) before closing the cache's persistent tier.
// Queued sync deltas are left intact for the next process to resume.
func (c *Core) Shutdown(ctx context.Context) error {
	for c.resilience.ActiveCalls() > 0 {
		select {
		case <-ctx.Done():
			c.log.Warn("shutdown drain timed out with calls still in flight", "active_calls", c.resilience.ActiveCalls())
			return c.cache.Close()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return c.cache.Close()
}

// MetricsReport is get_metrics's structured output (§6).
type MetricsReport struct {
	RequestsTotal            int64
	RequestsEdge             int64
	RequestsBackend          int64
	RequestsCacheHit         int64
	RequestsValidationFailed int64
	RequestsQueued           int64
	LatencyP50MS             float64
	LatencyP95MS             float64
	CacheEntries             int
	CachePendingDeltas       int
	SyncStats                syncer.Stats
	CircuitBreakers          []resilience.CircuitBreakerStats
	Bulkheads                []resilience.BulkheadStats
	Predictor                predictor.Stats
	Validator                validator.Stats
}

// GetMetrics assembles the structured report named in §6.
func (c *Core) GetMetrics() MetricsReport {
	p50, p95 := c.latencyPercentiles()
	entries, pendingDeltas := c.cache.Stats()
	c.latMu.Lock()
	counters := c.counters
	c.latMu.Unlock()
	return MetricsReport{
		RequestsTotal:            counters.total,
		RequestsEdge:             counters.edge,
		RequestsBackend:          counters.backend,
		RequestsCacheHit:         counters.cacheHit,
		RequestsValidationFailed: counters.validationFailed,
		RequestsQueued:           counters.queued,
		LatencyP50MS:             p50,
		LatencyP95MS:             p95,
		CacheEntries:             entries,
		CachePendingDeltas:       pendingDeltas,
		SyncStats:                c.syncer.Stats(),
		CircuitBreakers:          c.resilience.CircuitBreakers(),
		Bulkheads:                c.resilience.Bulkheads(),
		Predictor:                c.predictor.Stats(),
		Validator:                c.validator.Stats(),
	}
}

