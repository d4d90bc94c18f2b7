package validator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/edgecore/config"
)

// Issue is one validation or security finding attached to a field.
type Issue struct {
	Rule     string
	Message  string
	Severity string // "error" or "warning"
}

// Result is the outcome of Validate.
type Result struct {
	Valid     bool
	Original  string
	Sanitized string
	Issues    []Issue
}

// Validator ties the rule registry, sanitization pipeline, security
// detection, and result cache together behind the operations named in
// §4.5.
type Validator struct {
	log      *slog.Logger
	registry *Registry
	cache    *resultCache

	threatsBlocked metric.Int64Counter
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter

	threatsBlockedCount int64
	cacheHitCount       int64
	cacheMissCount      int64
	latencySumNS        int64
	validateCount       int64
}

// New constructs a Validator from cfg, wiring the named OTel counters when
// non-nil (Metrics.ValidationFailures is the caller's choice for blocked
// threats).
func New(cfg config.ValidatorConfig, log *slog.Logger, threatsBlocked, cacheHits, cacheMisses metric.Int64Counter) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		log:            log,
		registry:       NewRegistry(),
		cache:          newResultCache(time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheMaxSize),
		threatsBlocked: threatsBlocked,
		cacheHits:      cacheHits,
		cacheMisses:    cacheMisses,
	}
}

// Registry exposes the rule registry so callers can register custom rules.
func (v *Validator) Registry() *Registry {
	return v.registry
}

// Validate checks value against the named rules (or a field-name-inferred
// rule when ruleNames is empty), optionally sanitizing first. Results for
// identical (field, value, rules) are served from cache within the TTL.
func (v *Validator) Validate(fieldName, value string, ruleNames []string, sanitize bool) Result {
	callStart := time.Now()
	defer func() {
		atomic.AddInt64(&v.latencySumNS, time.Since(callStart).Nanoseconds())
		atomic.AddInt64(&v.validateCount, 1)
	}()

	now := callStart
	key := cacheKey(fieldName, value, ruleNames)
	if cached, ok := v.cache.get(key, now); ok {
		v.count(v.cacheHits)
		atomic.AddInt64(&v.cacheHitCount, 1)
		return cached
	}
	v.count(v.cacheMisses)
	atomic.AddInt64(&v.cacheMissCount, 1)

	result := Result{Original: value, Valid: true}

	sanitized := value
	if sanitize {
		sanitized = Sanitize(value, DefaultStages)
	}
	result.Sanitized = sanitized

	security := CheckSecurity(value)
	if !security.Safe {
		for kind := range security.Threats {
			result.Issues = append(result.Issues, Issue{
				Rule:     string(kind),
				Message:  "security threat detected: " + string(kind),
				Severity: "error",
			})
		}
		result.Valid = false
		result.Sanitized = security.Sanitized
		v.count(v.threatsBlocked)
		atomic.AddInt64(&v.threatsBlockedCount, 1)
		v.log.Warn("blocked input threat", "field", fieldName)
	}

	rules := v.resolveRules(fieldName, ruleNames)
	for _, rule := range rules {
		for _, msg := range rule.Apply(sanitized) {
			result.Valid = false
			result.Issues = append(result.Issues, Issue{Rule: rule.Name, Message: msg, Severity: "error"})
		}
	}

	v.cache.put(key, result, now)
	return result
}

func (v *Validator) resolveRules(fieldName string, ruleNames []string) []*Rule {
	if len(ruleNames) > 0 {
		rules := make([]*Rule, 0, len(ruleNames))
		for _, name := range ruleNames {
			if rule, ok := v.registry.Get(name); ok {
				rules = append(rules, rule)
			}
		}
		return rules
	}
	if rule, ok := v.registry.Infer(fieldName); ok {
		return []*Rule{rule}
	}
	return nil
}

// ValidateBatch runs Validate over every (field, value) pair in fields,
// using rulesMap[field] when present.
func (v *Validator) ValidateBatch(fields map[string]string, rulesMap map[string][]string, sanitize bool) map[string]Result {
	out := make(map[string]Result, len(fields))
	for field, value := range fields {
		out[field] = v.Validate(field, value, rulesMap[field], sanitize)
	}
	return out
}

// Sanitize runs value through the named stages (DefaultStages if empty).
func (v *Validator) Sanitize(value string, stages []SanitizeStage) string {
	if len(stages) == 0 {
		stages = DefaultStages
	}
	return Sanitize(value, stages)
}

// CheckSecurity exposes the standalone security scan operation.
func (v *Validator) CheckSecurity(value string) SecurityResult {
	result := CheckSecurity(value)
	if !result.Safe {
		v.count(v.threatsBlocked)
		atomic.AddInt64(&v.threatsBlockedCount, 1)
	}
	return result
}

func (v *Validator) count(counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1)
}

// CacheSize reports the current result-cache population, for diagnostics.
func (v *Validator) CacheSize() int {
	return v.cache.len()
}

// Stats is the validator subtree of get_metrics (§6).
type Stats struct {
	CacheSize      int
	CacheHits      int64
	CacheMisses    int64
	ThreatsBlocked int64
	AvgLatencyMS   float64
}

// Stats reports the validator subtree for get_metrics.
func (v *Validator) Stats() Stats {
	count := atomic.LoadInt64(&v.validateCount)
	sumNS := atomic.LoadInt64(&v.latencySumNS)
	var avgMS float64
	if count > 0 {
		avgMS = float64(sumNS) / float64(count) / 1e6
	}
	return Stats{
		CacheSize:      v.cache.len(),
		CacheHits:      atomic.LoadInt64(&v.cacheHitCount),
		CacheMisses:    atomic.LoadInt64(&v.cacheMissCount),
		ThreatsBlocked: atomic.LoadInt64(&v.threatsBlockedCount),
		AvgLatencyMS:   avgMS,
	}
}
