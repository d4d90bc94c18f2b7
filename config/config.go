// Package config holds the structured configuration tree for the edge-backend
// execution core: every named knob from the component specs, with documented
// defaults, loadable from YAML and overridable by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree. Missing knobs inherit the defaults
// set by Default().
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Router     RouterConfig     `yaml:"router"`
	Predictor  PredictorConfig  `yaml:"predictor"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Syncer     SyncerConfig     `yaml:"syncer"`
}

type CacheConfig struct {
	DefaultTTLSeconds   int    `yaml:"default_ttl_seconds"`
	MaxMemoryEntries    int    `yaml:"max_memory_entries"`
	ShardCount          int    `yaml:"shard_count"`
	PerNamespaceCap     int    `yaml:"per_namespace_cap"` // 0 = unlimited
	PersistPath         string `yaml:"persist_path"`
	PendingDeltaPrune   int    `yaml:"pending_delta_prune"`   // prune above this many pending deltas
	PendingDeltaKeep    int    `yaml:"pending_delta_keep"`    // keep this many newest after prune
}

type RouterConfig struct {
	Strategy          string `yaml:"strategy"` // adaptive|privacy_first|latency_optimized|cost_optimized
	BackendThresholdKiB int  `yaml:"backend_threshold_kib"`
	OutcomeWindowSize  int    `yaml:"outcome_window_size"`
	PolicyPath         string `yaml:"policy_path"` // rego bundle dir, fsnotify-watched
}

type PredictorConfig struct {
	BigramWeight        float64 `yaml:"bigram_weight"`
	TrigramWeight       float64 `yaml:"trigram_weight"`
	TimeOfDayWeight     float64 `yaml:"time_of_day_weight"`
	InitialThreshold    float64 `yaml:"initial_threshold"`
	ThresholdCeiling    float64 `yaml:"threshold_ceiling"`
	ThresholdFloor      float64 `yaml:"threshold_floor"`
	ThresholdStep       float64 `yaml:"threshold_step"`
	MaxPrefetchItems    int     `yaml:"max_prefetch_items"`
	MaxHistoryPerUser   int     `yaml:"max_history_per_user"`
	AdaptiveSampleSize  int     `yaml:"adaptive_sample_size"`
}

type ValidatorConfig struct {
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	CacheMaxSize    int    `yaml:"cache_max_size"`
	RulesPath       string `yaml:"rules_path"` // fsnotify-watched custom rule file
}

type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Bulkhead       BulkheadConfig       `yaml:"bulkhead"`
	TimeoutMS      int64                `yaml:"timeout_ms"`
}

type CircuitBreakerConfig struct {
	FailureThreshold     int     `yaml:"failure_threshold"`
	MinimumCalls         int     `yaml:"minimum_calls"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`
	WindowTimeSeconds    int     `yaml:"window_time_seconds"`
	RecoveryTimeoutSec   int     `yaml:"recovery_timeout_seconds"`
	HalfOpenMaxCalls     int     `yaml:"half_open_max_calls"`
}

type RetryConfig struct {
	MaxRetries   int     `yaml:"max_retries"`
	Strategy     string  `yaml:"strategy"` // fixed|exponential|exponential_with_jitter
	BaseDelayMS  int64   `yaml:"base_delay_ms"`
	Multiplier   float64 `yaml:"multiplier"`
	JitterFactor float64 `yaml:"jitter_factor"`
	MaxDelayMS   int64   `yaml:"max_delay_ms"`
}

type BulkheadConfig struct {
	MaxConcurrent  int   `yaml:"max_concurrent"`
	MaxQueueSize   int   `yaml:"max_queue_size"`
	QueueTimeoutMS int64 `yaml:"queue_timeout_ms"`
}

type SyncerConfig struct {
	MaxOfflineQueueSize    int `yaml:"max_offline_queue_size"`
	MaxBatchSize           int `yaml:"max_batch_size"`
	CompressionThresholdB  int `yaml:"compression_threshold_bytes"`
	DefaultConflictPolicy  string `yaml:"default_conflict_policy"`
}

// Default returns the documented baseline config (§4/§8 defaults).
func Default() Config {
	return Config{
		Cache: CacheConfig{
			DefaultTTLSeconds: 300,
			MaxMemoryEntries:  100_000,
			ShardCount:        32,
			PerNamespaceCap:   0,
			PersistPath:       "./data/edgecore-cache.db",
			PendingDeltaPrune: 10_000,
			PendingDeltaKeep:  5_000,
		},
		Router: RouterConfig{
			Strategy:            "adaptive",
			BackendThresholdKiB: 100,
			OutcomeWindowSize:   10_000,
			PolicyPath:          "./policies/router",
		},
		Predictor: PredictorConfig{
			BigramWeight:       0.7,
			TrigramWeight:      1.2,
			TimeOfDayWeight:    0.3,
			InitialThreshold:   0.5,
			ThresholdCeiling:   0.9,
			ThresholdFloor:     0.3,
			ThresholdStep:      0.05,
			MaxPrefetchItems:   20,
			MaxHistoryPerUser:  100,
			AdaptiveSampleSize: 10,
		},
		Validator: ValidatorConfig{
			CacheTTLSeconds: 60,
			CacheMaxSize:    10_000,
			RulesPath:       "./policies/validator-rules.yaml",
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:     5,
				MinimumCalls:         10,
				FailureRateThreshold: 0.5,
				WindowTimeSeconds:    60,
				RecoveryTimeoutSec:   30,
				HalfOpenMaxCalls:     3,
			},
			Retry: RetryConfig{
				MaxRetries:   3,
				Strategy:     "exponential_with_jitter",
				BaseDelayMS:  100,
				Multiplier:   2.0,
				JitterFactor: 0.5,
				MaxDelayMS:   60_000,
			},
			Bulkhead: BulkheadConfig{
				MaxConcurrent:  50,
				MaxQueueSize:   100,
				QueueTimeoutMS: 5_000,
			},
			TimeoutMS: 10_000,
		},
		Syncer: SyncerConfig{
			MaxOfflineQueueSize:   10_000,
			MaxBatchSize:          100,
			CompressionThresholdB: 4096,
			DefaultConflictPolicy: "server_wins",
		},
	}
}

// RecoveryTimeout returns the circuit breaker recovery timeout as a Duration.
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSec) * time.Second
}

// WindowTime returns the circuit breaker's rate-evaluation window as a Duration.
func (c CircuitBreakerConfig) WindowTime() time.Duration {
	return time.Duration(c.WindowTimeSeconds) * time.Second
}

// Load reads a YAML file over the documented defaults, then applies env var
// overrides, mirroring the teacher's env-first configuration style
// (services/policy-service reads POLICY_* vars the same way).
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := intFromEnv("EDGECORE_CACHE_DEFAULT_TTL_SECONDS"); ok {
		cfg.Cache.DefaultTTLSeconds = v
	}
	if v, ok := intFromEnv("EDGECORE_CACHE_MAX_MEMORY_ENTRIES"); ok {
		cfg.Cache.MaxMemoryEntries = v
	}
	if v := os.Getenv("EDGECORE_ROUTER_STRATEGY"); v != "" {
		cfg.Router.Strategy = v
	}
	if v := os.Getenv("EDGECORE_ROUTER_POLICY_PATH"); v != "" {
		cfg.Router.PolicyPath = v
	}
	if v := os.Getenv("EDGECORE_VALIDATOR_RULES_PATH"); v != "" {
		cfg.Validator.RulesPath = v
	}
	if v, ok := intFromEnv("EDGECORE_RESILIENCE_FAILURE_THRESHOLD"); ok {
		cfg.Resilience.CircuitBreaker.FailureThreshold = v
	}
	if v, ok := intFromEnv("EDGECORE_RESILIENCE_RECOVERY_TIMEOUT_SECONDS"); ok {
		cfg.Resilience.CircuitBreaker.RecoveryTimeoutSec = v
	}
	if v, ok := int64FromEnv("EDGECORE_RESILIENCE_TIMEOUT_MS"); ok {
		cfg.Resilience.TimeoutMS = v
	}
}

func intFromEnv(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func int64FromEnv(key string) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
