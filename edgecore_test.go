package edgecore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/router"
	"github.com/swarmguard/edgecore/internal/telemetry"
	"github.com/swarmguard/edgecore/internal/types"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Cache.PersistPath = "" // no bbolt tier in tests
	cfg.Validator.RulesPath = ""
	cfg.Router.PolicyPath = ""
	cfg.Resilience.CircuitBreaker.FailureThreshold = 2
	cfg.Resilience.CircuitBreaker.MinimumCalls = 1000
	cfg.Resilience.CircuitBreaker.RecoveryTimeoutSec = 60
	cfg.Resilience.Retry.MaxRetries = 0
	cfg.Resilience.TimeoutMS = 1000
	return cfg
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(testConfig(), nil, telemetry.Metrics{}, router.NewPolicyEngine(""), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestExecuteCacheHit(t *testing.T) {
	c := newTestCore(t)
	c.RegisterBackendAgent("echo", func(ctx context.Context, operation string, params types.Parameters, deadline time.Time) ([]byte, error) {
		return []byte("backend-result"), nil
	})

	req := ExecuteRequest{
		Operation:  "ping",
		AgentType:  "echo",
		Parameters: types.Parameters{"x": types.StringValue("1")},
		UseCache:   true,
		Flags:      types.Flags{NetworkAvailable: true},
		TimeoutMS:  1000,
	}

	first := c.Execute(context.Background(), req)
	if first.Status != StatusSuccess {
		t.Fatalf("first call: expected success, got %s (err=%v)", first.Status, first.Err)
	}
	if first.CacheHit {
		t.Fatalf("first call should be a cache miss")
	}

	second := c.Execute(context.Background(), req)
	if second.Status != StatusSuccess {
		t.Fatalf("second call: expected success, got %s", second.Status)
	}
	if !second.CacheHit {
		t.Fatalf("second call should be served from cache")
	}
	if string(second.Result) != string(first.Result) {
		t.Fatalf("cached result mismatch: got %q want %q", second.Result, first.Result)
	}
}

func TestExecuteCircuitOpenWithoutFallback(t *testing.T) {
	c := newTestCore(t)
	c.RegisterBackendAgent("echo", func(ctx context.Context, operation string, params types.Parameters, deadline time.Time) ([]byte, error) {
		return nil, errors.New("backend unavailable")
	})
	c.ForceCircuitOpen("echo")

	resp := c.Execute(context.Background(), ExecuteRequest{
		Operation: "ping",
		AgentType: "echo",
		Flags:     types.Flags{NetworkAvailable: true},
		TimeoutMS: 1000,
	})
	if resp.Status != StatusCircuitOpen {
		t.Fatalf("expected circuit_open, got %s (err=%v)", resp.Status, resp.Err)
	}
}

func TestExecuteDegradedWhenFallbackSatisfiesOpenCircuit(t *testing.T) {
	c := newTestCore(t)
	c.RegisterBackendAgent("echo", func(ctx context.Context, operation string, params types.Parameters, deadline time.Time) ([]byte, error) {
		t.Fatalf("backend handler should not run while the circuit is forced open")
		return nil, nil
	})
	c.SetFallbackValue("echo", "ping", []byte("fallback-result"))
	c.ForceCircuitOpen("echo")

	resp := c.Execute(context.Background(), ExecuteRequest{
		Operation: "ping",
		AgentType: "echo",
		Flags:     types.Flags{NetworkAvailable: true},
		TimeoutMS: 1000,
	})
	if resp.Status != StatusDegraded {
		t.Fatalf("expected degraded status, got %s (err=%v)", resp.Status, resp.Err)
	}
	if string(resp.Result) != "fallback-result" {
		t.Fatalf("expected fallback value in result, got %q", resp.Result)
	}
	if resp.Err == nil {
		t.Fatalf("expected a descriptive error noting the degraded fallback")
	}
}

func TestExecuteValidationFailed(t *testing.T) {
	c := newTestCore(t)
	c.RegisterBackendAgent("echo", func(ctx context.Context, operation string, params types.Parameters, deadline time.Time) ([]byte, error) {
		t.Fatalf("backend handler should not run when validation fails")
		return nil, nil
	})

	resp := c.Execute(context.Background(), ExecuteRequest{
		Operation:         "ping",
		AgentType:         "echo",
		RequireValidation: true,
		Parameters:        types.Parameters{"email": types.StringValue("<script>alert(1)</script>")},
		Flags:             types.Flags{NetworkAvailable: true},
		TimeoutMS:         1000,
	})
	if resp.Status != StatusValidationFailed {
		t.Fatalf("expected validation_failed, got %s (err=%v)", resp.Status, resp.Err)
	}
}

func TestExecuteOfflineBackendQueues(t *testing.T) {
	c := newTestCore(t)
	c.RegisterBackendAgent("echo", func(ctx context.Context, operation string, params types.Parameters, deadline time.Time) ([]byte, error) {
		t.Fatalf("backend handler should not run while offline")
		return nil, nil
	})
	c.SetOnline(false)

	resp := c.Execute(context.Background(), ExecuteRequest{
		Operation: "ping",
		AgentType: "echo",
		Flags:     types.Flags{NetworkAvailable: false},
		TimeoutMS: 1000,
	})
	if resp.Status != StatusQueued {
		t.Fatalf("expected queued, got %s (err=%v)", resp.Status, resp.Err)
	}
}

func TestShutdownDrainsBeforeClosingCache(t *testing.T) {
	c := newTestCore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitializeNoopWithoutRulesPath(t *testing.T) {
	c := newTestCore(t)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}
