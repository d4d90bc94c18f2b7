package router

import (
	"context"
	"testing"

	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/types"
)

func newTestRouter() *Router {
	cfg := config.Default().Router
	return New(cfg, nil, nil)
}

func TestPrivacySensitiveForcesEdge(t *testing.T) {
	r := newTestRouter()
	d := r.Route(context.Background(), types.OperationContext{
		Operation: "summarize", AgentType: "nlp",
		Flags: types.Flags{PrivacySensitive: true, NetworkAvailable: true},
	})
	if d.Location != types.LocationEdge {
		t.Fatalf("expected edge, got %s (reason=%s)", d.Location, d.Reason)
	}
}

func TestGPURequirementForcesBackend(t *testing.T) {
	r := newTestRouter()
	d := r.Route(context.Background(), types.OperationContext{
		Operation: "render", AgentType: "vision",
		Flags: types.Flags{RequiresGPU: true, NetworkAvailable: true},
	})
	if d.Location != types.LocationBackend {
		t.Fatalf("expected backend, got %s (reason=%s)", d.Location, d.Reason)
	}
}

func TestPayloadSizeForcesBackend(t *testing.T) {
	r := newTestRouter()
	d := r.Route(context.Background(), types.OperationContext{
		Operation: "upload", AgentType: "files",
		PayloadSize: 200 * 1024,
		Flags:       types.Flags{NetworkAvailable: true},
	})
	if d.Location != types.LocationBackend {
		t.Fatalf("expected backend for oversized payload, got %s", d.Location)
	}
}

func TestOfflineForcesEdge(t *testing.T) {
	r := newTestRouter()
	d := r.Route(context.Background(), types.OperationContext{
		Operation: "lookup", AgentType: "catalog",
		Flags: types.Flags{NetworkAvailable: false},
	})
	if d.Location != types.LocationEdge {
		t.Fatalf("expected edge while offline, got %s", d.Location)
	}
}

func TestExplicitOverrideWins(t *testing.T) {
	r := newTestRouter()
	r.SetOverride("catalog", "lookup", types.LocationBackend)
	d := r.Route(context.Background(), types.OperationContext{
		Operation: "lookup", AgentType: "catalog",
		Flags: types.Flags{PrivacySensitive: true, NetworkAvailable: true},
	})
	if d.Location != types.LocationBackend {
		t.Fatalf("expected override to beat privacy_sensitive, got %s (reason=%s)", d.Location, d.Reason)
	}
}

func TestHybridForcedEdgeWhenBackendUnhealthy(t *testing.T) {
	r := newTestRouter()
	r.SetBackendHealthy(false)
	d := r.finalize(types.LocationHybrid, "strategy:adaptive", 0.5)
	if d.Location != types.LocationEdge {
		t.Fatalf("expected hybrid forced to edge while unhealthy, got %s", d.Location)
	}
}

func TestRecordOutcomeFeedsAdaptiveStrategy(t *testing.T) {
	r := newTestRouter()
	for i := 0; i < 20; i++ {
		r.RecordOutcome("catalog", "search", types.LocationEdge, true, 10)
		r.RecordOutcome("catalog", "search", types.LocationBackend, false, 500)
	}
	d := r.Route(context.Background(), types.OperationContext{
		Operation: "search", AgentType: "catalog",
		Flags: types.Flags{NetworkAvailable: true},
	})
	if d.Location != types.LocationEdge {
		t.Fatalf("expected adaptive strategy to prefer edge after good edge outcomes, got %s", d.Location)
	}
}
