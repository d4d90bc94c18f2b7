package router

import "sync"

// EdgePlacement answers "can this operation run at the edge at all",
// independent of placement scoring — generalized from
// original_source/agent/edge/hybrid_aware_mixin.py's EdgeCapability registry
// (can_run_on_edge), supplemented back in per SPEC_FULL's REDESIGN FLAGS note.
type EdgePlacement struct {
	mu           sync.RWMutex
	capabilities map[string]bool
}

// NewEdgePlacement constructs an empty registry; operations default to
// edge-capable=false until explicitly declared (mirrors the source's
// EdgeCapability default of can_run_on_edge=False).
func NewEdgePlacement() *EdgePlacement {
	return &EdgePlacement{capabilities: make(map[string]bool)}
}

// Declare registers whether operation may run on the edge at all.
func (e *EdgePlacement) Declare(operation string, canRunEdge bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capabilities[operation] = canRunEdge
}

// CanRunEdge reports the declared edge capability for operation.
func (e *EdgePlacement) CanRunEdge(operation string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.capabilities[operation]
}
