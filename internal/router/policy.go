package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/swarmguard/edgecore/internal/types"
)

// PolicyEngine evaluates an optional, hot-reloadable Rego override for the
// placement decision, generalized from services/policy-service's OPAEngine:
// same parse-all/compile/PrepareForEval-per-package pipeline, but the
// decision path here is fixed to data.edgecore.placement.location rather
// than the generic data.<package>.allow, and a placement query also returns
// a location string instead of a bare boolean.
type PolicyEngine struct {
	mu       sync.RWMutex
	dir      string
	prepared *rego.PreparedEvalQuery
	ready    bool
}

// NewPolicyEngine constructs an engine rooted at dir; dir may not exist yet
// (policies are optional — rule 1 of §4.2 only fires when one compiles).
func NewPolicyEngine(dir string) *PolicyEngine {
	return &PolicyEngine{dir: dir}
}

// Load (re)compiles every *.rego file under dir into a single prepared query
// against data.edgecore.placement.location. A missing directory or empty
// policy set leaves the engine in its not-ready state, which Evaluate
// reports as "no override" rather than an error.
func (p *PolicyEngine) Load(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(p.dir, "*.rego"))
	if err != nil {
		return fmt.Errorf("glob router policies: %w", err)
	}
	if len(files) == 0 {
		p.mu.Lock()
		p.ready = false
		p.mu.Unlock()
		return nil
	}

	modules := make(map[string]string, len(files))
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read router policy %s: %w", f, err)
		}
		modules[f] = string(content)
	}

	parsed := make(map[string]*ast.Module, len(modules))
	for f, src := range modules {
		mod, err := ast.ParseModule(f, src)
		if err != nil {
			return fmt.Errorf("parse router policy %s: %w", f, err)
		}
		parsed[f] = mod
	}
	compiler := ast.NewCompiler()
	compiler.Compile(parsed)
	if compiler.Failed() {
		return fmt.Errorf("compile router policies: %v", compiler.Errors)
	}

	prepared, err := rego.New(
		rego.Query("data.edgecore.placement.location"),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare router policy query: %w", err)
	}

	p.mu.Lock()
	p.prepared = &prepared
	p.ready = true
	p.mu.Unlock()
	return nil
}

// Evaluate runs the compiled policy against the operation context. ok==false
// means no policy override exists or the policy abstained; the caller should
// fall through to the rest of the decision rule chain.
func (p *PolicyEngine) Evaluate(ctx context.Context, opCtx types.OperationContext) (loc types.ExecutionLocation, ok bool) {
	p.mu.RLock()
	prepared, ready := p.prepared, p.ready
	p.mu.RUnlock()
	if !ready || prepared == nil {
		return "", false
	}

	input := map[string]any{
		"operation":         opCtx.Operation,
		"agent_type":        opCtx.AgentType,
		"payload_size":      opCtx.PayloadSize,
		"privacy_sensitive": opCtx.Flags.PrivacySensitive,
		"latency_critical":  opCtx.Flags.LatencyCritical,
		"network_available": opCtx.Flags.NetworkAvailable,
		"requires_gpu":      opCtx.Flags.RequiresGPU,
		"requires_llm":      opCtx.Flags.RequiresLLM,
		"bandwidth_limited": opCtx.Flags.BandwidthLimited,
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", false
	}
	s, isStr := results[0].Expressions[0].Value.(string)
	if !isStr {
		return "", false
	}
	switch types.ExecutionLocation(s) {
	case types.LocationEdge, types.LocationBackend, types.LocationHybrid:
		return types.ExecutionLocation(s), true
	default:
		return "", false
	}
}

// IsReady reports whether a policy has been successfully compiled.
func (p *PolicyEngine) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Watch debounces filesystem events under dir and reloads on settle,
// mirroring services/policy-service's opaManager.Watch. onReload receives
// nil after a successful reload, or the error that made reload fail.
func (p *PolicyEngine) Watch(ctx context.Context, onReload func(error)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		onReload(err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(p.dir); err != nil {
		onReload(err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-watcher.Events:
			if !open {
				return
			}
			if filepath.Ext(ev.Name) == ".rego" {
				debounce.Reset(200 * time.Millisecond)
			}
		case err, open := <-watcher.Errors:
			if !open {
				return
			}
			onReload(err)
		case <-debounce.C:
			onReload(p.Load(ctx))
		}
	}
}
