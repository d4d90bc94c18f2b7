package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/edgecore"
	"github.com/swarmguard/edgecore/config"
	"github.com/swarmguard/edgecore/internal/maintenance"
	"github.com/swarmguard/edgecore/internal/router"
	"github.com/swarmguard/edgecore/internal/syncer"
	"github.com/swarmguard/edgecore/internal/telemetry"
	"github.com/swarmguard/edgecore/internal/types"
)

func main() {
	service := "edgecore-agent"
	log := telemetry.InitLogging(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, service)
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, service)
	defer telemetry.Flush(context.Background(), shutdownTrace)
	defer telemetry.Flush(context.Background(), shutdownMetrics)

	cfg, err := config.Load(os.Getenv("EDGECORE_CONFIG_PATH"))
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}

	policy := router.NewPolicyEngine(cfg.Router.PolicyPath)
	if err := policy.Load(ctx); err != nil {
		log.Warn("router policy load failed, continuing without override", "error", err)
	}
	go policy.Watch(ctx, func(err error) {
		if err != nil {
			log.Warn("router policy reload failed", "error", err)
		} else {
			log.Info("router policy reloaded")
		}
	})

	core, err := edgecore.New(cfg, log, metrics, policy, nil)
	if err != nil {
		log.Error("core init failed", "error", err)
		os.Exit(1)
	}
	if err := core.Initialize(ctx); err != nil {
		log.Warn("core initialize failed", "error", err)
	}

	registerDemoAgent(core)

	sched := maintenance.New(log)
	if err := sched.Every("*/30 * * * * *", "bidirectional-sync", func(ctx context.Context) error {
		return core.Sync(ctx, syncer.DirectionBidirectional)
	}); err != nil {
		log.Warn("failed to register sync schedule", "error", err)
	}
	sched.Start()
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/execute", handleExecute(core))
	mux.HandleFunc("/v1/metrics", handleMetrics(core))

	srv := &http.Server{Addr: httpAddr(), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			cancel()
		}
	}()
	log.Info("edgecore-agent started", "addr", srv.Addr)

	<-ctx.Done()
	log.Info("shutting down")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpShutdownCancel()
	_ = srv.Shutdown(httpShutdownCtx)

	coreShutdownCtx, coreShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer coreShutdownCancel()
	if err := core.Shutdown(coreShutdownCtx); err != nil {
		log.Warn("core shutdown failed", "error", err)
	}
}

func httpAddr() string {
	if addr := os.Getenv("EDGECORE_HTTP_ADDR"); addr != "" {
		return addr
	}
	return ":8090"
}

// registerDemoAgent wires a sample "echo" agent type exercising both the
// edge and backend paths, so the binary does something observable out of
// the box.
func registerDemoAgent(core *edgecore.Core) {
	core.RegisterEdgeHandler("echo", "ping", func(ctx context.Context, params types.Parameters) ([]byte, error) {
		return []byte(`{"pong":true,"location":"edge"}`), nil
	})
	core.RegisterBackendAgent("echo", func(ctx context.Context, operation string, params types.Parameters, deadline time.Time) ([]byte, error) {
		return []byte(fmt.Sprintf(`{"op":%q,"location":"backend"}`, operation)), nil
	})
	core.SetFallbackValue("echo", "ping", []byte(`{"pong":true,"location":"fallback"}`))
}

type executeRequestBody struct {
	Operation         string            `json:"operation"`
	AgentType         string            `json:"agent_type"`
	Parameters        map[string]string `json:"parameters"`
	UserID            string            `json:"user_id"`
	RequireValidation bool              `json:"require_validation"`
	UseCache          bool              `json:"use_cache"`
	AllowEdge         bool              `json:"allow_edge"`
	TimeoutMS         int64             `json:"timeout_ms"`
}

func handleExecute(core *edgecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body executeRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		params := make(types.Parameters, len(body.Parameters))
		for k, v := range body.Parameters {
			params[k] = types.StringValue(v)
		}
		if body.TimeoutMS == 0 {
			body.TimeoutMS = 5000
		}
		resp := core.Execute(r.Context(), edgecore.ExecuteRequest{
			Operation:         body.Operation,
			AgentType:         body.AgentType,
			Parameters:        params,
			UserID:            body.UserID,
			RequireValidation: body.RequireValidation,
			UseCache:          body.UseCache,
			AllowEdge:         body.AllowEdge,
			TimeoutMS:         body.TimeoutMS,
			Flags:             types.Flags{NetworkAvailable: true},
		})
		w.Header().Set("Content-Type", "application/json")
		status := http.StatusOK
		if resp.Status == edgecore.StatusError || resp.Status == edgecore.StatusCircuitOpen {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		errMsg := ""
		if resp.Err != nil {
			errMsg = resp.Err.Error()
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id":         resp.RequestID,
			"status":             resp.Status,
			"result":             string(resp.Result),
			"error":              errMsg,
			"execution_location": resp.ExecutionLocation,
			"edge_latency_ms":    resp.EdgeLatencyMS,
			"backend_latency_ms": resp.BackendLatencyMS,
			"cache_hit":          resp.CacheHit,
			"validated":          resp.Validated,
		})
	}
}

func handleMetrics(core *edgecore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(core.GetMetrics())
	}
}
