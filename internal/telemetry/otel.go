package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
)

const meterName = "edgecore"
const tracerName = "edgecore"

// InitTracer configures a global tracer provider with an OTLP gRPC exporter
// and returns its shutdown func. Failures are logged and degrade to a no-op
// shutdown rather than aborting startup.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", service),
	))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracer initialized", "endpoint", endpoint)
	return tp.Shutdown
}

// WithSpan starts a span under the package tracer and returns the derived
// context and an end func to defer.
func WithSpan(ctx context.Context, name string) (context.Context, func()) {
	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(ctx, name)
	return ctx, func() { span.End() }
}

// Flush bounds shutdown to a short deadline so a stuck exporter never hangs
// process exit.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

// Metrics holds the instruments shared across every internal component.
// Each component is handed this struct at construction rather than calling
// otel.Meter itself, so tests can swap in a no-op meter provider.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	RetryExhausted         metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
	BulkheadRejections     metric.Int64Counter
	FallbackInvocations    metric.Int64Counter
	CacheHits              metric.Int64Counter
	CacheMisses            metric.Int64Counter
	CacheEvictions         metric.Int64Counter
	RouterDecisions        metric.Int64Counter
	PredictorHits          metric.Int64Counter
	ValidationFailures     metric.Int64Counter
	SyncBatchesPushed      metric.Int64Counter
	SyncConflicts          metric.Int64Counter
	QueueDepth             metric.Int64ObservableGauge
}

// InitMetrics configures a global OTLP gRPC metrics exporter (push) and
// returns a shutdown func plus the common instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, buildInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, buildInstruments()
}

func buildInstruments() Metrics {
	meter := otel.Meter(meterName)
	retryAttempts, _ := meter.Int64Counter("edgecore_resilience_retry_attempts_total")
	retryExhausted, _ := meter.Int64Counter("edgecore_resilience_retry_exhausted_total")
	circuitOpen, _ := meter.Int64Counter("edgecore_resilience_circuit_open_total")
	bulkheadRej, _ := meter.Int64Counter("edgecore_resilience_bulkhead_rejections_total")
	fallback, _ := meter.Int64Counter("edgecore_resilience_fallback_invocations_total")
	cacheHits, _ := meter.Int64Counter("edgecore_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("edgecore_cache_misses_total")
	cacheEvictions, _ := meter.Int64Counter("edgecore_cache_evictions_total")
	routerDecisions, _ := meter.Int64Counter("edgecore_router_decisions_total")
	predictorHits, _ := meter.Int64Counter("edgecore_predictor_prefetch_hits_total")
	validationFailures, _ := meter.Int64Counter("edgecore_validator_failures_total")
	syncBatches, _ := meter.Int64Counter("edgecore_syncer_batches_pushed_total")
	syncConflicts, _ := meter.Int64Counter("edgecore_syncer_conflicts_total")
	queueDepth, _ := meter.Int64ObservableGauge("edgecore_syncer_queue_depth")
	return Metrics{
		RetryAttempts:          retryAttempts,
		RetryExhausted:         retryExhausted,
		CircuitOpenTransitions: circuitOpen,
		BulkheadRejections:     bulkheadRej,
		FallbackInvocations:    fallback,
		CacheHits:              cacheHits,
		CacheMisses:            cacheMisses,
		CacheEvictions:         cacheEvictions,
		RouterDecisions:        routerDecisions,
		PredictorHits:          predictorHits,
		ValidationFailures:     validationFailures,
		SyncBatchesPushed:      syncBatches,
		SyncConflicts:          syncConflicts,
		QueueDepth:             queueDepth,
	}
}
