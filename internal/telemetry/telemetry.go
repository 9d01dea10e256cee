package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/pkg/types"
)

type telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	jobCounter     metric.Int64Counter
	jobDuration    metric.Float64Histogram
	findingCounter metric.Int64Counter
	droppedCounter metric.Int64Counter
	workerGauge    metric.Int64UpDownCounter

	mu          sync.Mutex
	lastWorkers int
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	jobCounter, err := meter.Int64Counter("edgescope.jobs.total",
		metric.WithDescription("Total number of discovery jobs executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram("edgescope.job.duration",
		metric.WithDescription("Discovery job duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	findingCounter, err := meter.Int64Counter("edgescope.findings.total",
		metric.WithDescription("Total number of findings reconciled into the inventory"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	droppedCounter, err := meter.Int64Counter("edgescope.findings.dropped",
		metric.WithDescription("Raw findings rejected during normalization"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	workerGauge, err := meter.Int64UpDownCounter("edgescope.workers.active",
		metric.WithDescription("Number of workers currently executing a job"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:         tracer,
		meter:          meter,
		tracerProvider: tp,
		jobCounter:     jobCounter,
		jobDuration:    jobDuration,
		findingCounter: findingCounter,
		droppedCounter: droppedCounter,
		workerGauge:    workerGauge,
	}, nil
}

func (t *telemetry) RecordJob(jobType types.JobType, duration float64, success bool) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("job.type", string(jobType)),
		attribute.Bool("job.success", success),
	}

	t.jobCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.jobDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordFinding(assetType types.AssetType) {
	ctx := context.Background()

	t.findingCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("asset.type", string(assetType)),
	))
}

func (t *telemetry) RecordDropped(kind string) {
	ctx := context.Background()

	t.droppedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("finding.kind", kind),
	))
}

func (t *telemetry) RecordActiveWorkers(count int) {
	t.mu.Lock()
	delta := int64(count - t.lastWorkers)
	t.lastWorkers = count
	t.mu.Unlock()

	if delta != 0 {
		t.workerGauge.Add(context.Background(), delta)
	}
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordJob(jobType types.JobType, duration float64, success bool) {}
func (n *noopTelemetry) RecordFinding(assetType types.AssetType)                         {}
func (n *noopTelemetry) RecordDropped(kind string)                                       {}
func (n *noopTelemetry) RecordActiveWorkers(count int)                                   {}
func (n *noopTelemetry) Close() error                                                    { return nil }
