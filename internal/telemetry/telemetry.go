package telemetry

import (
	"context"
	"fmt"
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

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
)

// Telemetry records run-level metrics.
type Telemetry interface {
	RecordRun(kind, status string, duration time.Duration)
	RecordCombination(outcome string)
	RecordFinding(decision string)
	RecordDispatch(duration time.Duration, status int)
	Close() error
}

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider

	runCounter         metric.Int64Counter
	runDuration        metric.Float64Histogram
	combinationCounter metric.Int64Counter
	findingCounter     metric.Int64Counter
	dispatchDuration   metric.Float64Histogram
}

func New(ctx context.Context, cfg config.TelemetryConfig) (Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
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
	case "otlp", "":
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

	t, err := newInstruments(otel.Meter(cfg.ServiceName))
	if err != nil {
		return nil, err
	}
	t.tracerProvider = tp
	return t, nil
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	runCounter, err := meter.Int64Counter("bolagate.runs.total",
		metric.WithDescription("Total number of test runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("bolagate.run.duration",
		metric.WithDescription("Test run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	combinationCounter, err := meter.Int64Counter("bolagate.combinations.total",
		metric.WithDescription("Combinations processed, by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	findingCounter, err := meter.Int64Counter("bolagate.findings.total",
		metric.WithDescription("Findings by gate decision"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dispatchDuration, err := meter.Float64Histogram("bolagate.dispatch.duration",
		metric.WithDescription("Step dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		runCounter:         runCounter,
		runDuration:        runDuration,
		combinationCounter: combinationCounter,
		findingCounter:     findingCounter,
		dispatchDuration:   dispatchDuration,
	}, nil
}

func (t *telemetry) RecordRun(kind, status string, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("run.kind", kind),
		attribute.String("run.status", status),
	)
	t.runCounter.Add(ctx, 1, attrs)
	t.runDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *telemetry) RecordCombination(outcome string) {
	t.combinationCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (t *telemetry) RecordFinding(decision string) {
	t.findingCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("decision", decision)))
}

func (t *telemetry) RecordDispatch(duration time.Duration, status int) {
	t.dispatchDuration.Record(context.Background(), float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Int("http.status_code", status)))
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func Noop() Telemetry { return noopTelemetry{} }

func (noopTelemetry) RecordRun(kind, status string, duration time.Duration) {}
func (noopTelemetry) RecordCombination(outcome string)                      {}
func (noopTelemetry) RecordFinding(decision string)                         {}
func (noopTelemetry) RecordDispatch(duration time.Duration, status int)     {}
func (noopTelemetry) Close() error                                          { return nil }
