package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/rattlesnake/gateway"

// Scan outcomes recorded on scanner.scans
const (
	OutcomeOK                      = "ok"
	OutcomeEngineConstructionError = "engine_construction_error"
	OutcomeEngineScanError         = "engine_scan_error"
	OutcomeTimeout                 = "timeout"
	OutcomeQueueTimeout            = "queue_timeout"
	OutcomeClosed                  = "closed"
)

// Instruments holds the metric instruments and tracer shared by the gateway
// and the scanner. A nil *Instruments records nothing.
type Instruments struct {
	Tracer trace.Tracer

	cacheLookups   metric.Int64Counter
	decodeFailures metric.Int64Counter
	scans          metric.Int64Counter
	orphanedScans  metric.Int64UpDownCounter
	scanDuration   metric.Float64Histogram
}

// New creates the instruments from the given providers
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)
	inst := &Instruments{Tracer: tp.Tracer(instrumentationName)}

	var err error

	inst.cacheLookups, err = meter.Int64Counter(
		"gateway.cache.lookups",
		metric.WithDescription("Scan cache lookups by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache lookups counter: %w", err)
	}

	inst.decodeFailures, err = meter.Int64Counter(
		"gateway.decode.failures",
		metric.WithDescription("Payloads that were not valid base64"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create decode failures counter: %w", err)
	}

	inst.scans, err = meter.Int64Counter(
		"scanner.scans",
		metric.WithDescription("Scans by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scans counter: %w", err)
	}

	inst.orphanedScans, err = meter.Int64UpDownCounter(
		"scanner.orphaned_scans",
		metric.WithDescription("Engine calls still running after their caller gave up"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create orphaned scans counter: %w", err)
	}

	inst.scanDuration, err = meter.Float64Histogram(
		"scanner.scan.duration",
		metric.WithDescription("Scan wall time as seen by the caller in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scan duration histogram: %w", err)
	}

	return inst, nil
}

// Noop returns instruments that record nothing
func Noop() *Instruments {
	// The noop providers never return errors
	inst, _ := New(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())

	return inst
}

// Start starts a span if tracing is configured
func (i *Instruments) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if i == nil || i.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return i.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// CacheLookup records a scan cache hit or miss
func (i *Instruments) CacheLookup(ctx context.Context, hit bool) {
	if i == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	i.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// DecodeFailure records a payload that couldn't be decoded
func (i *Instruments) DecodeFailure(ctx context.Context) {
	if i == nil {
		return
	}

	i.decodeFailures.Add(ctx, 1)
}

// ScanFinished records the outcome and duration of a scan
func (i *Instruments) ScanFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	if i == nil {
		return
	}

	opts := metric.WithAttributes(attribute.String("outcome", outcome))
	i.scans.Add(ctx, 1, opts)
	i.scanDuration.Record(ctx, float64(elapsed.Microseconds())/1000, opts)
}

// OrphanStarted records an engine call that was abandoned while running
func (i *Instruments) OrphanStarted(ctx context.Context) {
	if i == nil {
		return
	}

	i.orphanedScans.Add(ctx, 1)
}

// OrphanFinished records an abandoned engine call finally returning
func (i *Instruments) OrphanFinished(ctx context.Context) {
	if i == nil {
		return
	}

	i.orphanedScans.Add(ctx, -1)
}
