package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rattlesnake/gateway/pkg/logger"
)

// Snapshot maps a series to its current value. Series are named after the
// instrument plus its attributes, e.g. scanner.scans{outcome=ok}. Histograms
// show up as .count and .sum series.
type Snapshot map[string]float64

// String renders the snapshot as sorted key=value pairs
func (s Snapshot) String() string {
	keys := make([]string, 0, len(s))
	for key := range s {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%g", key, s[key]))
	}

	return strings.Join(pairs, " ")
}

// Exporter keeps the gateway's metrics in process and logs finished spans.
// The server reads it for /metrics and the listen command logs it.
type Exporter struct {
	reader         *sdkmetric.ManualReader
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// NewExporter sets up the metric and trace SDKs
func NewExporter() *Exporter {
	reader := sdkmetric.NewManualReader()

	return &Exporter{
		reader:         reader,
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		tracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanLogger{})),
	}
}

// Instruments creates instruments that report to this exporter
func (e *Exporter) Instruments() (*Instruments, error) {
	return New(e.meterProvider, e.tracerProvider)
}

// Snapshot collects the current value of every series
func (e *Exporter) Snapshot(ctx context.Context) (Snapshot, error) {
	var rm metricdata.ResourceMetrics
	if err := e.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("could not collect metrics: %w", err)
	}

	snapshot := Snapshot{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					snapshot[seriesName(m.Name, &dp.Attributes)] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					snapshot[seriesName(m.Name, &dp.Attributes)] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					name := seriesName(m.Name, &dp.Attributes)
					snapshot[name+".count"] += float64(dp.Count)
					snapshot[name+".sum"] += dp.Sum
				}
			}
		}
	}

	return snapshot, nil
}

// LogEvery logs a snapshot at INFO every interval until ctx is done
func (e *Exporter) LogEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := e.Snapshot(ctx)
			if err != nil {
				logger.Warning("%v", err)
				continue
			}

			logger.Info("metrics: %s", snapshot)
		}
	}
}

// Shutdown flushes and stops both SDKs
func (e *Exporter) Shutdown(ctx context.Context) error {
	return errors.Join(e.meterProvider.Shutdown(ctx), e.tracerProvider.Shutdown(ctx))
}

func seriesName(name string, attrs *attribute.Set) string {
	if attrs.Len() == 0 {
		return name
	}

	return name + "{" + attrs.Encoded(attribute.DefaultEncoder()) + "}"
}

// spanLogger writes finished spans to the debug log
type spanLogger struct{}

func (spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (spanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	logger.Debug(
		"span finished: name=%q duration=%q status=%q",
		s.Name(), s.EndTime().Sub(s.StartTime()).String(), s.Status().Code.String(),
	)
}

func (spanLogger) Shutdown(context.Context) error   { return nil }
func (spanLogger) ForceFlush(context.Context) error { return nil }
