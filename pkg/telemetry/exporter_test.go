package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExporter(t *testing.T) {
	ctx := context.Background()
	exporter := NewExporter()
	defer func() { _ = exporter.Shutdown(ctx) }()

	inst, err := exporter.Instruments()
	require.NoError(t, err)

	inst.CacheLookup(ctx, false)
	inst.CacheLookup(ctx, true)
	inst.CacheLookup(ctx, true)
	inst.DecodeFailure(ctx)
	inst.ScanFinished(ctx, OutcomeOK, 10*time.Millisecond)
	inst.ScanFinished(ctx, OutcomeQueueTimeout, 30*time.Millisecond)
	inst.OrphanStarted(ctx)

	_, span := inst.Start(ctx, "gateway.handle")
	span.End()

	snapshot, err := exporter.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, float64(1), snapshot["gateway.cache.lookups{result=miss}"])
	assert.Equal(t, float64(2), snapshot["gateway.cache.lookups{result=hit}"])
	assert.Equal(t, float64(1), snapshot["gateway.decode.failures"])
	assert.Equal(t, float64(1), snapshot["scanner.scans{outcome=ok}"])
	assert.Equal(t, float64(1), snapshot["scanner.scans{outcome=queue_timeout}"])
	assert.Equal(t, float64(1), snapshot["scanner.orphaned_scans"])
	assert.Equal(t, float64(1), snapshot["scanner.scan.duration{outcome=ok}.count"])
	assert.Equal(t, float64(10), snapshot["scanner.scan.duration{outcome=ok}.sum"])

	// Up-down counters go back down
	inst.OrphanFinished(ctx)
	snapshot, err = exporter.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(0), snapshot["scanner.orphaned_scans"])
}

func TestSnapshotString(t *testing.T) {
	snapshot := Snapshot{
		"scanner.scans{outcome=ok}": 3,
		"gateway.decode.failures":   1,
	}

	assert.Equal(t, "gateway.decode.failures=1 scanner.scans{outcome=ok}=3", snapshot.String())
}
