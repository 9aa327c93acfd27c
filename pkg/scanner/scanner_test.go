package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/rattlesnake/gateway/pkg/config"
	"github.com/rattlesnake/gateway/pkg/proto"
	"github.com/rattlesnake/gateway/pkg/response"
	"github.com/rattlesnake/gateway/pkg/telemetry"
)

// mockEngine calls scan for every payload and counts the calls
type mockEngine struct {
	calls atomic.Int32
	scan  func(data []byte) (proto.CategorizedFindings, error)
}

func (m *mockEngine) Scan(data []byte) (proto.CategorizedFindings, error) {
	m.calls.Add(1)
	return m.scan(data)
}

func (m *mockEngine) factory() (Engine, error) {
	return m, nil
}

var networkFindings = proto.CategorizedFindings{
	"network": {{Category: "network", RuleName: "socket", Description: "Raw socket", Severity: 2}},
}

func testConfig(workers int) *config.Scanner {
	cfg := config.DefaultConfig().Scanner
	cfg.Workers = workers

	return &cfg
}

func newTestScanner(t *testing.T, workers int, timeout time.Duration, factory EngineFactory) *Scanner {
	t.Helper()

	s := NewScanner(testConfig(workers), factory, telemetry.Noop())
	s.timeout = timeout
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func assertFailOpen(t *testing.T, findings proto.CategorizedFindings, err error, code response.ErrorCode) {
	t.Helper()

	require.Error(t, err)
	var triageErr *response.TriageError
	require.True(t, errors.As(err, &triageErr), "error is not a TriageError: %v", err)
	assert.Equal(t, code, triageErr.Code)
	assert.NotNil(t, findings)
	assert.Empty(t, findings)
}

func TestScanSuccess(t *testing.T) {
	engine := &mockEngine{scan: func(data []byte) (proto.CategorizedFindings, error) {
		assert.Equal(t, []byte("payload"), data)
		return networkFindings, nil
	}}
	s := newTestScanner(t, 2, time.Second, engine.factory)

	findings, err := s.Scan(context.Background(), []byte("payload"))
	assert.NoError(t, err)
	assert.Equal(t, networkFindings, findings)
	assert.Equal(t, int32(1), engine.calls.Load())
}

func TestScanNilFindingsBecomeEmpty(t *testing.T) {
	engine := &mockEngine{scan: func([]byte) (proto.CategorizedFindings, error) {
		return nil, nil
	}}
	s := newTestScanner(t, 1, time.Second, engine.factory)

	findings, err := s.Scan(context.Background(), nil)
	assert.NoError(t, err)
	assert.NotNil(t, findings)
	assert.Empty(t, findings)
}

func TestScanFailOpen(t *testing.T) {
	t.Run("EngineConstructionError", func(t *testing.T) {
		s := newTestScanner(t, 1, time.Second, func() (Engine, error) {
			return nil, errors.New("bad rules")
		})

		findings, err := s.Scan(context.Background(), []byte("payload"))
		assertFailOpen(t, findings, err, response.EngineConstructionError)
		assert.Contains(t, err.Error(), "bad rules")
	})

	t.Run("FactoryPanic", func(t *testing.T) {
		s := newTestScanner(t, 1, time.Second, func() (Engine, error) {
			panic("factory exploded")
		})

		findings, err := s.Scan(context.Background(), []byte("payload"))
		assertFailOpen(t, findings, err, response.EngineConstructionError)
	})

	t.Run("EngineScanError", func(t *testing.T) {
		engine := &mockEngine{scan: func([]byte) (proto.CategorizedFindings, error) {
			return networkFindings, errors.New("corrupt archive")
		}}
		s := newTestScanner(t, 1, time.Second, engine.factory)

		findings, err := s.Scan(context.Background(), []byte("payload"))
		assertFailOpen(t, findings, err, response.EngineScanError)
		assert.Contains(t, err.Error(), "corrupt archive")
	})

	t.Run("EnginePanic", func(t *testing.T) {
		engine := &mockEngine{scan: func([]byte) (proto.CategorizedFindings, error) {
			panic("index out of range")
		}}
		s := newTestScanner(t, 1, time.Second, engine.factory)

		findings, err := s.Scan(context.Background(), []byte("payload"))
		assertFailOpen(t, findings, err, response.EngineScanError)

		// The worker survives the panic
		engine.scan = func([]byte) (proto.CategorizedFindings, error) { return networkFindings, nil }
		findings, err = s.Scan(context.Background(), []byte("payload"))
		assert.NoError(t, err)
		assert.Equal(t, networkFindings, findings)
	})

	t.Run("Closed", func(t *testing.T) {
		engine := &mockEngine{scan: func([]byte) (proto.CategorizedFindings, error) {
			return networkFindings, nil
		}}
		s := newTestScanner(t, 1, time.Second, engine.factory)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		findings, err := s.Scan(context.Background(), []byte("payload"))
		assertFailOpen(t, findings, err, response.ScannerClosed)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("CallerCancelled", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		engine := &mockEngine{scan: func([]byte) (proto.CategorizedFindings, error) {
			<-release
			return networkFindings, nil
		}}
		s := newTestScanner(t, 1, time.Minute, engine.factory)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		findings, err := s.Scan(ctx, []byte("payload"))
		assertFailOpen(t, findings, err, response.TimeoutExceeded)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestScanTimeout(t *testing.T) {
	release := make(chan struct{})
	engine := &mockEngine{scan: func([]byte) (proto.CategorizedFindings, error) {
		<-release
		return networkFindings, nil
	}}
	s := newTestScanner(t, 1, 100*time.Millisecond, engine.factory)

	start := time.Now()
	findings, err := s.Scan(context.Background(), []byte("slow"))
	elapsed := time.Since(start)

	assertFailOpen(t, findings, err, response.TimeoutExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	// The engine call keeps running after the caller gave up
	assert.Equal(t, int64(1), s.Orphaned())

	close(release)
	assert.Eventually(t, func() bool { return s.Orphaned() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), engine.calls.Load())
}

func TestQueuedScanAbandonedBeforeStart(t *testing.T) {
	release := make(chan struct{})
	engine := &mockEngine{scan: func(data []byte) (proto.CategorizedFindings, error) {
		if string(data) == "blocker" {
			<-release
		}
		return networkFindings, nil
	}}
	s := newTestScanner(t, 1, 100*time.Millisecond, engine.factory)
	// Keep the pool at one worker so the next scan stays queued
	s.maxReplacements = 0

	// Occupy the only worker
	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		_, _ = s.Scan(context.Background(), []byte("blocker"))
	}()
	require.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// This one times out while still queued
	findings, err := s.Scan(context.Background(), []byte("queued"))
	assertFailOpen(t, findings, err, response.QueueTimeoutExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-blocked
	assert.Equal(t, int64(0), s.Replacements())

	close(release)
	s.timeout = time.Second

	// The queued job is skipped so only the blocker and this scan reach the engine
	findings, err = s.Scan(context.Background(), []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, networkFindings, findings)
	assert.Equal(t, int32(2), engine.calls.Load())
}

func TestOrphanedScanIsReplaced(t *testing.T) {
	release := make(chan struct{})
	engine := &mockEngine{scan: func(data []byte) (proto.CategorizedFindings, error) {
		if string(data) == "hung" {
			<-release
		}
		return networkFindings, nil
	}}
	s := newTestScanner(t, 1, 100*time.Millisecond, engine.factory)

	findings, err := s.Scan(context.Background(), []byte("hung"))
	assertFailOpen(t, findings, err, response.TimeoutExceeded)
	assert.Equal(t, int64(1), s.Orphaned())
	assert.Equal(t, int64(1), s.Replacements())

	// The only original worker is stuck but the replacement picks this up
	findings, err = s.Scan(context.Background(), []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, networkFindings, findings)

	// The stuck worker retires once its call returns
	close(release)
	assert.Eventually(t, func() bool {
		return s.Orphaned() == 0 && s.Replacements() == 0
	}, 2*time.Second, 10*time.Millisecond)

	findings, err = s.Scan(context.Background(), []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, networkFindings, findings)
	assert.Equal(t, int32(3), engine.calls.Load())
}

func TestOrphanReplacementLimit(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	engine := &mockEngine{scan: func(data []byte) (proto.CategorizedFindings, error) {
		<-release
		return networkFindings, nil
	}}
	s := newTestScanner(t, 1, 50*time.Millisecond, engine.factory)
	s.maxReplacements = 1

	// The first orphan gets a replacement which the second one then occupies
	for i := 0; i < 2; i++ {
		findings, err := s.Scan(context.Background(), []byte("hung"))
		assertFailOpen(t, findings, err, response.TimeoutExceeded)
	}

	assert.Equal(t, int64(2), s.Orphaned())
	assert.Equal(t, int64(1), s.Replacements())

	// Nothing is left to pick up a third scan
	findings, err := s.Scan(context.Background(), []byte("queued"))
	assertFailOpen(t, findings, err, response.QueueTimeoutExceeded)
}

func TestSlowScanDoesNotBlockOtherWorkers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	engine := &mockEngine{scan: func(data []byte) (proto.CategorizedFindings, error) {
		if string(data) == "slow" {
			<-release
		}
		return networkFindings, nil
	}}
	s := newTestScanner(t, 4, 5*time.Second, engine.factory)

	go func() {
		_, _ = s.Scan(context.Background(), []byte("slow"))
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			findings, err := s.Scan(context.Background(), []byte("fast"))
			assert.NoError(t, err)
			assert.Equal(t, networkFindings, findings)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("fast scans were blocked by a slow scan")
	}
}

func TestScanTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := telemetry.New(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), tracenoop.NewTracerProvider())
	require.NoError(t, err)

	release := make(chan struct{})
	engine := &mockEngine{scan: func(data []byte) (proto.CategorizedFindings, error) {
		if string(data) == "slow" {
			<-release
		}
		return networkFindings, nil
	}}

	s := NewScanner(testConfig(2), engine.factory, tel)
	s.timeout = 50 * time.Millisecond
	defer s.Close()

	_, err = s.Scan(context.Background(), []byte("fast"))
	require.NoError(t, err)
	_, err = s.Scan(context.Background(), []byte("slow"))
	require.Error(t, err)

	sums := func() map[string]int64 {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))

		out := map[string]int64{}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					continue
				}
				for _, dp := range sum.DataPoints {
					key := m.Name
					if v, ok := dp.Attributes.Value(attribute.Key("outcome")); ok {
						key += "/" + v.AsString()
					}
					out[key] += dp.Value
				}
			}
		}
		return out
	}

	got := sums()
	assert.Equal(t, int64(1), got["scanner.scans/"+telemetry.OutcomeOK])
	assert.Equal(t, int64(1), got["scanner.scans/"+telemetry.OutcomeTimeout])
	assert.Equal(t, int64(1), got["scanner.orphaned_scans"])

	close(release)
	assert.Eventually(t, func() bool { return sums()["scanner.orphaned_scans"] == 0 }, 2*time.Second, 10*time.Millisecond)
}
