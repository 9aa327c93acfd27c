package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rattlesnake/gateway/pkg/config"
	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/proto"
	"github.com/rattlesnake/gateway/pkg/response"
	"github.com/rattlesnake/gateway/pkg/telemetry"
)

// ErrClosed is the cause for scans requested after Close
var ErrClosed = errors.New("scanner is closed")

// failOpen lists every failure the scanner recovers from along with the
// outcome it is reported as. Each of them is substituted with empty findings.
var failOpen = map[response.ErrorCode]string{
	response.EngineConstructionError: telemetry.OutcomeEngineConstructionError,
	response.EngineScanError:         telemetry.OutcomeEngineScanError,
	response.TimeoutExceeded:         telemetry.OutcomeTimeout,
	response.QueueTimeoutExceeded:    telemetry.OutcomeQueueTimeout,
	response.ScannerClosed:           telemetry.OutcomeClosed,
}

const (
	jobPending int32 = iota
	jobRunning
	jobDone
	jobAbandoned
)

type result struct {
	findings proto.CategorizedFindings
	err      *response.TriageError
}

// job is a single scan handed to the workers. done is the completion handle
// and only receives a result if the job moved from running to done.
// replaced is set when a replacement worker was started for the job after it
// was abandoned while running.
type job struct {
	data     []byte
	done     chan result
	state    atomic.Int32
	replaced atomic.Bool
}

// Scanner runs engine scans on its own pool of worker goroutines so that
// slow scans never block the goroutines that handle connections
type Scanner struct {
	factory   EngineFactory
	jobs      chan *job
	quit      chan struct{}
	closeOnce sync.Once
	telemetry *telemetry.Instruments
	timeout   time.Duration
	workers   int
	orphaned  atomic.Int64

	// Each orphaned engine call gets a replacement worker, up to
	// maxReplacements at a time. The worker running the orphan exits when
	// the call returns.
	maxReplacements int64
	replacements    atomic.Int64
}

// NewScanner returns a initialized and listening scanner instance that should
// be closed when it's no longer needed.
func NewScanner(cfg *config.Scanner, factory EngineFactory, tel *telemetry.Instruments) *Scanner {
	scanner := &Scanner{
		factory:   factory,
		jobs:      make(chan *job, cfg.MaxQueueSize),
		quit:      make(chan struct{}),
		telemetry: tel,
		timeout:   cfg.ScanTimeout(),
		workers:   max(cfg.Workers, 1),

		maxReplacements: int64(max(cfg.MaxOrphanedScans, 0)),
	}

	scanner.start()
	return scanner
}

// Close stops the workers. Workers in the middle of an engine call stop once
// it returns. Scans waiting on the scanner fail open.
func (s *Scanner) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})

	return nil
}

// Orphaned returns the number of engine calls still running after the scan
// that started them gave up
func (s *Scanner) Orphaned() int64 {
	return s.orphaned.Load()
}

// Replacements returns the number of workers started to stand in for
// orphaned engine calls
func (s *Scanner) Replacements() int64 {
	return s.replacements.Load()
}

// Scan runs the engine over data within the scan timeout. It always returns
// usable findings: on any failure the findings are empty and the error says
// what was substituted.
func (s *Scanner) Scan(ctx context.Context, data []byte) (proto.CategorizedFindings, error) {
	ctx, span := s.telemetry.Start(ctx, "scanner.scan", attribute.Int("scanner.payload_bytes", len(data)))
	defer span.End()

	start := time.Now()

	select {
	case <-s.quit:
		return s.finish(ctx, start, result{err: response.NewError(response.ScannerClosed, ErrClosed)})
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	j := &job{data: data, done: make(chan result, 1)}

	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return s.finish(ctx, start, s.timedOut(ctx, false))
	case <-s.quit:
		return s.finish(ctx, start, result{err: response.NewError(response.ScannerClosed, ErrClosed)})
	}

	select {
	case r := <-j.done:
		return s.finish(ctx, start, r)
	case <-ctx.Done():
		r, finished, started := s.abandon(ctx, j)
		if finished {
			return s.finish(ctx, start, r)
		}

		return s.finish(ctx, start, s.timedOut(ctx, started))
	case <-s.quit:
		if r, finished, _ := s.abandon(ctx, j); finished {
			return s.finish(ctx, start, r)
		}

		return s.finish(ctx, start, result{err: response.NewError(response.ScannerClosed, ErrClosed)})
	}
}

// timedOut builds the timeout error. started tells whether an engine ever
// picked the job up.
func (s *Scanner) timedOut(ctx context.Context, started bool) result {
	if !started {
		err := fmt.Errorf("scan was still queued after %s: %w", s.timeout, ctx.Err())
		return result{err: response.NewError(response.QueueTimeoutExceeded, err)}
	}

	err := fmt.Errorf("scan did not finish within %s: %w", s.timeout, ctx.Err())

	return result{err: response.NewError(response.TimeoutExceeded, err)}
}

// abandon gives up on j. If j already finished, its result is returned.
// started reports whether a worker picked j up.
func (s *Scanner) abandon(ctx context.Context, j *job) (r result, finished, started bool) {
	if j.state.CompareAndSwap(jobPending, jobAbandoned) {
		return result{}, false, false
	}

	// Reserve before the worker can see the abandoned state
	replace := s.reserveReplacement()
	j.replaced.Store(replace)

	if j.state.CompareAndSwap(jobRunning, jobAbandoned) {
		orphaned := s.orphaned.Add(1)
		s.telemetry.OrphanStarted(ctx)

		if replace {
			go s.listenForJobs()
			logger.Warning("abandoning running scan, starting a replacement worker: orphaned=%d", orphaned)
		} else {
			logger.Warning(
				"abandoning running scan, replacement limit reached: orphaned=%d max_orphaned_scans=%d",
				orphaned, s.maxReplacements,
			)
		}

		return result{}, false, true
	}

	if replace {
		j.replaced.Store(false)
		s.replacements.Add(-1)
	}

	// The worker moved it to done so the result is on its way
	return <-j.done, true, true
}

func (s *Scanner) reserveReplacement() bool {
	for {
		n := s.replacements.Load()
		if n >= s.maxReplacements {
			return false
		}

		if s.replacements.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// finish applies the fail open table and records the outcome
func (s *Scanner) finish(ctx context.Context, start time.Time, r result) (proto.CategorizedFindings, error) {
	elapsed := time.Since(start)
	span := trace.SpanFromContext(ctx)

	if r.err == nil {
		s.telemetry.ScanFinished(ctx, telemetry.OutcomeOK, elapsed)
		span.SetAttributes(attribute.Int("scanner.findings", r.findings.Count()))
		return r.findings, nil
	}

	outcome, ok := failOpen[r.err.Code]
	if !ok {
		outcome = telemetry.OutcomeEngineScanError
	}

	s.telemetry.ScanFinished(ctx, outcome, elapsed)
	span.RecordError(r.err)
	span.SetStatus(codes.Error, outcome)

	return proto.CategorizedFindings{}, r.err
}

// start kicks off the background workers
func (s *Scanner) start() {
	for i := 0; i < s.workers; i++ {
		go s.listenForJobs()
	}
}

// Watch the job queue for scans
func (s *Scanner) listenForJobs() {
	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			if retire := s.process(j); retire {
				return
			}
		}
	}
}

// process runs j and reports whether this worker should exit because a
// replacement took its place while j was orphaned
func (s *Scanner) process(j *job) bool {
	if !j.state.CompareAndSwap(jobPending, jobRunning) {
		logger.Debug("skipping abandoned scan")
		return false
	}

	start := time.Now()
	r := s.run(j.data)

	if j.state.CompareAndSwap(jobRunning, jobDone) {
		j.done <- r
		return false
	}

	remaining := s.orphaned.Add(-1)
	s.telemetry.OrphanFinished(context.Background())
	logger.Warning(
		"abandoned scan finished: elapsed=%q orphaned=%d error=%v",
		time.Since(start).String(), remaining, r.err,
	)

	if j.replaced.Load() {
		s.replacements.Add(-1)
		return true
	}

	return false
}

// run calls the factory and engine turning errors and panics into coded
// errors
func (s *Scanner) run(data []byte) (r result) {
	code := response.EngineConstructionError

	defer func() {
		if p := recover(); p != nil {
			r = result{err: response.NewError(code, fmt.Errorf("engine panicked: %v", p))}
		}
	}()

	engine, err := s.factory()
	if err != nil {
		return result{err: response.NewError(code, fmt.Errorf("could not create engine: %w", err))}
	}

	code = response.EngineScanError
	findings, err := engine.Scan(data)
	if err != nil {
		return result{err: response.NewError(code, fmt.Errorf("engine scan failed: %w", err))}
	}

	if findings == nil {
		findings = proto.CategorizedFindings{}
	}

	return result{findings: findings}
}
