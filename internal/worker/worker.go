// Package worker runs the job queue consumer: a dispatch loop that claims
// jobs under a concurrency ceiling, per-job handlers with exponential-backoff
// retry, a delayed-job promoter, and the supervisor that owns their lifecycle.
//
// One Worker runs one dispatch loop, one promoter, and at most Concurrency
// handler goroutines. Multiple processes may run against the same Redis keys;
// the queue's atomic claim is what makes that safe.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/julianstephens/photo-gallery-sub002/internal/artifact"
	"github.com/julianstephens/photo-gallery-sub002/internal/objstore"
	"github.com/julianstephens/photo-gallery-sub002/internal/queue"
	"github.com/julianstephens/photo-gallery-sub002/internal/results"
)

const (
	// backpressureInterval is the dispatch loop's re-check sleep while the
	// concurrency ceiling is reached.
	backpressureInterval = 50 * time.Millisecond

	// claimErrorBackoff is the fixed pause after a store fault during claim.
	// Store faults are operational hiccups, never job outcomes.
	claimErrorBackoff = time.Second
)

// Supervisor lifecycle states.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
)

// Generator computes the visual artifact for raw image bytes. It must be pure:
// handlers call it concurrently.
type Generator func(data []byte) (*artifact.Artifact, error)

// Config holds worker tuning parameters (sourced from config.Config).
type Config struct {
	// Concurrency is the job handler ceiling. Default 2.
	Concurrency int
	// MaxRetries is the attempt count at which a job becomes terminally
	// failed. Default 3.
	MaxRetries int
	// PollInterval bounds the blocking claim; a stop signal is observed
	// within one interval. Default 1s.
	PollInterval time.Duration
	// PromoteInterval is the delayed-job promoter period. Default 5s.
	PromoteInterval time.Duration
}

// Stats is a point-in-time snapshot of the worker's process-local counters.
// Liveness and metrics only — never used for correctness.
type Stats struct {
	JobsProcessed       int64 `json:"jobsProcessed"`
	JobsFailed          int64 `json:"jobsFailed"`
	ActiveJobs          int64 `json:"activeJobs"`
	PeakActiveJobs      int64 `json:"peakActiveJobs"`
	AvgProcessingTimeMs int64 `json:"avgProcessingTimeMs"`
	IsRunning           bool  `json:"isRunning"`
}

// Worker supervises the dispatch loop, the delayed-job promoter, and all
// in-flight job handlers.
type Worker struct {
	queue    *queue.Queue
	results  *results.Store
	objects  objstore.Client
	generate Generator
	cfg      Config
	log      *slog.Logger
	id       string // instance id, distinguishes processes sharing the queue

	state atomic.Int32

	active      atomic.Int64
	peakActive  atomic.Int64
	processed   atomic.Int64
	failed      atomic.Int64
	processedMs atomic.Int64

	handlers     sync.WaitGroup
	stop         chan struct{}
	loopDone     chan struct{}
	promoterDone chan struct{}
}

// New creates a Worker. objects fetches image bytes; generate may be nil, in
// which case artifact.Generate is used. Zero Config fields get defaults.
func New(q *queue.Queue, rs *results.Store, objects objstore.Client, generate Generator, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 5 * time.Second
	}
	if generate == nil {
		generate = artifact.Generate
	}
	initMetrics()
	return &Worker{
		queue:    q,
		results:  rs,
		objects:  objects,
		generate: generate,
		cfg:      cfg,
		log:      slog.Default(),
		id:       uuid.New().String(),
	}
}

// Start sweeps orphaned processing references back onto pending, then launches
// the dispatch loop and the delayed-job promoter. No-op with a warning when
// already running.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(stateIdle, stateRunning) {
		w.log.Warn("worker already running", "worker_id", w.id)
		return nil
	}

	// Crash recovery: anything still on processing was orphaned by an
	// ungraceful exit. A duplicate attempt beats silent loss.
	n, err := w.queue.RecoverProcessing(ctx)
	if err != nil {
		w.state.Store(stateIdle)
		return fmt.Errorf("worker start: %w", err)
	}
	if n > 0 {
		w.log.Info("requeued orphaned jobs", "count", n, "worker_id", w.id)
	}

	w.stop = make(chan struct{})
	w.loopDone = make(chan struct{})
	w.promoterDone = make(chan struct{})

	go w.runDispatch()
	go w.runPromoter()

	w.log.Info("worker started",
		"worker_id", w.id,
		"concurrency", w.cfg.Concurrency,
		"max_retries", w.cfg.MaxRetries,
		"poll_interval", w.cfg.PollInterval,
	)
	return nil
}

// Stop signals the dispatch loop to stop claiming, waits for it and the
// promoter to exit, then waits for every in-flight handler. When Stop returns
// nil, every claimed job has reached a terminal or delayed state — nothing is
// abandoned mid-flight. ctx bounds the wait. No-op with a warning when not
// running.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.state.CompareAndSwap(stateRunning, stateStopping) {
		w.log.Warn("worker not running", "worker_id", w.id)
		return nil
	}
	close(w.stop)

	done := make(chan struct{})
	go func() {
		<-w.loopDone
		<-w.promoterDone
		w.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.state.Store(stateIdle)
		w.log.Info("worker stopped", "worker_id", w.id)
		return nil
	case <-ctx.Done():
		w.state.Store(stateIdle)
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the process-local counters.
func (w *Worker) Stats() Stats {
	processed := w.processed.Load()
	var avg int64
	if processed > 0 {
		avg = w.processedMs.Load() / processed
	}
	return Stats{
		JobsProcessed:       processed,
		JobsFailed:          w.failed.Load(),
		ActiveJobs:          w.active.Load(),
		PeakActiveJobs:      w.peakActive.Load(),
		AvgProcessingTimeMs: avg,
		IsRunning:           w.state.Load() == stateRunning,
	}
}

// runDispatch claims jobs and spawns handlers until stop is signalled. The
// claim's bounded timeout is what keeps stop latency within one PollInterval.
func (w *Worker) runDispatch() {
	defer close(w.loopDone)
	ctx := context.Background()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		if w.active.Load() >= int64(w.cfg.Concurrency) {
			if !w.sleep(backpressureInterval) {
				return
			}
			continue
		}

		job, err := w.queue.ClaimNext(ctx, w.cfg.PollInterval)
		if errors.Is(err, queue.ErrCorruptJob) {
			// Unprocessable, not retryable. No stats movement.
			w.log.Warn("discarded corrupt job reference", "error", err)
			continue
		}
		if err != nil {
			w.log.Error("claim next job", "error", err)
			if !w.sleep(claimErrorBackoff) {
				return
			}
			continue
		}
		if job == nil {
			continue // bounded wait elapsed with nothing pending
		}

		// Increment before spawning: the next loop iteration must see the
		// claimed slot, or a burst could pass the ceiling check twice.
		n := w.active.Add(1)
		w.recordPeak(n)
		activeJobsGauge.Inc()

		w.handlers.Add(1)
		go func(job *queue.Job) {
			defer w.handlers.Done()
			defer func() {
				w.active.Add(-1)
				activeJobsGauge.Dec()
			}()
			w.handle(ctx, job)
		}(job)
	}
}

// runPromoter periodically moves ready delayed jobs back onto pending. Purely
// additive: the dispatch loop's ceiling check is the sole gate on parallelism.
func (w *Worker) runPromoter() {
	defer close(w.promoterDone)
	ticker := time.NewTicker(w.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			n, err := w.queue.PromoteReady(context.Background(), time.Now())
			if err != nil {
				w.log.Error("promote delayed jobs", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("promoted delayed jobs", "count", n)
			}
		}
	}
}

// handle executes one claimed job to a terminal or rescheduled outcome. It
// never returns an error: every failure path ends in a durable queue state.
func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	start := time.Now()
	w.log.Info("processing job",
		"job_id", job.ID,
		"storage_key", job.StorageKey,
		"tenant_id", job.TenantID,
		"collection", job.Collection,
		"attempts", job.Attempts,
	)

	if err := w.results.MarkProcessing(ctx, job.ID); err != nil {
		w.log.Error("mark result processing", "job_id", job.ID, "error", err)
	}

	if err := w.runJob(ctx, job); err != nil {
		w.retryOrFail(ctx, job, err)
		return
	}

	if err := w.queue.Release(ctx, job.ID); err != nil {
		w.log.Error("release job", "job_id", job.ID, "error", err)
	}
	if err := w.queue.DeleteJob(ctx, job.ID); err != nil {
		w.log.Error("delete job record", "job_id", job.ID, "error", err)
	}

	elapsed := time.Since(start)
	w.processed.Add(1)
	w.processedMs.Add(elapsed.Milliseconds())
	jobsProcessedTotal.Inc()
	jobDurationSeconds.Observe(elapsed.Seconds())
	w.log.Info("job completed", "job_id", job.ID, "elapsed_ms", elapsed.Milliseconds())
}

// runJob is the fallible middle of a handling attempt: fetch, generate,
// persist. A panic anywhere inside is recovered and treated as a processing
// failure so it can never kill the dispatch loop.
func (w *Worker) runJob(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	data, _, err := w.objects.Fetch(ctx, job.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", job.StorageKey, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("fetch %s: empty object", job.StorageKey)
	}

	art, err := w.generate(data)
	if err != nil {
		return fmt.Errorf("generate artifact: %w", err)
	}

	if err := w.results.Complete(ctx, job.ID, art); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	return nil
}

// retryOrFail converts a failed attempt into a bounded retry or a terminal
// failure. The job leaves processing exactly once: either after landing in
// delayed, or after the failed result is durable.
func (w *Worker) retryOrFail(ctx context.Context, job *queue.Job, jobErr error) {
	attempts, err := w.queue.IncrementAttempts(ctx, job.ID)
	if err != nil {
		w.log.Error("increment attempts", "job_id", job.ID, "error", err)
		attempts = job.Attempts + 1
	}

	if attempts >= w.cfg.MaxRetries {
		w.log.Warn("job failed permanently",
			"job_id", job.ID,
			"storage_key", job.StorageKey,
			"attempts", attempts,
			"error", jobErr,
		)
		if err := w.results.Fail(ctx, job.ID, jobErr.Error()); err != nil {
			w.log.Error("mark result failed", "job_id", job.ID, "error", err)
		}
		if err := w.queue.Release(ctx, job.ID); err != nil {
			w.log.Error("release job", "job_id", job.ID, "error", err)
		}
		if err := w.queue.DeleteJob(ctx, job.ID); err != nil {
			w.log.Error("delete job record", "job_id", job.ID, "error", err)
		}
		w.failed.Add(1)
		jobsFailedTotal.Inc()
		return
	}

	backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	w.log.Warn("job failed, scheduling retry",
		"job_id", job.ID,
		"storage_key", job.StorageKey,
		"attempt", attempts,
		"backoff", backoff,
		"error", jobErr,
	)
	if err := w.queue.ScheduleDelayed(ctx, job.ID, time.Now().Add(backoff)); err != nil {
		// Leave the reference on processing: the startup sweep will requeue
		// it. Releasing now would drop the job entirely.
		w.log.Error("schedule retry", "job_id", job.ID, "error", err)
		return
	}
	if err := w.queue.Release(ctx, job.ID); err != nil {
		w.log.Error("release job", "job_id", job.ID, "error", err)
	}
}

// sleep pauses for d, returning false when stop is signalled first. Uses an
// explicit timer (not time.After) to avoid leaks in the loop.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stop:
		return false
	case <-timer.C:
		return true
	}
}

// recordPeak lifts the peak-active watermark to n if it is higher.
func (w *Worker) recordPeak(n int64) {
	for {
		peak := w.peakActive.Load()
		if n <= peak || w.peakActive.CompareAndSwap(peak, n) {
			return
		}
	}
}
