package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/model"
)

// Job outcomes reported to metrics.
const (
	outcomeSucceeded = "succeeded"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)

// Processor executes the work a job stands for.
type Processor interface {
	Process(ctx context.Context, tenantID, instanceID string) error
	ReportFailure(ctx context.Context, job Job, cause error) error
}

// Worker leases jobs from a Queue and runs them on a bounded goroutine pool.
// A failing job is retried with exponential backoff until its attempts are
// exhausted, then parked as FAILED and reported on its instance.
type Worker struct {
	queue     Queue
	processor Processor
	opts      options
}

// NewWorker creates a worker.
func NewWorker(queue Queue, processor Processor, opts ...Option) *Worker {
	return &Worker{queue: queue, processor: processor, opts: newOptions(opts)}
}

// Run polls the queue until ctx is cancelled, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	pool, err := ants.NewPool(w.opts.workers, ants.WithPanicHandler(func(p any) {
		w.opts.logger.Error("orchestration job panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	defer wg.Wait()

	// In-flight jobs finish even after shutdown begins.
	jobCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(w.opts.pollInterval)
	defer ticker.Stop()

	w.opts.logger.Info("worker started",
		zap.Int("workers", w.opts.workers),
		zap.Duration("poll_interval", w.opts.pollInterval),
		zap.Int("max_attempts", w.opts.maxAttempts),
	)
	for {
		for ctx.Err() == nil {
			job, ok, err := w.queue.Dequeue(ctx, w.opts.now(), w.opts.lease)
			if err != nil {
				if ctx.Err() == nil {
					w.opts.logger.Error("dequeue failed", zap.Error(err))
				}
				break
			}
			if !ok {
				break
			}
			wg.Add(1)
			if err := pool.Submit(func() {
				defer wg.Done()
				w.execute(jobCtx, job)
			}); err != nil {
				wg.Done()
				w.opts.logger.Error("submit job failed", zap.String("job_id", job.ID), zap.Error(err))
				w.retry(jobCtx, job, err)
			}
		}

		select {
		case <-ctx.Done():
			w.opts.logger.Info("worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases and executes one due job synchronously. It reports whether
// a job was found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := w.queue.Dequeue(ctx, w.opts.now(), w.opts.lease)
	if err != nil || !ok {
		return false, err
	}
	w.execute(ctx, job)
	return true, nil
}

// Drain runs jobs synchronously until none is due.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ran, err := w.RunOnce(ctx)
		if err != nil || !ran {
			return n, err
		}
		n++
	}
}

func (w *Worker) execute(ctx context.Context, job Job) {
	ctx, span := observability.StartLinkedSpan(ctx, "worker.job", job.TraceContext,
		observability.AttrJobID.String(job.ID),
		observability.AttrJobAttempt.Int(job.Attempts),
		observability.AttrTenantID.String(job.TenantID),
		observability.AttrInstanceID.String(job.InstanceID),
	)
	logger := w.opts.logger.With(
		zap.String("job_id", job.ID),
		zap.String("instance_id", job.InstanceID),
		zap.Int("attempt", job.Attempts),
	)
	ctx = model.WithRequestContext(ctx, model.NewSystemContext(job.TenantID, "dispatcher"))
	logger = observability.RequestLogger(ctx, logger)

	start := w.opts.now()
	err := w.processor.Process(ctx, job.TenantID, job.InstanceID)
	observability.EndSpanWithError(span, err)

	if err == nil {
		if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
			logger.Error("ack job failed", zap.Error(ackErr))
		}
		w.opts.metrics.RecordJob(outcomeSucceeded, w.opts.now().Sub(start))
		return
	}

	if job.Attempts < w.opts.maxAttempts {
		w.retry(ctx, job, err)
		w.opts.metrics.RecordJob(outcomeRetried, w.opts.now().Sub(start))
		return
	}

	if failErr := w.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
		logger.Error("park failed job failed", zap.Error(failErr))
	}
	if repErr := w.processor.ReportFailure(ctx, job, err); repErr != nil {
		logger.Error("report orchestration failure failed", zap.Error(repErr))
	}
	w.opts.metrics.RecordJob(outcomeFailed, w.opts.now().Sub(start))
	logger.Error("orchestration job failed permanently", zap.Error(err))
}

func (w *Worker) retry(ctx context.Context, job Job, cause error) {
	delay := w.Delay(job.Attempts)
	if err := w.queue.Retry(ctx, job.ID, w.opts.now().Add(delay), cause.Error()); err != nil {
		w.opts.logger.Error("requeue job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.opts.logger.Warn("orchestration job will be retried",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

// Delay returns the wait before the retry that follows attempt (1-based):
// base, 2*base, 4*base and so on, capped at the maximum delay.
func (w *Worker) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = w.opts.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for range max(attempt, 1) {
		d = b.NextBackOff()
	}
	return d
}
