package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/model"
)

// Defaults used when no option overrides them.
const (
	DefaultWorkers         = 8
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultMaxAttempts     = 5
	DefaultBaseDelay       = 2 * time.Second
	DefaultMaxDelay        = 5 * time.Minute
	DefaultLease           = time.Minute
	DefaultConflictRetries = 5
)

type options struct {
	logger          *zap.Logger
	metrics         *observability.Metrics
	now             func() time.Time
	workers         int
	pollInterval    time.Duration
	maxAttempts     int
	baseDelay       time.Duration
	maxDelay        time.Duration
	lease           time.Duration
	conflictRetries int
}

func newOptions(opts []Option) options {
	o := options{
		logger:          zap.NewNop(),
		now:             func() time.Time { return time.Now().UTC() },
		workers:         DefaultWorkers,
		pollInterval:    DefaultPollInterval,
		maxAttempts:     DefaultMaxAttempts,
		baseDelay:       DefaultBaseDelay,
		maxDelay:        DefaultMaxDelay,
		lease:           DefaultLease,
		conflictRetries: DefaultConflictRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures the Dispatcher, Worker and Orchestrator. Each ignores
// the settings that do not concern it.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithWorkers sets the size of the worker pool.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPollInterval sets how often an idle worker polls the queue.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithRetry sets the attempt bound and the exponential backoff range.
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(o *options) {
		if maxAttempts > 0 {
			o.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			o.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			o.maxDelay = maxDelay
		}
	}
}

// WithLease sets how long a dequeued job is hidden from other workers.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithConflictRetries bounds the reload-and-retry loop on revision
// conflicts.
func WithConflictRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.conflictRetries = n
		}
	}
}

// Dispatcher turns orchestration requests into queued jobs.
type Dispatcher struct {
	queue Queue
	opts  options
}

// NewDispatcher creates a dispatcher writing to queue.
func NewDispatcher(queue Queue, opts ...Option) *Dispatcher {
	return &Dispatcher{queue: queue, opts: newOptions(opts)}
}

// EnqueueOrchestrator stores exactly one job for req.
func (d *Dispatcher) EnqueueOrchestrator(ctx context.Context, req model.OrchestrationRequest) error {
	if req.TenantID == "" || req.InstanceID == "" {
		return model.NewBadRequestError("orchestration request requires tenantId and instanceId")
	}

	now := d.opts.now()
	job := Job{
		ID:           NewJobID(req.InstanceID),
		TenantID:     req.TenantID,
		InstanceID:   req.InstanceID,
		Events:       req.Events,
		TraceContext: observability.InjectTraceContext(ctx),
		Status:       JobQueued,
		RunAt:        now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	d.opts.metrics.RecordJobEnqueued()
	observability.RequestLogger(ctx, d.opts.logger).Debug("orchestration job enqueued",
		zap.String("job_id", job.ID),
		zap.String("instance_id", job.InstanceID),
		zap.Int("events", len(job.Events)),
	)
	return nil
}
