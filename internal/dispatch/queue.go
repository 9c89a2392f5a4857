// Package dispatch turns orchestration requests into durable jobs and runs
// them: a Queue stores jobs, a Worker leases and executes them with bounded
// retries, and the Orchestrator advances one instance per job.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/xid"

	"github.com/pitabwire/tessera/model"
)

// Job status constants. Acknowledged jobs are deleted.
const (
	JobQueued = "QUEUED"
	JobLeased = "LEASED"
	JobFailed = "FAILED"
)

// Job is one orchestration request waiting to be executed.
type Job struct {
	ID         string               `json:"id"`
	TenantID   string               `json:"tenantId"`
	InstanceID string               `json:"instanceId"`
	Events     []model.MachineEvent `json:"events,omitempty"`
	Status     string               `json:"status"`
	Attempts   int                  `json:"attempts"`
	LastError  string               `json:"lastError,omitempty"`
	RunAt      time.Time            `json:"runAt"`
	LeaseUntil *time.Time           `json:"leaseUntil,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`

	// TraceContext carries the W3C trace headers of the enqueuing request.
	TraceContext map[string]string `json:"traceContext,omitempty"`
}

// NewJobID returns instanceID + ":" + a fresh xid, so the jobs of one
// instance sort together.
func NewJobID(instanceID string) string {
	return instanceID + ":" + xid.New().String()
}

// Queue stores jobs.
type Queue interface {
	// Enqueue stores a QUEUED job.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue leases the due job with the earliest RunAt, counting the
	// attempt. A LEASED job whose lease has expired is due again. ok is
	// false when nothing is due.
	Dequeue(ctx context.Context, now time.Time, lease time.Duration) (job Job, ok bool, err error)

	// Ack removes a finished job.
	Ack(ctx context.Context, jobID string) error

	// Retry returns a leased job to the queue, due at runAt.
	Retry(ctx context.Context, jobID string, runAt time.Time, lastErr string) error

	// Fail parks a job as FAILED. Failed jobs are never dequeued.
	Fail(ctx context.Context, jobID string, lastErr string) error

	// ListFailed returns up to limit FAILED jobs, oldest first.
	ListFailed(ctx context.Context, limit int) ([]Job, error)

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

func due(j Job, now time.Time) bool {
	switch j.Status {
	case JobQueued:
		return !j.RunAt.After(now)
	case JobLeased:
		return j.LeaseUntil != nil && j.LeaseUntil.Before(now)
	default:
		return false
	}
}
