package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/tessera/model"
)

// MemoryQueue is an in-memory Queue for tests and single-process
// deployments.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[string]Job
	order []string
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]Job)}
}

// HealthCheck always succeeds.
func (q *MemoryQueue) HealthCheck(context.Context) error {
	return nil
}

// Enqueue stores a job.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[job.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("job %q already exists", job.ID))
	}
	job.Events = slices.Clone(job.Events)
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	return nil
}

// Dequeue leases the earliest due job.
func (q *MemoryQueue) Dequeue(_ context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		picked Job
		found  bool
	)
	for _, id := range q.order {
		j := q.jobs[id]
		if !due(j, now) {
			continue
		}
		if !found || j.RunAt.Before(picked.RunAt) {
			picked, found = j, true
		}
	}
	if !found {
		return Job{}, false, nil
	}

	until := now.Add(lease)
	picked.Status = JobLeased
	picked.Attempts++
	picked.LeaseUntil = &until
	picked.UpdatedAt = now
	q.jobs[picked.ID] = picked
	return picked, true, nil
}

// Ack removes a job.
func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[jobID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("job %q not found", jobID))
	}
	delete(q.jobs, jobID)
	q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == jobID })
	return nil
}

// Retry requeues a job for runAt.
func (q *MemoryQueue) Retry(_ context.Context, jobID string, runAt time.Time, lastErr string) error {
	return q.update(jobID, func(j *Job) {
		j.Status = JobQueued
		j.RunAt = runAt
		j.LeaseUntil = nil
		j.LastError = lastErr
	})
}

// Fail parks a job.
func (q *MemoryQueue) Fail(_ context.Context, jobID string, lastErr string) error {
	return q.update(jobID, func(j *Job) {
		j.Status = JobFailed
		j.LeaseUntil = nil
		j.LastError = lastErr
	})
}

// ListFailed returns failed jobs in enqueue order.
func (q *MemoryQueue) ListFailed(_ context.Context, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for _, id := range q.order {
		if j := q.jobs[id]; j.Status == JobFailed {
			out = append(out, j)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Len returns the number of stored jobs, failed ones included.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *MemoryQueue) update(jobID string, fn func(*Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("job %q not found", jobID))
	}
	fn(&j)
	q.jobs[jobID] = j
	return nil
}
