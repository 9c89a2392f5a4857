package dispatch

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tessera/model"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const jobColumns = `id, tenant_id, instance_id, events, status, attempts, last_error,
	run_at, lease_until, created_at, updated_at, trace_context`

// PgQueue is a PostgreSQL-backed Queue. Concurrent workers lease distinct
// jobs through FOR UPDATE SKIP LOCKED.
type PgQueue struct {
	pool *pgxpool.Pool
}

// NewPgQueue creates a new PostgreSQL job queue.
func NewPgQueue(pool *pgxpool.Pool) *PgQueue {
	return &PgQueue{pool: pool}
}

// Migrate creates the job table if it does not exist.
func (q *PgQueue) Migrate(ctx context.Context) error {
	if _, err := q.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate job schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (q *PgQueue) HealthCheck(ctx context.Context) error {
	return q.pool.Ping(ctx)
}

// Enqueue inserts a job.
func (q *PgQueue) Enqueue(ctx context.Context, job Job) error {
	eventsJSON, err := json.Marshal(job.Events)
	if err != nil {
		return fmt.Errorf("marshal job events: %w", err)
	}
	var traceJSON []byte
	if len(job.TraceContext) > 0 {
		if traceJSON, err = json.Marshal(job.TraceContext); err != nil {
			return fmt.Errorf("marshal job trace context: %w", err)
		}
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO orchestration_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.TenantID, job.InstanceID, eventsJSON, job.Status, job.Attempts, job.LastError,
		job.RunAt, job.LeaseUntil, job.CreatedAt, job.UpdatedAt, traceJSON,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("job %q already exists", job.ID))
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Dequeue leases the earliest due job.
func (q *PgQueue) Dequeue(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	job, err := scanJob(q.pool.QueryRow(ctx, `
		UPDATE orchestration_jobs SET
			status = 'LEASED', attempts = attempts + 1, lease_until = $2, updated_at = $1
		WHERE id = (
			SELECT id FROM orchestration_jobs
			WHERE (status = 'QUEUED' AND run_at <= $1)
			   OR (status = 'LEASED' AND lease_until < $1)
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, now.Add(lease),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue job: %w", err)
	}
	return job, true, nil
}

// Ack deletes a job.
func (q *PgQueue) Ack(ctx context.Context, jobID string) error {
	return q.exec(ctx, jobID, `DELETE FROM orchestration_jobs WHERE id = $1`, jobID)
}

// Retry requeues a job for runAt.
func (q *PgQueue) Retry(ctx context.Context, jobID string, runAt time.Time, lastErr string) error {
	return q.exec(ctx, jobID, `
		UPDATE orchestration_jobs SET
			status = 'QUEUED', run_at = $2, lease_until = NULL, last_error = $3, updated_at = now()
		WHERE id = $1`,
		jobID, runAt, lastErr,
	)
}

// Fail parks a job.
func (q *PgQueue) Fail(ctx context.Context, jobID string, lastErr string) error {
	return q.exec(ctx, jobID, `
		UPDATE orchestration_jobs SET
			status = 'FAILED', lease_until = NULL, last_error = $2, updated_at = now()
		WHERE id = $1`,
		jobID, lastErr,
	)
}

// ListFailed returns failed jobs, oldest first.
func (q *PgQueue) ListFailed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM orchestration_jobs
		WHERE status = 'FAILED'
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *PgQueue) exec(ctx context.Context, jobID, sql string, args ...any) error {
	tag, err := q.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("job %q not found", jobID))
	}
	return nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		j          Job
		eventsJSON []byte
		traceJSON  []byte
	)
	if err := row.Scan(
		&j.ID, &j.TenantID, &j.InstanceID, &eventsJSON, &j.Status, &j.Attempts, &j.LastError,
		&j.RunAt, &j.LeaseUntil, &j.CreatedAt, &j.UpdatedAt, &traceJSON,
	); err != nil {
		return Job{}, err
	}
	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &j.Events); err != nil {
			return Job{}, fmt.Errorf("unmarshal job events: %w", err)
		}
	}
	if len(traceJSON) > 0 {
		if err := json.Unmarshal(traceJSON, &j.TraceContext); err != nil {
			return Job{}, fmt.Errorf("unmarshal job trace context: %w", err)
		}
	}
	return j, nil
}
