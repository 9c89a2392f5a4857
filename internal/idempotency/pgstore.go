package idempotency

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/tessera/model"
)

//go:embed schema.sql
var schemaSQL string

const recordColumns = `tenant_id, action_key, key, user_id, request_hash, status,
	response_status, response_body, expires_at, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL idempotency store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the idempotency table if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate idempotency schema: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Claim inserts with ON CONFLICT DO NOTHING; on conflict the existing row is
// locked and conditionally taken over in the same transaction.
func (s *PgStore) Claim(ctx context.Context, rec model.IdempotencyRecord, lockTimeout time.Duration) (model.IdempotencyRecord, bool, error) {
	var (
		stored  model.IdempotencyRecord
		claimed bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (tenant_id, action_key, key) DO NOTHING`,
			rec.TenantID, rec.ActionKey, rec.Key, rec.UserID, rec.RequestHash, rec.Status,
			rec.ResponseStatus, rec.ResponseBody, rec.ExpiresAt, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert idempotency record: %w", err)
		}
		if tag.RowsAffected() == 1 {
			stored, claimed = rec, true
			return nil
		}

		existing, err := scanRecord(tx.QueryRow(ctx, `
			SELECT `+recordColumns+`
			FROM idempotency_records
			WHERE tenant_id = $1 AND action_key = $2 AND key = $3
			FOR UPDATE`,
			rec.TenantID, rec.ActionKey, rec.Key,
		))
		if err != nil {
			return fmt.Errorf("lock idempotency record: %w", err)
		}
		if !reclaimable(existing, rec, rec.UpdatedAt, lockTimeout) {
			stored = existing
			return nil
		}

		taken := rec
		if !existing.Expired(rec.UpdatedAt) {
			taken.CreatedAt = existing.CreatedAt
		}
		if _, err := tx.Exec(ctx, `
			UPDATE idempotency_records SET
				user_id = $4, request_hash = $5, status = $6, response_status = $7,
				response_body = $8, expires_at = $9, created_at = $10, updated_at = $11
			WHERE tenant_id = $1 AND action_key = $2 AND key = $3`,
			taken.TenantID, taken.ActionKey, taken.Key, taken.UserID, taken.RequestHash, taken.Status,
			taken.ResponseStatus, taken.ResponseBody, taken.ExpiresAt, taken.CreatedAt, taken.UpdatedAt,
		); err != nil {
			return fmt.Errorf("reclaim idempotency record: %w", err)
		}
		stored, claimed = taken, true
		return nil
	})
	if err != nil {
		return model.IdempotencyRecord{}, false, err
	}
	return stored, claimed, nil
}

// Finish stores the outcome of a claimed record.
func (s *PgStore) Finish(ctx context.Context, rec model.IdempotencyRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records SET
			status = $4, response_status = $5, response_body = $6, updated_at = $7
		WHERE tenant_id = $1 AND action_key = $2 AND key = $3`,
		rec.TenantID, rec.ActionKey, rec.Key, rec.Status, rec.ResponseStatus, rec.ResponseBody, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("idempotency record %q not found", rec.Key))
	}
	return nil
}

// PurgeExpired deletes records past their retention window.
func (s *PgStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := row.Scan(
		&rec.TenantID, &rec.ActionKey, &rec.Key, &rec.UserID, &rec.RequestHash, &rec.Status,
		&rec.ResponseStatus, &rec.ResponseBody, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IdempotencyRecord{}, model.NewNotFoundError("idempotency record not found")
	}
	return rec, err
}
