package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/tessera/model"
)

// maxClaimRounds bounds the SETNX/GET race where a record expires between
// the two calls.
const maxClaimRounds = 3

// compareAndSet replaces KEYS[1] with ARGV[2] only while it still holds
// ARGV[1]. ARGV[3] is the new TTL in milliseconds.
var compareAndSet = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// RedisStore is a Redis-backed Store. Record expiry is delegated to the key
// TTL, so an expired record is simply absent.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Claim uses SETNX for first sight and a compare-and-set script to take over
// a stale record.
func (s *RedisStore) Claim(ctx context.Context, rec model.IdempotencyRecord, lockTimeout time.Duration) (model.IdempotencyRecord, bool, error) {
	k := recordKey(rec.TenantID, rec.ActionKey, rec.Key)
	data, err := json.Marshal(rec)
	if err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("marshal idempotency record: %w", err)
	}
	ttl := remaining(rec)

	for range maxClaimRounds {
		ok, err := s.client.SetNX(ctx, k, data, ttl).Result()
		if err != nil {
			return model.IdempotencyRecord{}, false, fmt.Errorf("redis setnx %q: %w", k, err)
		}
		if ok {
			return rec, true, nil
		}

		raw, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return model.IdempotencyRecord{}, false, fmt.Errorf("redis get %q: %w", k, err)
		}
		var existing model.IdempotencyRecord
		if err := json.Unmarshal([]byte(raw), &existing); err != nil {
			return model.IdempotencyRecord{}, false, fmt.Errorf("unmarshal idempotency record %q: %w", k, err)
		}
		if !reclaimable(existing, rec, rec.UpdatedAt, lockTimeout) {
			return existing, false, nil
		}

		taken := rec
		taken.CreatedAt = existing.CreatedAt
		takenData, err := json.Marshal(taken)
		if err != nil {
			return model.IdempotencyRecord{}, false, fmt.Errorf("marshal idempotency record: %w", err)
		}
		swapped, err := compareAndSet.Run(ctx, s.client, []string{k}, raw, takenData, ttl.Milliseconds()).Int()
		if err != nil {
			return model.IdempotencyRecord{}, false, fmt.Errorf("redis reclaim %q: %w", k, err)
		}
		if swapped == 1 {
			return taken, true, nil
		}
		// Another claimant won the swap; classify against its record.
	}
	return model.IdempotencyRecord{}, false, fmt.Errorf("claim %q: record changed concurrently", k)
}

// Finish overwrites the record with its outcome, keeping its expiry.
func (s *RedisStore) Finish(ctx context.Context, rec model.IdempotencyRecord) error {
	k := recordKey(rec.TenantID, rec.ActionKey, rec.Key)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, k, data, remaining(rec)).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", k, err)
	}
	return nil
}

// remaining is the TTL left on rec, measured from its last update.
func remaining(rec model.IdempotencyRecord) time.Duration {
	ttl := rec.ExpiresAt.Sub(rec.UpdatedAt)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
