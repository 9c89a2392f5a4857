package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/tessera/internal/pgtest"
	"github.com/pitabwire/tessera/model"
)

func newPgStore(t *testing.T) *PgStore {
	t.Helper()
	s := NewPgStore(pgtest.NewPool(t))
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestGateway_PgStore(t *testing.T) {
	gatewayContract(t, func(t *testing.T, _ *fakeClock) Store { return newPgStore(t) })
}

func claimRecord(key, hash string, now time.Time) model.IdempotencyRecord {
	return model.IdempotencyRecord{
		TenantID:    "acme",
		ActionKey:   "journal.post",
		Key:         key,
		UserID:      "u1",
		RequestHash: hash,
		Status:      model.IdempotencyInProgress,
		ExpiresAt:   now.Add(DefaultTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPgStore_Claim_race_has_one_winner(t *testing.T) {
	s := newPgStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, claimed, err := s.Claim(ctx, claimRecord("k1", "h1", now), DefaultLockTimeout)
			if err != nil {
				t.Errorf("Claim error: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestPgStore_Claim_reclaims_stale_lock(t *testing.T) {
	s := newPgStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, claimed, err := s.Claim(ctx, claimRecord("k1", "h1", now), DefaultLockTimeout)
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = s.Claim(ctx, claimRecord("k1", "h1", now.Add(time.Second)), DefaultLockTimeout)
	require.NoError(t, err)
	assert.False(t, claimed, "fresh lock must not be taken over")

	later := now.Add(DefaultLockTimeout + time.Second)
	taken, claimed, err := s.Claim(ctx, claimRecord("k1", "h1", later), DefaultLockTimeout)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.True(t, taken.CreatedAt.Equal(first.CreatedAt), "reclaim keeps the original creation time")
	assert.True(t, taken.UpdatedAt.Equal(later))
}

func TestPgStore_Finish_and_PurgeExpired(t *testing.T) {
	s := newPgStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rec, _, err := s.Claim(ctx, claimRecord("k1", "h1", now), DefaultLockTimeout)
	require.NoError(t, err)
	rec.Status = model.IdempotencyFailed
	rec.ResponseStatus = 409
	rec.ResponseBody = []byte(`{"error":{"code":"CONFLICT"}}`)
	require.NoError(t, s.Finish(ctx, rec))

	stored, claimed, err := s.Claim(ctx, claimRecord("k1", "h1", now), DefaultLockTimeout)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, rec.ResponseBody, stored.ResponseBody)

	missing := claimRecord("nope", "h1", now)
	assert.True(t, model.IsCode(s.Finish(ctx, missing), model.ErrNotFound))

	purged, err := s.PurgeExpired(ctx, now.Add(DefaultTTL))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
