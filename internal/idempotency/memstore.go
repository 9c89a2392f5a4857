package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/tessera/model"
)

// MemoryStore is an in-memory Store. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.IdempotencyRecord
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.IdempotencyRecord)}
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Claim inserts or reclaims a record under the store mutex.
func (s *MemoryStore) Claim(_ context.Context, rec model.IdempotencyRecord, lockTimeout time.Duration) (model.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(rec.TenantID, rec.ActionKey, rec.Key)
	existing, ok := s.records[k]
	if ok && !reclaimable(existing, rec, rec.UpdatedAt, lockTimeout) {
		return existing, false, nil
	}
	if ok && !existing.Expired(rec.UpdatedAt) {
		rec.CreatedAt = existing.CreatedAt
	}
	s.records[k] = rec
	return rec, true, nil
}

// Finish stores the outcome of a claimed record.
func (s *MemoryStore) Finish(_ context.Context, rec model.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(rec.TenantID, rec.ActionKey, rec.Key)
	if _, ok := s.records[k]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("idempotency record %q not found", rec.Key))
	}
	s.records[k] = rec
	return nil
}

// Len returns the number of records, expired ones included. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
