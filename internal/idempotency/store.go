// Package idempotency deduplicates keyed commands. A Gateway classifies each
// request against the stored record for (tenant, actionKey, key); the Store
// implementations make the first-sight claim atomic.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitabwire/tessera/model"
)

// Store persists idempotency records.
type Store interface {
	// Claim inserts rec as IN_PROGRESS unless a live record exists for its
	// (TenantID, ActionKey, Key). An expired record counts as absent. A
	// stale IN_PROGRESS record with the same request hash is taken over.
	// Otherwise the existing record is returned with claimed=false. Two
	// concurrent claims never both succeed.
	Claim(ctx context.Context, rec model.IdempotencyRecord, lockTimeout time.Duration) (stored model.IdempotencyRecord, claimed bool, err error)

	// Finish records the final status and response of a claimed record.
	Finish(ctx context.Context, rec model.IdempotencyRecord) error

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

// reclaimable reports whether a claim for incoming may replace existing.
func reclaimable(existing, incoming model.IdempotencyRecord, now time.Time, lockTimeout time.Duration) bool {
	if existing.Expired(now) {
		return true
	}
	return existing.Stale(now, lockTimeout) && existing.RequestHash == incoming.RequestHash
}

// HashRequest returns the SHA-256 of the canonical JSON encoding of parts.
// encoding/json sorts map keys, so equal payloads hash equally regardless of
// construction order.
func HashRequest(parts ...any) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for i, p := range parts {
		if err := enc.Encode(p); err != nil {
			return "", fmt.Errorf("hash request part %d: %w", i, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func recordKey(tenantID, actionKey, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", tenantID, actionKey, key)
}
