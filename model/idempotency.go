package model

import "time"

// Idempotency record status constants.
const (
	IdempotencyInProgress = "IN_PROGRESS"
	IdempotencyCompleted  = "COMPLETED"
	IdempotencyFailed     = "FAILED"
)

// IdempotencyRecord stores the outcome of one keyed command. There is exactly
// one record per (TenantID, ActionKey, Key).
type IdempotencyRecord struct {
	TenantID       string    `json:"tenantId"`
	ActionKey      string    `json:"actionKey"`
	Key            string    `json:"key"`
	UserID         string    `json:"userId,omitempty"`
	RequestHash    string    `json:"requestHash,omitempty"`
	Status         string    `json:"status"`
	ResponseStatus int       `json:"responseStatus,omitempty"`
	ResponseBody   []byte    `json:"responseBody,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Expired reports whether the record is past its retention window.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Stale reports whether an IN_PROGRESS record has outlived the lock timeout.
func (r IdempotencyRecord) Stale(now time.Time, lockTimeout time.Duration) bool {
	return r.Status == IdempotencyInProgress && now.Sub(r.UpdatedAt) >= lockTimeout
}
