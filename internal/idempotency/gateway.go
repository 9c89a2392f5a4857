package idempotency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/model"
)

// Outcome kinds returned by StartOrReplay.
const (
	OutcomeStarted    = "STARTED"
	OutcomeReplay     = "REPLAY"
	OutcomeInProgress = "IN_PROGRESS"
	OutcomeMismatch   = "MISMATCH"
	OutcomeFailed     = "FAILED"
)

// Defaults used when no option overrides them.
const (
	DefaultTTL         = 24 * time.Hour
	DefaultLockTimeout = 2 * time.Minute
)

// Request identifies one keyed command.
type Request struct {
	TenantID    string `validate:"required"`
	ActionKey   string `validate:"required"`
	Key         string `validate:"required,max=255"`
	UserID      string
	RequestHash string
}

// Outcome classifies a request. Record is the claimed record for STARTED,
// and the stored one otherwise; REPLAY and FAILED carry the response to
// return verbatim.
type Outcome struct {
	Kind   string
	Record model.IdempotencyRecord
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTTL sets how long records are retained.
func WithTTL(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithLockTimeout sets the age after which an IN_PROGRESS record is stale.
func WithLockTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.lockTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway guarantees at-most-once execution per (tenant, actionKey, key).
type Gateway struct {
	store       Store
	ttl         time.Duration
	lockTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewGateway creates a new idempotency gateway.
func NewGateway(store Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:       store,
		ttl:         DefaultTTL,
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartOrReplay claims the key on first sight or classifies the request
// against the stored record.
func (g *Gateway) StartOrReplay(ctx context.Context, req Request) (Outcome, error) {
	if err := model.ValidateStruct(req); err != nil {
		return Outcome{}, err
	}

	now := g.now()
	rec := model.IdempotencyRecord{
		TenantID:    req.TenantID,
		ActionKey:   req.ActionKey,
		Key:         req.Key,
		UserID:      req.UserID,
		RequestHash: req.RequestHash,
		Status:      model.IdempotencyInProgress,
		ExpiresAt:   now.Add(g.ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	stored, claimed, err := g.store.Claim(ctx, rec, g.lockTimeout)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	out := Outcome{Kind: classify(stored, req, claimed), Record: stored}
	g.metrics.RecordIdempotencyOutcome(req.ActionKey, out.Kind)
	observability.RequestLogger(ctx, g.logger).Debug("idempotency outcome",
		zap.String("action_key", req.ActionKey),
		zap.String("idempotency_key", req.Key),
		zap.String("outcome", out.Kind),
	)
	return out, nil
}

func classify(stored model.IdempotencyRecord, req Request, claimed bool) string {
	switch {
	case claimed:
		return OutcomeStarted
	case stored.RequestHash != req.RequestHash:
		return OutcomeMismatch
	case stored.Status == model.IdempotencyCompleted:
		return OutcomeReplay
	case stored.Status == model.IdempotencyFailed:
		return OutcomeFailed
	default:
		return OutcomeInProgress
	}
}

// Complete stores a successful response for a STARTED record.
func (g *Gateway) Complete(ctx context.Context, rec model.IdempotencyRecord, status int, body []byte) error {
	return g.finish(ctx, rec, model.IdempotencyCompleted, status, body)
}

// Fail stores an error response for a STARTED record. Later requests with
// the same key replay it.
func (g *Gateway) Fail(ctx context.Context, rec model.IdempotencyRecord, status int, body []byte) error {
	return g.finish(ctx, rec, model.IdempotencyFailed, status, body)
}

func (g *Gateway) finish(ctx context.Context, rec model.IdempotencyRecord, status string, code int, body []byte) error {
	rec.Status = status
	rec.ResponseStatus = code
	rec.ResponseBody = body
	rec.UpdatedAt = g.now()
	if err := g.store.Finish(ctx, rec); err != nil {
		observability.RequestLogger(ctx, g.logger).Error("storing idempotent response failed",
			zap.String("action_key", rec.ActionKey),
			zap.String("idempotency_key", rec.Key),
			zap.Error(err),
		)
		return fmt.Errorf("finish idempotency key: %w", err)
	}
	return nil
}
