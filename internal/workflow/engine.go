package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/definition"
	"github.com/pitabwire/tessera/internal/machine"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/model"
)

const defaultConflictRetries = 5

// Enqueuer hands an orchestration request to the dispatcher.
type Enqueuer interface {
	EnqueueOrchestrator(ctx context.Context, req model.OrchestrationRequest) error
}

// DefinitionInput is the body of a create-definition command. Spec is the raw
// state-machine document; it is schema-validated here and nowhere else.
type DefinitionInput struct {
	Key     string          `json:"key"               validate:"required"`
	Name    string          `json:"name"`
	Type    string          `json:"type,omitempty"    validate:"omitempty,oneof=GENERIC APPROVAL"`
	Version int             `json:"version,omitempty" validate:"gte=0"`
	Status  string          `json:"status,omitempty"  validate:"omitempty,oneof=ACTIVE INACTIVE ARCHIVED"`
	Spec    json.RawMessage `json:"spec"`
}

// StartInput is the body of a start-instance command. Exactly one of
// DefinitionID or DefinitionKey selects the definition; with a key, a zero
// Version selects the ACTIVE version.
type StartInput struct {
	DefinitionID  string              `json:"definitionId,omitempty"`
	DefinitionKey string              `json:"definitionKey,omitempty"`
	Version       int                 `json:"version,omitempty"     validate:"gte=0"`
	BusinessKey   string              `json:"businessKey,omitempty"`
	Context       map[string]any      `json:"context,omitempty"`
	StartEvent    *model.MachineEvent `json:"startEvent,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConflictRetries bounds how often a revision conflict is retried.
func WithConflictRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.conflictRetries = n
		}
	}
}

// Engine implements the generic workflow commands. It never runs the
// interpreter itself: every state change is delegated to the dispatcher
// through the Enqueuer.
type Engine struct {
	store           Store
	enqueuer        Enqueuer
	logger          *zap.Logger
	metrics         *observability.Metrics
	now             func() time.Time
	conflictRetries int
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, enqueuer Enqueuer, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		enqueuer:        enqueuer,
		logger:          zap.NewNop(),
		now:             func() time.Time { return time.Now().UTC() },
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewEvent builds an event for the log. Seq is assigned by the store.
func NewEvent(tenantID, instanceID, eventType string, payload map[string]any, now time.Time) model.Event {
	return model.Event{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		InstanceID: instanceID,
		Type:       eventType,
		Payload:    payload,
		CreatedAt:  now,
	}
}

// --- Definitions ---

// CreateDefinition validates and stores a new definition version.
func (e *Engine) CreateDefinition(ctx context.Context, rctx *model.RequestContext, in DefinitionInput) (model.Definition, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return model.Definition{}, err
	}

	// 1. Validate the envelope.
	if err := model.ValidateStruct(in); err != nil {
		return model.Definition{}, err
	}

	// 2. Validate the document: schema, then structure.
	spec, err := definition.ValidateDocument(in.Spec)
	if err != nil {
		return model.Definition{}, err
	}

	// 3. Fill defaults.
	def := model.Definition{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Key:       in.Key,
		Version:   in.Version,
		Name:      in.Name,
		Status:    in.Status,
		Type:      in.Type,
		Spec:      spec,
		CreatedAt: e.now(),
	}
	if def.Status == "" {
		def.Status = model.DefinitionStatusActive
	}
	if def.Type == "" {
		def.Type = model.DefinitionTypeGeneric
	}
	if def.Name == "" {
		def.Name = def.Key
	}

	// 4. Persist.
	stored, err := e.store.CreateDefinition(ctx, def)
	if err != nil {
		return model.Definition{}, err
	}

	e.metrics.RecordDefinitionCreated(stored.Type)
	observability.RequestLogger(ctx, e.logger).Info("definition created",
		zap.String("definition_id", stored.ID),
		zap.String("key", stored.Key),
		zap.Int("version", stored.Version),
		zap.String("status", stored.Status),
	)
	return stored, nil
}

// GetDefinition returns one definition of the caller's tenant.
func (e *Engine) GetDefinition(ctx context.Context, rctx *model.RequestContext, id string) (model.Definition, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return model.Definition{}, err
	}
	return e.store.GetDefinition(ctx, tenantID, id)
}

// ResolveDefinition finds a definition by key; version 0 means ACTIVE.
func (e *Engine) ResolveDefinition(ctx context.Context, rctx *model.RequestContext, key string, version int) (model.Definition, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return model.Definition{}, err
	}
	return e.store.ResolveDefinition(ctx, tenantID, key, version)
}

// ListDefinitions lists the caller's definitions.
func (e *Engine) ListDefinitions(ctx context.Context, rctx *model.RequestContext, filters model.DefinitionFilters) ([]model.Definition, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return nil, err
	}
	return e.store.ListDefinitions(ctx, tenantID, filters)
}

// SetDefinitionStatus activates, deactivates or archives a definition.
func (e *Engine) SetDefinitionStatus(ctx context.Context, rctx *model.RequestContext, id, status string) (model.Definition, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return model.Definition{}, err
	}
	switch status {
	case model.DefinitionStatusActive, model.DefinitionStatusInactive, model.DefinitionStatusArchived:
	default:
		return model.Definition{}, model.NewFieldValidationError("status", "INVALID_VALUE",
			fmt.Sprintf("status %q must be ACTIVE, INACTIVE or ARCHIVED", status))
	}
	def, err := e.store.SetDefinitionStatus(ctx, tenantID, id, status)
	if err != nil {
		return model.Definition{}, err
	}
	observability.RequestLogger(ctx, e.logger).Info("definition status changed",
		zap.String("definition_id", def.ID),
		zap.String("key", def.Key),
		zap.String("status", def.Status),
	)
	return def, nil
}

// --- Instances ---

// StartInstance creates an instance and its INSTANCE_STARTED event, then
// enqueues an orchestration job. With a business key the call is idempotent:
// a second start returns the existing instance with created=false and
// re-enqueues it if it is still live, so a lost job is recovered by retrying.
func (e *Engine) StartInstance(ctx context.Context, rctx *model.RequestContext, in StartInput) (model.Instance, bool, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return model.Instance{}, false, err
	}
	if err := model.ValidateStruct(in); err != nil {
		return model.Instance{}, false, err
	}
	if in.StartEvent != nil && in.StartEvent.Type == "" {
		return model.Instance{}, false, model.NewFieldValidationError("startEvent.type", "REQUIRED", "startEvent.type is required")
	}

	// 1. Resolve the definition.
	def, err := e.resolveForStart(ctx, tenantID, in)
	if err != nil {
		return model.Instance{}, false, err
	}

	// 2. Build the initial snapshot; caller context overrides spec context.
	snap := machine.Initial(def.Spec)
	if snap.Context == nil && len(in.Context) > 0 {
		snap.Context = make(map[string]any, len(in.Context))
	}
	maps.Copy(snap.Context, in.Context)

	now := e.now()
	inst := model.Instance{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		DefinitionID: def.ID,
		BusinessKey:  in.BusinessKey,
		Status:       model.InstanceStatusPending,
		CurrentState: snap.State,
		Context:      snap.Context,
		StartedAt:    now,
		UpdatedAt:    now,
	}

	// 3. Persist the instance with its first event.
	started := NewEvent(tenantID, inst.ID, model.EventInstanceStarted, map[string]any{
		"definitionId":  def.ID,
		"definitionKey": def.Key,
		"version":       def.Version,
		"startedBy":     rctx.SubjectID,
	}, now)
	if in.BusinessKey != "" {
		started.Payload["businessKey"] = in.BusinessKey
	}
	started.Signal = in.StartEvent

	stored, created, err := e.store.StartInstance(ctx, inst, started)
	if err != nil {
		return model.Instance{}, false, err
	}

	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("instance_id", stored.ID),
		zap.String("definition_key", def.Key),
	)
	if created {
		e.metrics.RecordInstanceStarted(def.Key)
		logger.Info("instance started", zap.String("business_key", in.BusinessKey))
	} else {
		logger.Debug("instance already exists for business key", zap.String("business_key", in.BusinessKey))
	}

	// 4. Hand over to the dispatcher.
	if !stored.Terminal() {
		var events []model.MachineEvent
		if created && in.StartEvent != nil {
			events = []model.MachineEvent{*in.StartEvent}
		}
		if err := e.enqueue(ctx, tenantID, stored.ID, events); err != nil {
			return stored, created, err
		}
	}
	return stored, created, nil
}

func (e *Engine) resolveForStart(ctx context.Context, tenantID string, in StartInput) (model.Definition, error) {
	var (
		def model.Definition
		err error
	)
	switch {
	case in.DefinitionID != "" && in.DefinitionKey != "":
		return model.Definition{}, model.NewFieldValidationError("definitionId", "AMBIGUOUS",
			"only one of definitionId and definitionKey may be set")
	case in.DefinitionID != "":
		def, err = e.store.GetDefinition(ctx, tenantID, in.DefinitionID)
	case in.DefinitionKey != "":
		def, err = e.store.ResolveDefinition(ctx, tenantID, in.DefinitionKey, in.Version)
	default:
		return model.Definition{}, model.NewFieldValidationError("definitionId", "REQUIRED",
			"definitionId or definitionKey is required")
	}
	if err != nil {
		return model.Definition{}, err
	}
	if def.Status == model.DefinitionStatusArchived {
		return model.Definition{}, model.NewConflictError(
			fmt.Sprintf("definition %s v%d is archived", def.Key, def.Version))
	}
	return def, nil
}

// SendEvent appends an external event to a live instance and enqueues it.
func (e *Engine) SendEvent(ctx context.Context, rctx *model.RequestContext, instanceID string, ev model.MachineEvent) (model.Event, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return model.Event{}, err
	}
	if ev.Type == "" {
		return model.Event{}, model.NewFieldValidationError("type", "REQUIRED", "event type is required")
	}

	// The store rejects the signal if the instance is already terminal.
	received := NewEvent(tenantID, instanceID, model.EventReceived, map[string]any{
		"type":   ev.Type,
		"sentBy": rctx.SubjectID,
	}, e.now())
	received.Signal = &ev

	appended, err := e.store.AppendEvents(ctx, tenantID, instanceID, received)
	if err != nil {
		return model.Event{}, err
	}

	observability.RequestLogger(ctx, e.logger).Info("event received",
		zap.String("instance_id", instanceID),
		zap.String("event", ev.Type),
	)
	if err := e.enqueue(ctx, tenantID, instanceID, []model.MachineEvent{ev}); err != nil {
		return appended[0], err
	}
	return appended[0], nil
}

// CancelInstance marks a live instance CANCELLED. Cancelling a cancelled
// instance is a no-op; cancelling a completed one is a CONFLICT.
func (e *Engine) CancelInstance(ctx context.Context, rctx *model.RequestContext, instanceID, reason string) (model.Instance, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return model.Instance{}, err
	}

	for attempt := 0; ; attempt++ {
		inst, err := e.store.GetInstance(ctx, tenantID, instanceID)
		if err != nil {
			return model.Instance{}, err
		}
		switch inst.Status {
		case model.InstanceStatusCancelled:
			return inst, nil
		case model.InstanceStatusCompleted:
			return model.Instance{}, model.NewConflictError(fmt.Sprintf("instance %q is already COMPLETED", instanceID))
		}

		now := e.now()
		inst.Status = model.InstanceStatusCancelled
		inst.UpdatedAt = now
		inst.CompletedAt = &now

		payload := map[string]any{"cancelledBy": rctx.SubjectID}
		if reason != "" {
			payload["reason"] = reason
		}
		updated, err := e.store.ApplyTransition(ctx, Transition{
			Instance: inst,
			Events:   []model.Event{NewEvent(tenantID, instanceID, model.EventInstanceCancelled, payload, now)},
		})
		if model.IsCode(err, model.ErrConflict) && attempt+1 < e.conflictRetries {
			continue
		}
		if err != nil {
			return model.Instance{}, err
		}

		observability.RequestLogger(ctx, e.logger).Info("instance cancelled",
			zap.String("instance_id", instanceID),
			zap.String("reason", reason),
		)
		e.metrics.RecordInstanceFinished(e.definitionKey(ctx, tenantID, inst.DefinitionID), model.InstanceStatusCancelled)
		return updated, nil
	}
}

// GetInstance returns one instance of the caller's tenant.
func (e *Engine) GetInstance(ctx context.Context, rctx *model.RequestContext, id string) (model.Instance, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return model.Instance{}, err
	}
	return e.store.GetInstance(ctx, tenantID, id)
}

// ListInstances lists the caller's instances, newest first.
func (e *Engine) ListInstances(ctx context.Context, rctx *model.RequestContext, filters model.InstanceFilters) ([]model.Instance, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return nil, err
	}
	return e.store.ListInstances(ctx, tenantID, filters)
}

// ListEvents returns the full audit history of an instance.
func (e *Engine) ListEvents(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.Event, error) {
	tenantID, err := model.TenantOf(rctx)
	if err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, tenantID, instanceID, 0)
}

func (e *Engine) enqueue(ctx context.Context, tenantID, instanceID string, events []model.MachineEvent) error {
	err := e.enqueuer.EnqueueOrchestrator(ctx, model.OrchestrationRequest{
		TenantID:   tenantID,
		InstanceID: instanceID,
		Events:     events,
	})
	if err != nil {
		observability.RequestLogger(ctx, e.logger).Error("enqueue orchestration failed",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return fmt.Errorf("enqueue orchestration for %s: %w", instanceID, err)
	}
	return nil
}

func (e *Engine) definitionKey(ctx context.Context, tenantID, definitionID string) string {
	def, err := e.store.GetDefinition(ctx, tenantID, definitionID)
	if err != nil {
		return definitionID
	}
	return def.Key
}
