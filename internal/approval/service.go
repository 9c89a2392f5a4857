// Package approval exposes approval policies over the generic engine: a
// policy is an APPROVAL definition compiled from business steps, and the
// gate decides whether an action on an entity may proceed.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/idempotency"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/policy"
	"github.com/pitabwire/tessera/internal/rules"
	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

// Gate statuses.
const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// Gate reasons.
const (
	ReasonNoActivePolicy     = "no_active_policy"
	ReasonRulesNotMatched    = "rules_not_matched"
	ReasonPreviouslyApproved = "previously_approved"
	ReasonPreviouslyRejected = "previously_rejected"
)

// Engine is the part of the workflow engine the service drives.
type Engine interface {
	CreateDefinition(ctx context.Context, rctx *model.RequestContext, in workflow.DefinitionInput) (model.Definition, error)
	ResolveDefinition(ctx context.Context, rctx *model.RequestContext, key string, version int) (model.Definition, error)
	ListDefinitions(ctx context.Context, rctx *model.RequestContext, filters model.DefinitionFilters) ([]model.Definition, error)
	SetDefinitionStatus(ctx context.Context, rctx *model.RequestContext, id, status string) (model.Definition, error)
	StartInstance(ctx context.Context, rctx *model.RequestContext, in workflow.StartInput) (model.Instance, bool, error)
}

// Tasks resolves approval tasks.
type Tasks interface {
	Get(ctx context.Context, rctx *model.RequestContext, taskID string) (model.Task, error)
	Complete(ctx context.Context, actor *model.RequestContext, taskID string, output map[string]any, event *model.MachineEvent) (model.Task, error)
}

// Idempotency guards keyed gate requests.
type Idempotency interface {
	StartOrReplay(ctx context.Context, req idempotency.Request) (idempotency.Outcome, error)
	Complete(ctx context.Context, rec model.IdempotencyRecord, status int, body []byte) error
	Fail(ctx context.Context, rec model.IdempotencyRecord, status int, body []byte) error
}

// PolicyInput creates a policy version.
type PolicyInput struct {
	Key      string             `json:"key"             validate:"required"`
	Name     string             `json:"name"`
	Rules    *model.RuleSet     `json:"rules,omitempty"`
	Steps    []model.PolicyStep `json:"steps"`
	Activate bool               `json:"activate"`
}

// PolicyFilter narrows a policy listing.
type PolicyFilter struct {
	Key    string
	Status string
}

// GateRequest asks whether ActionKey may be performed on an entity.
type GateRequest struct {
	ActionKey      string         `json:"actionKey"  validate:"required"`
	EntityType     string         `json:"entityType" validate:"required"`
	EntityID       string         `json:"entityId"   validate:"required"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"-"`
}

// GateResult is the gate's answer. Its encoding is what keyed replays
// return.
type GateResult struct {
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	InstanceID    string `json:"instanceId,omitempty"`
	PolicyKey     string `json:"policyKey,omitempty"`
	PolicyVersion int    `json:"policyVersion,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements the approval commands.
type Service struct {
	engine  Engine
	tasks   Tasks
	gateway Idempotency
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates an approval service.
func NewService(engine Engine, tasks Tasks, gateway Idempotency, opts ...Option) *Service {
	s := &Service{
		engine:  engine,
		tasks:   tasks,
		gateway: gateway,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Policies ---

// CreatePolicy compiles a policy and stores it as a new APPROVAL definition
// version. The version is ACTIVE only when in.Activate is set.
func (s *Service) CreatePolicy(ctx context.Context, rctx *model.RequestContext, in PolicyInput) (model.ApprovalPolicy, error) {
	if err := model.ValidateStruct(in); err != nil {
		return model.ApprovalPolicy{}, err
	}
	spec, err := policy.Compile(model.PolicyDocument{Key: in.Key, Name: in.Name, Rules: in.Rules, Steps: in.Steps})
	if err != nil {
		return model.ApprovalPolicy{}, err
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return model.ApprovalPolicy{}, fmt.Errorf("encode compiled policy %s: %w", in.Key, err)
	}

	status := model.DefinitionStatusInactive
	if in.Activate {
		status = model.DefinitionStatusActive
	}
	def, err := s.engine.CreateDefinition(ctx, rctx, workflow.DefinitionInput{
		Key:    in.Key,
		Name:   in.Name,
		Type:   model.DefinitionTypeApproval,
		Status: status,
		Spec:   raw,
	})
	if err != nil {
		return model.ApprovalPolicy{}, err
	}
	return toPolicy(def)
}

// ListPolicies lists the caller's policy versions.
func (s *Service) ListPolicies(ctx context.Context, rctx *model.RequestContext, filter PolicyFilter) ([]model.ApprovalPolicy, error) {
	defs, err := s.engine.ListDefinitions(ctx, rctx, model.DefinitionFilters{
		Key:    filter.Key,
		Type:   model.DefinitionTypeApproval,
		Status: filter.Status,
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.ApprovalPolicy, 0, len(defs))
	for _, d := range defs {
		p, err := toPolicy(d)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ActivatePolicy makes one version the active policy for its key.
func (s *Service) ActivatePolicy(ctx context.Context, rctx *model.RequestContext, key string, version int) (model.ApprovalPolicy, error) {
	if version <= 0 {
		return model.ApprovalPolicy{}, model.NewFieldValidationError("version", "INVALID_VALUE", "version must be > 0")
	}
	def, err := s.resolvePolicy(ctx, rctx, key, version)
	if err != nil {
		return model.ApprovalPolicy{}, err
	}
	def, err = s.engine.SetDefinitionStatus(ctx, rctx, def.ID, model.DefinitionStatusActive)
	if err != nil {
		return model.ApprovalPolicy{}, err
	}
	return toPolicy(def)
}

// DeactivatePolicy deactivates the active version of key. Later gate
// requests for key are approved with no_active_policy.
func (s *Service) DeactivatePolicy(ctx context.Context, rctx *model.RequestContext, key string) (model.ApprovalPolicy, error) {
	def, err := s.resolvePolicy(ctx, rctx, key, 0)
	if err != nil {
		return model.ApprovalPolicy{}, err
	}
	def, err = s.engine.SetDefinitionStatus(ctx, rctx, def.ID, model.DefinitionStatusInactive)
	if err != nil {
		return model.ApprovalPolicy{}, err
	}
	return toPolicy(def)
}

func (s *Service) resolvePolicy(ctx context.Context, rctx *model.RequestContext, key string, version int) (model.Definition, error) {
	def, err := s.engine.ResolveDefinition(ctx, rctx, key, version)
	if err != nil {
		return model.Definition{}, err
	}
	if def.Type != model.DefinitionTypeApproval {
		return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("policy %q not found", key))
	}
	return def, nil
}

func toPolicy(def model.Definition) (model.ApprovalPolicy, error) {
	doc, err := policy.FromSpec(def.Spec)
	if err != nil {
		return model.ApprovalPolicy{}, fmt.Errorf("definition %s: %w", def.ID, err)
	}
	return model.ApprovalPolicy{
		DefinitionID: def.ID,
		Key:          def.Key,
		Version:      def.Version,
		Name:         def.Name,
		Status:       def.Status,
		Rules:        doc.Rules,
		Steps:        doc.Steps,
		CreatedAt:    def.CreatedAt,
	}, nil
}

// --- Gate ---

// RequireApproval decides whether an action on an entity may proceed. With
// an idempotency key, a retried request replays the first answer and a
// reused key with another request is rejected.
func (s *Service) RequireApproval(ctx context.Context, rctx *model.RequestContext, req GateRequest) (res GateResult, err error) {
	if _, err := model.TenantOf(rctx); err != nil {
		return GateResult{}, err
	}
	if err := model.ValidateStruct(req); err != nil {
		return GateResult{}, err
	}

	ctx, span := observability.StartSpan(ctx, "approval.gate",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrActionKey.String(req.ActionKey),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(observability.AttrGateStatus.String(res.Status))
		}
		observability.EndSpanWithError(span, err)
	}()

	if req.IdempotencyKey == "" {
		return s.decide(ctx, rctx, req)
	}

	// 1. Claim the key or replay.
	hash, err := idempotency.HashRequest(req.ActionKey, req.EntityType, req.EntityID, req.Payload)
	if err != nil {
		return GateResult{}, fmt.Errorf("hash gate request: %w", err)
	}
	out, err := s.gateway.StartOrReplay(ctx, idempotency.Request{
		TenantID:    rctx.TenantID,
		ActionKey:   req.ActionKey,
		Key:         req.IdempotencyKey,
		UserID:      rctx.SubjectID,
		RequestHash: hash,
	})
	if err != nil {
		return GateResult{}, err
	}
	switch out.Kind {
	case idempotency.OutcomeStarted:
	case idempotency.OutcomeReplay:
		return decodeResult(out.Record)
	case idempotency.OutcomeFailed:
		return GateResult{}, decodeFailure(out.Record)
	case idempotency.OutcomeMismatch:
		return GateResult{}, model.NewMismatchError(req.IdempotencyKey)
	default:
		return GateResult{}, model.NewInProgressError(req.IdempotencyKey)
	}

	// 2. Decide and record the answer.
	res, err = s.decide(ctx, rctx, req)
	if err != nil {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) && env.Code != model.ErrInternalError {
			// Client errors are final for this key. Anything else leaves the
			// claim to go stale so a retry can reclaim it.
			return GateResult{}, s.recordFailure(ctx, rctx, out.Record, env)
		}
		return GateResult{}, err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return GateResult{}, fmt.Errorf("encode gate result: %w", err)
	}
	if err := s.gateway.Complete(ctx, out.Record, http.StatusOK, body); err != nil {
		return GateResult{}, err
	}
	return res, nil
}

func (s *Service) decide(ctx context.Context, rctx *model.RequestContext, req GateRequest) (GateResult, error) {
	logger := observability.RequestLogger(ctx, s.logger).With(
		zap.String("action_key", req.ActionKey),
		zap.String("entity_type", req.EntityType),
		zap.String("entity_id", req.EntityID),
	)

	// 1. Find the active policy.
	def, err := s.resolvePolicy(ctx, rctx, req.ActionKey, 0)
	if model.IsCode(err, model.ErrNotFound) {
		return s.answer(logger, GateResult{Status: StatusApproved, Reason: ReasonNoActivePolicy}), nil
	}
	if err != nil {
		return GateResult{}, err
	}
	doc, err := policy.FromSpec(def.Spec)
	if err != nil {
		return GateResult{}, fmt.Errorf("policy %s: %w", def.Key, err)
	}
	res := GateResult{PolicyKey: def.Key, PolicyVersion: def.Version}

	// 2. Evaluate its rules against the payload.
	if ce := logger.Check(zap.DebugLevel, "evaluating policy rules"); ce != nil {
		ce.Write(zap.Int("policy_version", def.Version), zap.Any("payload", observability.RedactBody(req.Payload, nil)))
	}
	if doc.Rules != nil && !rules.Evaluate(doc.Rules, req.Payload) {
		res.Status, res.Reason = StatusApproved, ReasonRulesNotMatched
		return s.answer(logger, res), nil
	}

	// 3. Start, or find, the approval instance for this entity.
	inst, created, err := s.engine.StartInstance(ctx, rctx, workflow.StartInput{
		DefinitionID: def.ID,
		BusinessKey:  BusinessKey(req.ActionKey, req.EntityType, req.EntityID),
		Context: map[string]any{
			"actionKey":  req.ActionKey,
			"entityType": req.EntityType,
			"entityId":   req.EntityID,
			"payload":    req.Payload,
		},
		StartEvent: &model.MachineEvent{Type: policy.EventRequested},
	})
	if err != nil {
		return GateResult{}, err
	}
	res.InstanceID = inst.ID
	res.Status = StatusPending

	if !created {
		switch {
		case inst.Status == model.InstanceStatusCompleted && inst.CurrentState == policy.StateApproved:
			res.Status, res.Reason = StatusApproved, ReasonPreviouslyApproved
		case inst.Status == model.InstanceStatusCompleted && inst.CurrentState == policy.StateRejected:
			res.Status, res.Reason = StatusRejected, ReasonPreviouslyRejected
		case inst.Status == model.InstanceStatusCancelled:
			return GateResult{}, model.NewConflictError(fmt.Sprintf("approval instance %q was cancelled", inst.ID))
		}
	}
	return s.answer(logger, res), nil
}

func (s *Service) answer(logger *zap.Logger, res GateResult) GateResult {
	s.metrics.RecordApprovalGate(res.Status, res.Reason)
	logger.Info("approval gate answered",
		zap.String("status", res.Status),
		zap.String("reason", res.Reason),
		zap.String("instance_id", res.InstanceID),
	)
	return res
}

// BusinessKey identifies the approval instance of one action on one entity.
func BusinessKey(actionKey, entityType, entityID string) string {
	return strings.Join([]string{actionKey, entityType, entityID}, ":")
}

func decodeResult(rec model.IdempotencyRecord) (GateResult, error) {
	var res GateResult
	if err := json.Unmarshal(rec.ResponseBody, &res); err != nil {
		return GateResult{}, fmt.Errorf("decode stored gate result: %w", err)
	}
	return res, nil
}

// RecordedFailure is a client error stored against an idempotency key. Body
// is the complete response and is written verbatim every time the key is
// retried.
type RecordedFailure struct {
	Status int
	Body   []byte

	env *model.ErrorEnvelope
}

func (f *RecordedFailure) Error() string { return f.env.Error() }

// Unwrap exposes the envelope to model.IsCode.
func (f *RecordedFailure) Unwrap() error { return f.env }

// recordFailure stamps env with the trace of the failing request and stores
// the response for the key. When the store write fails the key stays
// IN_PROGRESS and env is returned unrecorded.
func (s *Service) recordFailure(ctx context.Context, rctx *model.RequestContext, rec model.IdempotencyRecord, env *model.ErrorEnvelope) error {
	stamped := *env
	if stamped.TraceID == "" {
		stamped.TraceID = observability.TraceIDFromContext(ctx)
	}
	if stamped.TraceID == "" {
		stamped.TraceID = rctx.CorrelationID
	}
	status := model.HTTPStatus(stamped.Code)

	logger := observability.RequestLogger(ctx, s.logger).With(
		zap.String("action_key", rec.ActionKey),
		zap.String("idempotency_key", rec.Key),
	)
	body, err := json.Marshal(model.ErrorResponse{Error: &stamped})
	if err != nil {
		logger.Error("encode failed gate response", zap.Error(err))
		return env
	}
	if err := s.gateway.Fail(ctx, rec, status, body); err != nil {
		logger.Error("record failed gate response", zap.Error(err))
		return env
	}
	return &RecordedFailure{Status: status, Body: body, env: &stamped}
}

func decodeFailure(rec model.IdempotencyRecord) error {
	var resp model.ErrorResponse
	if err := json.Unmarshal(rec.ResponseBody, &resp); err != nil || resp.Error == nil || resp.Error.Code == "" {
		return model.NewInternalError()
	}
	status := rec.ResponseStatus
	if status == 0 {
		status = model.HTTPStatus(resp.Error.Code)
	}
	return &RecordedFailure{Status: status, Body: rec.ResponseBody, env: resp.Error}
}

// --- Decisions ---

// DecideTask approves or rejects one step of an approval.
func (s *Service) DecideTask(ctx context.Context, rctx *model.RequestContext, taskID, decision, comment string) (model.Task, error) {
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return model.Task{}, model.NewFieldValidationError("decision", "INVALID_VALUE",
			fmt.Sprintf("decision must be %s or %s", model.DecisionApprove, model.DecisionReject))
	}
	task, err := s.tasks.Get(ctx, rctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if task.Input.PolicyKey == "" {
		return model.Task{}, model.NewFieldValidationError("taskId", "NOT_APPROVAL_TASK",
			fmt.Sprintf("task %q is not an approval step", taskID))
	}

	output := map[string]any{
		"decision":  decision,
		"decidedBy": rctx.SubjectID,
		"decidedAt": s.now().Format(time.RFC3339),
	}
	if comment != "" {
		output["comment"] = comment
	}
	resolved, err := s.tasks.Complete(ctx, rctx, taskID, output, nil)
	if err != nil {
		return model.Task{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("approval step decided",
		zap.String("task_id", taskID),
		zap.String("policy_key", task.Input.PolicyKey),
		zap.Int("step", task.Input.StepNumber),
		zap.String("decision", decision),
	)
	return resolved, nil
}
