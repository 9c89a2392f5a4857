package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/tessera/internal/access"
	"github.com/pitabwire/tessera/internal/dispatch"
	"github.com/pitabwire/tessera/internal/idempotency"
	"github.com/pitabwire/tessera/internal/tasks"
	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

const releaseAction = "payments.release"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fixture struct {
	svc    *Service
	engine *workflow.Engine
	tasks  *tasks.Manager
	worker *dispatch.Worker
	ops    *model.RequestContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)}

	dir, err := access.NewStaticDirectory("testdata/directory.yaml")
	require.NoError(t, err)

	store := workflow.NewMemoryStore()
	queue := dispatch.NewMemoryQueue()
	dispatcher := dispatch.NewDispatcher(queue, dispatch.WithClock(c.Now))
	engine := workflow.NewEngine(store, dispatcher, workflow.WithClock(c.Now))
	manager := tasks.NewManager(store, dir, dispatcher, tasks.WithClock(c.Now))
	orch := dispatch.NewOrchestrator(store, manager, dispatch.WithClock(c.Now))
	gateway := idempotency.NewGateway(idempotency.NewMemoryStore(), idempotency.WithClock(c.Now))

	return &fixture{
		svc:    NewService(engine, manager, gateway, WithClock(c.Now)),
		engine: engine,
		tasks:  manager,
		worker: dispatch.NewWorker(queue, orch, dispatch.WithClock(c.Now)),
		ops:    actor("ops"),
	}
}

func actor(user string) *model.RequestContext {
	return &model.RequestContext{SubjectID: user, TenantID: "acme"}
}

func (f *fixture) createReleasePolicy(t *testing.T) model.ApprovalPolicy {
	t.Helper()
	p, err := f.svc.CreatePolicy(context.Background(), f.ops, PolicyInput{
		Key:  releaseAction,
		Name: "Payment release",
		Rules: &model.RuleSet{All: []model.Condition{
			{Field: "amount", Operator: model.OpGt, Value: 100},
		}},
		Steps: []model.PolicyStep{
			{Name: "Finance review", AssigneeRoleID: "finance-approver"},
			{Name: "Treasury sign-off", AssigneePermissionKey: "payments:release", DueInHours: 24},
		},
		Activate: true,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	_, err := f.worker.Drain(context.Background())
	require.NoError(t, err)
}

func (f *fixture) pendingTasks(t *testing.T, instanceID string) []model.Task {
	t.Helper()
	all, err := f.tasks.ListTasks(context.Background(), f.ops, instanceID)
	require.NoError(t, err)
	var out []model.Task
	for _, task := range all {
		if task.Status == model.TaskStatusPending {
			out = append(out, task)
		}
	}
	return out
}

func gate(entityID string, amount int) GateRequest {
	return GateRequest{
		ActionKey:  releaseAction,
		EntityType: "payment",
		EntityID:   entityID,
		Payload:    map[string]any{"amount": amount},
	}
}

// --- Policies ---

func TestCreatePolicy(t *testing.T) {
	f := newFixture(t)
	p := f.createReleasePolicy(t)

	assert.Equal(t, releaseAction, p.Key)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, model.DefinitionStatusActive, p.Status)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "Treasury sign-off", p.Steps[1].Name)
	require.NotNil(t, p.Rules)
	assert.Len(t, p.Rules.All, 1)

	def, err := f.engine.GetDefinition(context.Background(), f.ops, p.DefinitionID)
	require.NoError(t, err)
	assert.Equal(t, model.DefinitionTypeApproval, def.Type)
	assert.Len(t, def.Spec.States, 5)
}

func TestCreatePolicy_rejects_invalid_steps(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreatePolicy(context.Background(), f.ops, PolicyInput{Key: "empty"})
	assert.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)

	_, err = f.svc.CreatePolicy(context.Background(), f.ops, PolicyInput{
		Key:   "ambiguous",
		Steps: []model.PolicyStep{{Name: "Review", AssigneeUserID: "alice", AssigneeRoleID: "finance-approver"}},
	})
	assert.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)
}

func TestActivate_and_deactivate_policy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)
	_, err := f.svc.CreatePolicy(ctx, f.ops, PolicyInput{
		Key:   releaseAction,
		Steps: []model.PolicyStep{{Name: "Single review", AssigneeUserID: "tom"}},
	})
	require.NoError(t, err)

	active, err := f.svc.ListPolicies(ctx, f.ops, PolicyFilter{Status: model.DefinitionStatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].Version, "a new version is inactive until activated")

	p, err := f.svc.ActivatePolicy(ctx, f.ops, releaseAction, 2)
	require.NoError(t, err)
	assert.Equal(t, model.DefinitionStatusActive, p.Status)

	all, err := f.svc.ListPolicies(ctx, f.ops, PolicyFilter{Key: releaseAction})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.DefinitionStatusInactive, all[0].Status)
	assert.Equal(t, model.DefinitionStatusActive, all[1].Status)

	_, err = f.svc.DeactivatePolicy(ctx, f.ops, releaseAction)
	require.NoError(t, err)

	res, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-1", 5000))
	require.NoError(t, err)
	assert.Equal(t, GateResult{Status: StatusApproved, Reason: ReasonNoActivePolicy}, res)

	_, err = f.svc.ActivatePolicy(ctx, f.ops, releaseAction, 0)
	assert.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)
	_, err = f.svc.DeactivatePolicy(ctx, f.ops, releaseAction)
	assert.True(t, model.IsCode(err, model.ErrNotFound), "error = %v", err)
}

// --- Gate ---

func TestRequireApproval_no_active_policy(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.RequireApproval(context.Background(), f.ops, gate("pay-1", 500))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, ReasonNoActivePolicy, res.Reason)
}

func TestRequireApproval_rules_not_matched_creates_no_instance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)

	res, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-1", 50))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, ReasonRulesNotMatched, res.Reason)
	assert.Empty(t, res.InstanceID)

	instances, err := f.engine.ListInstances(ctx, f.ops, model.InstanceFilters{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestRequireApproval_pending_creates_first_step_task(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)

	res, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-1", 200))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Empty(t, res.Reason)
	assert.NotEmpty(t, res.InstanceID)
	assert.Equal(t, releaseAction, res.PolicyKey)
	assert.Equal(t, 1, res.PolicyVersion)

	ran, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	pending := f.pendingTasks(t, res.InstanceID)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Input.StepNumber)
	assert.Equal(t, "finance-approver", pending[0].AssigneeRoleID)

	inst, err := f.engine.GetInstance(ctx, f.ops, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, BusinessKey(releaseAction, "payment", "pay-1"), inst.BusinessKey)
	assert.Equal(t, "pay-1", inst.Context["entityId"])
}

func TestRequireApproval_same_entity_joins_running_instance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)

	first, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-1", 200))
	require.NoError(t, err)
	second, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-1", 300))
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, StatusPending, second.Status)

	f.drain(t)
	assert.Len(t, f.pendingTasks(t, first.InstanceID), 1)
}

func TestRequireApproval_two_steps_to_approved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)

	res, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-7", 900))
	require.NoError(t, err)
	f.drain(t)

	step1 := f.pendingTasks(t, res.InstanceID)
	require.Len(t, step1, 1)
	_, err = f.svc.DecideTask(ctx, actor("mallory"), step1[0].ID, model.DecisionApprove, "")
	assert.True(t, model.IsCode(err, model.ErrForbidden), "error = %v", err)

	done, err := f.svc.DecideTask(ctx, actor("alice"), step1[0].ID, model.DecisionApprove, "looks right")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, done.Status)
	assert.Equal(t, "looks right", done.Output["comment"])
	assert.Equal(t, "alice", done.Output["decidedBy"])
	f.drain(t)

	step2 := f.pendingTasks(t, res.InstanceID)
	require.Len(t, step2, 1)
	assert.Equal(t, 2, step2[0].Input.StepNumber)
	require.NotNil(t, step2[0].DueAt)

	_, err = f.svc.DecideTask(ctx, actor("alice"), step2[0].ID, model.DecisionApprove, "")
	assert.True(t, model.IsCode(err, model.ErrForbidden), "alice lacks payments:release, error = %v", err)

	_, err = f.svc.DecideTask(ctx, actor("tom"), step2[0].ID, model.DecisionApprove, "")
	require.NoError(t, err)
	f.drain(t)

	inst, err := f.engine.GetInstance(ctx, f.ops, res.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, "approved", inst.CurrentState)

	again, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-7", 900))
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, again.Status)
	assert.Equal(t, ReasonPreviouslyApproved, again.Reason)
	assert.Equal(t, res.InstanceID, again.InstanceID)
}

func TestRequireApproval_rejected_step_ends_instance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)

	res, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-9", 900))
	require.NoError(t, err)
	f.drain(t)

	step1 := f.pendingTasks(t, res.InstanceID)
	require.Len(t, step1, 1)
	_, err = f.svc.DecideTask(ctx, actor("alice"), step1[0].ID, model.DecisionReject, "missing invoice")
	require.NoError(t, err)
	f.drain(t)

	assert.Empty(t, f.pendingTasks(t, res.InstanceID))
	again, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-9", 900))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, again.Status)
	assert.Equal(t, ReasonPreviouslyRejected, again.Reason)
}

func TestRequireApproval_idempotency_key(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)

	req := gate("pay-3", 400)
	req.IdempotencyKey = "req-1"

	first, err := f.svc.RequireApproval(ctx, f.ops, req)
	require.NoError(t, err)
	replay, err := f.svc.RequireApproval(ctx, f.ops, req)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(replay)
	assert.JSONEq(t, string(a), string(b))
	assert.Equal(t, a, b, "replay must be byte-identical")

	changed := gate("pay-3", 401)
	changed.IdempotencyKey = "req-1"
	_, err = f.svc.RequireApproval(ctx, f.ops, changed)
	assert.True(t, model.IsCode(err, model.ErrIdempotencyMismatch), "error = %v", err)
	assert.Equal(t, 422, model.HTTPStatus(model.ErrIdempotencyMismatch))

	instances, err := f.engine.ListInstances(ctx, f.ops, model.InstanceFilters{})
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestRequireApproval_failed_key_replays_stored_response(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)

	res, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-9", 400))
	require.NoError(t, err)
	_, err = f.engine.CancelInstance(ctx, f.ops, res.InstanceID, "withdrawn")
	require.NoError(t, err)

	req := gate("pay-9", 400)
	req.IdempotencyKey = "req-fail"
	caller := &model.RequestContext{SubjectID: "ops", TenantID: "acme", CorrelationID: "corr-1"}

	_, err = f.svc.RequireApproval(ctx, caller, req)
	var first *RecordedFailure
	require.ErrorAs(t, err, &first)
	assert.True(t, model.IsCode(err, model.ErrConflict), "error = %v", err)
	assert.Equal(t, 409, first.Status)
	assert.Contains(t, string(first.Body), `"trace_id":"corr-1"`)

	retry := *caller
	retry.CorrelationID = "corr-2"
	_, err = f.svc.RequireApproval(ctx, &retry, req)
	var replay *RecordedFailure
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, first.Status, replay.Status)
	assert.Equal(t, first.Body, replay.Body, "replay must be byte-identical")
}

type failingIdempotency struct {
	Idempotency
}

func (failingIdempotency) Fail(context.Context, model.IdempotencyRecord, int, []byte) error {
	return errors.New("store unavailable")
}

func TestRequireApproval_logs_unrecorded_failure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createReleasePolicy(t)

	res, err := f.svc.RequireApproval(ctx, f.ops, gate("pay-10", 400))
	require.NoError(t, err)
	_, err = f.engine.CancelInstance(ctx, f.ops, res.InstanceID, "withdrawn")
	require.NoError(t, err)

	core, logs := observer.New(zap.ErrorLevel)
	f.svc.gateway = failingIdempotency{Idempotency: f.svc.gateway}
	f.svc.logger = zap.New(core)

	req := gate("pay-10", 400)
	req.IdempotencyKey = "req-unrecorded"
	_, err = f.svc.RequireApproval(ctx, f.ops, req)
	assert.True(t, model.IsCode(err, model.ErrConflict), "error = %v", err)
	var recorded *RecordedFailure
	assert.False(t, errors.As(err, &recorded), "unrecorded failure must not replay")

	entries := logs.FilterMessage("record failed gate response").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-unrecorded", entries[0].ContextMap()["idempotency_key"])
}

func TestRequireApproval_input_errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RequireApproval(ctx, &model.RequestContext{SubjectID: "ops"}, gate("pay-1", 1))
	assert.True(t, model.IsCode(err, model.ErrUnauthorized), "error = %v", err)

	_, err = f.svc.RequireApproval(ctx, f.ops, GateRequest{ActionKey: releaseAction, EntityType: "payment"})
	assert.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)
}

// --- Decisions ---

func TestDecideTask_rejects_unknown_decision(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DecideTask(context.Background(), actor("alice"), "task-1", "MAYBE", "")
	assert.True(t, model.IsCode(err, model.ErrValidationError), "error = %v", err)
}
