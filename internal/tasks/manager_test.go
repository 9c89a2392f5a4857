package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

type stubDirectory struct {
	roles map[string][]string
	perms map[string]model.PermissionSet
}

func (d stubDirectory) UserRoles(_ context.Context, _, userID string) ([]string, error) {
	return d.roles[userID], nil
}

func (d stubDirectory) UserPermissions(_ context.Context, _, userID string) (model.PermissionSet, error) {
	return d.perms[userID], nil
}

type countingEnqueuer struct {
	mu   sync.Mutex
	reqs []model.OrchestrationRequest
}

func (c *countingEnqueuer) EnqueueOrchestrator(_ context.Context, req model.OrchestrationRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return nil
}

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store    *workflow.MemoryStore
	enqueuer *countingEnqueuer
	manager  *Manager
	instance model.Instance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := workflow.NewMemoryStore()

	def, err := store.CreateDefinition(ctx, model.Definition{
		ID: "def-1", TenantID: "acme", Key: "journal", Status: model.DefinitionStatusActive,
		Type: model.DefinitionTypeApproval,
		Spec: model.MachineSpec{Initial: "start", States: map[string]model.StateSpec{"start": {}}},
	})
	if err != nil {
		t.Fatalf("CreateDefinition error: %v", err)
	}
	inst, _, err := store.StartInstance(ctx, model.Instance{
		ID: "inst-1", TenantID: "acme", DefinitionID: def.ID,
		Status: model.InstanceStatusRunning, CurrentState: "step_1",
	}, workflow.NewEvent("acme", "inst-1", model.EventInstanceStarted, nil, testNow))
	if err != nil {
		t.Fatalf("StartInstance error: %v", err)
	}

	dir := stubDirectory{
		roles: map[string][]string{"alice": {"finance-approver"}, "bob": {"warehouse"}},
		perms: map[string]model.PermissionSet{
			"alice": model.NewPermissionSet("journal:approve"),
			"carol": model.NewPermissionSet("journal:*"),
		},
	}
	enq := &countingEnqueuer{}
	m := NewManager(store, dir, enq, WithClock(func() time.Time { return testNow }))
	return &fixture{store: store, enqueuer: enq, manager: m, instance: inst}
}

// addTask materializes tmpl on the fixture instance.
func (f *fixture) addTask(t *testing.T, tmpl model.TaskTemplate) model.Task {
	t.Helper()
	inst, err := f.store.GetInstance(context.Background(), "acme", f.instance.ID)
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	task := f.manager.Build(inst, tmpl, testNow)
	if _, err := f.store.ApplyTransition(context.Background(), workflow.Transition{Instance: inst, Tasks: []model.Task{task}}); err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	return task
}

func actor(userID string) *model.RequestContext {
	return &model.RequestContext{SubjectID: userID, TenantID: "acme"}
}

func approvalTemplate() model.TaskTemplate {
	return model.TaskTemplate{
		Name:           "Finance review",
		PolicyKey:      "journal.post",
		StepNumber:     1,
		ApproveEvent:   "STEP_1_APPROVED",
		RejectEvent:    "APPROVAL_REJECTED",
		AssigneeRoleID: "finance-approver",
		DueInHours:     24,
	}
}

// --- Build ---

func TestBuild(t *testing.T) {
	f := newFixture(t)
	task := f.manager.Build(f.instance, approvalTemplate(), testNow)

	if task.ID == "" || task.TenantID != "acme" || task.InstanceID != "inst-1" {
		t.Errorf("identity = %+v", task)
	}
	if task.Type != model.TaskTypeHuman || task.Status != model.TaskStatusPending {
		t.Errorf("type/status = %s/%s", task.Type, task.Status)
	}
	if task.Input.ApproveEvent != "STEP_1_APPROVED" || task.Input.StepNumber != 1 {
		t.Errorf("Input = %+v", task.Input)
	}
	if task.DueAt == nil || !task.DueAt.Equal(testNow.Add(24*time.Hour)) {
		t.Errorf("DueAt = %v, want now+24h", task.DueAt)
	}

	noDue := f.manager.Build(f.instance, model.TaskTemplate{Name: "x"}, testNow)
	if noDue.DueAt != nil {
		t.Errorf("DueAt = %v, want nil", noDue.DueAt)
	}
}

// --- Authorize ---

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		task    model.Task
		userID  string
		allowed bool
	}{
		{"assigned user", model.Task{TenantID: "acme", AssigneeUserID: "dave"}, "dave", true},
		{"other user", model.Task{TenantID: "acme", AssigneeUserID: "dave"}, "alice", false},
		{"role holder", model.Task{TenantID: "acme", AssigneeRoleID: "finance-approver"}, "alice", true},
		{"role missing", model.Task{TenantID: "acme", AssigneeRoleID: "finance-approver"}, "bob", false},
		{"exact permission", model.Task{TenantID: "acme", AssigneePermissionKey: "journal:approve"}, "alice", true},
		{"wildcard permission", model.Task{TenantID: "acme", AssigneePermissionKey: "journal:approve"}, "carol", true},
		{"permission missing", model.Task{TenantID: "acme", AssigneePermissionKey: "journal:approve"}, "bob", false},
		{"unassigned", model.Task{TenantID: "acme"}, "bob", true},
		{"other tenant", model.Task{TenantID: "globex"}, "bob", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.manager.Authorize(ctx, actor(tt.userID), tt.task)
			if tt.allowed && err != nil {
				t.Errorf("Authorize() error = %v, want allowed", err)
			}
			if !tt.allowed && !model.IsCode(err, model.ErrForbidden) {
				t.Errorf("Authorize() error = %v, want FORBIDDEN", err)
			}
		})
	}
}

// --- Complete ---

func TestComplete_derives_event_from_decision(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())

	done, err := f.manager.Complete(context.Background(), actor("alice"), task.ID, map[string]any{"decision": "APPROVE"}, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != model.TaskStatusSucceeded || done.CompletedAt == nil {
		t.Errorf("task = %+v", done)
	}

	events, _ := f.store.ListEvents(context.Background(), "acme", "inst-1", 0)
	last := events[len(events)-1]
	if last.Type != model.EventTaskCompleted || last.Signal == nil || last.Signal.Type != "STEP_1_APPROVED" {
		t.Errorf("last event = %+v", last)
	}
	if len(f.enqueuer.reqs) != 1 || f.enqueuer.reqs[0].Events[0].Type != "STEP_1_APPROVED" {
		t.Errorf("enqueued = %+v", f.enqueuer.reqs)
	}
}

func TestComplete_reject_decision(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())

	if _, err := f.manager.Complete(context.Background(), actor("alice"), task.ID, map[string]any{"decision": "REJECT"}, nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	events, _ := f.store.ListEvents(context.Background(), "acme", "inst-1", 0)
	if sig := events[len(events)-1].Signal; sig == nil || sig.Type != "APPROVAL_REJECTED" {
		t.Errorf("signal = %+v, want APPROVAL_REJECTED", sig)
	}
}

func TestComplete_explicit_event_wins(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())

	ev := &model.MachineEvent{Type: "ESCALATE", Data: map[string]any{"level": 2}}
	if _, err := f.manager.Complete(context.Background(), actor("alice"), task.ID, map[string]any{"decision": "APPROVE"}, ev); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	events, _ := f.store.ListEvents(context.Background(), "acme", "inst-1", 0)
	if sig := events[len(events)-1].Signal; sig == nil || sig.Type != "ESCALATE" {
		t.Errorf("signal = %+v, want ESCALATE", sig)
	}
}

func TestComplete_without_event(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, model.TaskTemplate{Name: "Checklist"})

	if _, err := f.manager.Complete(context.Background(), actor("bob"), task.ID, map[string]any{"note": "done"}, nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	events, _ := f.store.ListEvents(context.Background(), "acme", "inst-1", 0)
	if sig := events[len(events)-1].Signal; sig != nil {
		t.Errorf("signal = %+v, want none", sig)
	}
}

func TestComplete_invalid_decision(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())

	_, err := f.manager.Complete(context.Background(), actor("alice"), task.ID, map[string]any{"decision": "MAYBE"}, nil)
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestComplete_forbidden(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())

	_, err := f.manager.Complete(context.Background(), actor("bob"), task.ID, map[string]any{"decision": "APPROVE"}, nil)
	if !model.IsCode(err, model.ErrForbidden) {
		t.Fatalf("error = %v, want FORBIDDEN", err)
	}
	got, _ := f.store.GetTask(context.Background(), "acme", task.ID)
	if got.Status != model.TaskStatusPending {
		t.Errorf("Status = %s, want PENDING after rejected attempt", got.Status)
	}
}

func TestComplete_twice_is_conflict(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())
	ctx := context.Background()

	if _, err := f.manager.Complete(ctx, actor("alice"), task.ID, map[string]any{"decision": "APPROVE"}, nil); err != nil {
		t.Fatalf("first Complete() error = %v", err)
	}
	_, err := f.manager.Complete(ctx, actor("alice"), task.ID, map[string]any{"decision": "APPROVE"}, nil)
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("second Complete() error = %v, want CONFLICT", err)
	}
}

func TestComplete_concurrent_only_one_wins(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.Complete(context.Background(), actor("alice"), task.ID, map[string]any{"decision": "APPROVE"}, nil)
			if err == nil {
				wins.Add(1)
			} else if !model.IsCode(err, model.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("wins = %d, want 1", wins.Load())
	}
}

func TestComplete_on_cancelled_instance(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())
	ctx := context.Background()

	inst, _ := f.store.GetInstance(ctx, "acme", "inst-1")
	inst.Status = model.InstanceStatusCancelled
	if _, err := f.store.ApplyTransition(ctx, workflow.Transition{Instance: inst}); err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}

	_, err := f.manager.Complete(ctx, actor("alice"), task.ID, map[string]any{"decision": "APPROVE"}, nil)
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

// --- Fail ---

func TestFail(t *testing.T) {
	f := newFixture(t)
	task := f.addTask(t, approvalTemplate())
	ctx := context.Background()

	failed, err := f.manager.Fail(ctx, actor("alice"), task.ID, "ledger unavailable")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if failed.Status != model.TaskStatusFailed || failed.Error != "ledger unavailable" {
		t.Errorf("task = %+v", failed)
	}
	events, _ := f.store.ListEvents(ctx, "acme", "inst-1", 0)
	if last := events[len(events)-1]; last.Type != model.EventTaskFailed || last.Signal != nil {
		t.Errorf("last event = %+v", last)
	}
	if len(f.enqueuer.reqs) != 0 {
		t.Errorf("Fail should not enqueue, got %d", len(f.enqueuer.reqs))
	}

	if _, err := f.manager.Fail(ctx, actor("alice"), task.ID, "again"); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("second Fail() error = %v, want CONFLICT", err)
	}
}

// --- Listing ---

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, approvalTemplate())
	f.addTask(t, model.TaskTemplate{Name: "Second"})

	list, err := f.manager.ListTasks(context.Background(), actor("bob"), "inst-1")
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(list) != 2 || list[0].Name != "Finance review" {
		t.Errorf("tasks = %+v", list)
	}

	if _, err := f.manager.ListTasks(context.Background(), actor("bob"), "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
	if _, err := f.manager.ListTasks(context.Background(), nil, "inst-1"); !model.IsCode(err, model.ErrUnauthorized) {
		t.Errorf("error = %v, want UNAUTHORIZED", err)
	}
}
