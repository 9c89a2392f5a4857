package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/tessera/model"
)

func testDefinition(id, tenantID, key string, version int, status string) model.Definition {
	return model.Definition{
		ID:       id,
		TenantID: tenantID,
		Key:      key,
		Version:  version,
		Name:     key,
		Status:   status,
		Type:     model.DefinitionTypeGeneric,
		Spec: model.MachineSpec{
			Initial: "open",
			States: map[string]model.StateSpec{
				"open":   {On: map[string]model.TransitionSpec{"CLOSE": {Target: "closed"}}},
				"closed": {Type: model.StateTypeFinal},
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func testInstance(id, tenantID, definitionID, businessKey string) model.Instance {
	now := time.Now().UTC()
	return model.Instance{
		ID:           id,
		TenantID:     tenantID,
		DefinitionID: definitionID,
		BusinessKey:  businessKey,
		Status:       model.InstanceStatusPending,
		CurrentState: "open",
		Context:      map[string]any{"k": "v"},
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

func testEvent(id, tenantID, typ string) model.Event {
	return model.Event{ID: id, TenantID: tenantID, Type: typ, CreatedAt: time.Now().UTC()}
}

// --- Definitions ---

func TestMemoryStore_CreateDefinition_assigns_next_version(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	d1, err := store.CreateDefinition(ctx, testDefinition("d1", "t1", "order", 0, model.DefinitionStatusActive))
	if err != nil {
		t.Fatalf("CreateDefinition error: %v", err)
	}
	d2, err := store.CreateDefinition(ctx, testDefinition("d2", "t1", "order", 0, model.DefinitionStatusActive))
	if err != nil {
		t.Fatalf("CreateDefinition error: %v", err)
	}
	if d1.Version != 1 || d2.Version != 2 {
		t.Errorf("versions = %d, %d, want 1, 2", d1.Version, d2.Version)
	}

	old, _ := store.GetDefinition(ctx, "t1", "d1")
	if old.Status != model.DefinitionStatusInactive {
		t.Errorf("d1.Status = %s, want INACTIVE after d2 activation", old.Status)
	}
	active, err := store.ResolveDefinition(ctx, "t1", "order", 0)
	if err != nil {
		t.Fatalf("ResolveDefinition error: %v", err)
	}
	if active.ID != "d2" {
		t.Errorf("active = %s, want d2", active.ID)
	}
}

func TestMemoryStore_CreateDefinition_duplicate_version(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _ = store.CreateDefinition(ctx, testDefinition("d1", "t1", "order", 3, model.DefinitionStatusInactive))
	_, err := store.CreateDefinition(ctx, testDefinition("d2", "t1", "order", 3, model.DefinitionStatusInactive))
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("error = %v, want CONFLICT", err)
	}

	// Same key and version in another tenant is fine.
	if _, err := store.CreateDefinition(ctx, testDefinition("d3", "t2", "order", 3, model.DefinitionStatusInactive)); err != nil {
		t.Fatalf("other tenant CreateDefinition error: %v", err)
	}
}

func TestMemoryStore_SetDefinitionStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.CreateDefinition(ctx, testDefinition("d1", "t1", "order", 1, model.DefinitionStatusActive))
	_, _ = store.CreateDefinition(ctx, testDefinition("d2", "t1", "order", 2, model.DefinitionStatusInactive))

	if _, err := store.SetDefinitionStatus(ctx, "t1", "d2", model.DefinitionStatusActive); err != nil {
		t.Fatalf("SetDefinitionStatus error: %v", err)
	}
	active, _ := store.ListDefinitions(ctx, "t1", model.DefinitionFilters{Status: model.DefinitionStatusActive})
	if len(active) != 1 || active[0].ID != "d2" {
		t.Errorf("active = %v, want only d2", active)
	}

	if _, err := store.SetDefinitionStatus(ctx, "t2", "d2", model.DefinitionStatusInactive); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("cross-tenant SetDefinitionStatus error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_ResolveDefinition_by_version(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.CreateDefinition(ctx, testDefinition("d1", "t1", "order", 1, model.DefinitionStatusInactive))

	def, err := store.ResolveDefinition(ctx, "t1", "order", 1)
	if err != nil || def.ID != "d1" {
		t.Fatalf("ResolveDefinition(v1) = %v, %v", def.ID, err)
	}
	if _, err := store.ResolveDefinition(ctx, "t1", "order", 0); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("ResolveDefinition(active) error = %v, want NOT_FOUND", err)
	}
}

// --- Instances ---

func TestMemoryStore_StartInstance_business_key_is_idempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, created, err := store.StartInstance(ctx, testInstance("i1", "t1", "d1", "invoice-7"), testEvent("e1", "t1", model.EventInstanceStarted))
	if err != nil || !created {
		t.Fatalf("first StartInstance = %v, %v", created, err)
	}
	second, created, err := store.StartInstance(ctx, testInstance("i2", "t1", "d1", "invoice-7"), testEvent("e2", "t1", model.EventInstanceStarted))
	if err != nil {
		t.Fatalf("second StartInstance error: %v", err)
	}
	if created {
		t.Error("second StartInstance created = true, want false")
	}
	if second.ID != first.ID {
		t.Errorf("second.ID = %s, want %s", second.ID, first.ID)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
	events, _ := store.ListEvents(ctx, "t1", "i1", 0)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1 (no event for the duplicate)", len(events))
	}
}

func TestMemoryStore_StartInstance_concurrent_business_key(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, _, err := store.StartInstance(ctx,
				testInstance(fmt.Sprintf("i%d", i), "t1", "d1", "bk"),
				testEvent(fmt.Sprintf("e%d", i), "t1", model.EventInstanceStarted))
			if err != nil {
				t.Errorf("StartInstance error: %v", err)
				return
			}
			ids[i] = inst.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("instances diverged: %v", ids)
		}
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_StartInstance_without_business_key(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))
	_, created, _ := store.StartInstance(ctx, testInstance("i2", "t1", "d1", ""), testEvent("e2", "t1", model.EventInstanceStarted))
	if !created || store.Len() != 2 {
		t.Errorf("created = %v, Len() = %d, want true, 2", created, store.Len())
	}
}

func TestMemoryStore_GetInstance_tenant_isolation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))

	if _, err := store.GetInstance(ctx, "t2", "i1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("GetInstance(other tenant) error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_GetInstance_returns_copy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))

	inst, _ := store.GetInstance(ctx, "t1", "i1")
	inst.Context["k"] = "mutated"

	again, _ := store.GetInstance(ctx, "t1", "i1")
	if again.Context["k"] != "v" {
		t.Errorf("Context[k] = %v, want v (store must not alias caller maps)", again.Context["k"])
	}
}

// --- Events ---

func TestMemoryStore_AppendEvents_assigns_increasing_seq(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))

	appended, err := store.AppendEvents(ctx, "t1", "i1",
		testEvent("e2", "t1", model.EventReceived),
		testEvent("e3", "t1", model.EventReceived),
	)
	if err != nil {
		t.Fatalf("AppendEvents error: %v", err)
	}
	if appended[0].Seq >= appended[1].Seq {
		t.Errorf("seq not increasing: %d, %d", appended[0].Seq, appended[1].Seq)
	}

	after, _ := store.ListEvents(ctx, "t1", "i1", appended[0].Seq)
	if len(after) != 1 || after[0].ID != "e3" {
		t.Errorf("ListEvents(after e2) = %v, want [e3]", after)
	}

	if _, err := store.AppendEvents(ctx, "t1", "missing", testEvent("e4", "t1", model.EventReceived)); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("AppendEvents(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_AppendEvents_numbers_per_instance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, _ = store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))
	_, _, _ = store.StartInstance(ctx, testInstance("i2", "t1", "d1", ""), testEvent("e2", "t1", model.EventInstanceStarted))

	a, _ := store.AppendEvents(ctx, "t1", "i1", testEvent("e3", "t1", model.EventReceived))
	b, _ := store.AppendEvents(ctx, "t1", "i2", testEvent("e4", "t1", model.EventReceived))
	if a[0].Seq != 2 || b[0].Seq != 2 {
		t.Errorf("seq = %d, %d, want 2, 2", a[0].Seq, b[0].Seq)
	}
}

func TestMemoryStore_AppendEvents_rejects_signal_to_terminal_instance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inst, _, _ := store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))

	done := inst
	done.Status = model.InstanceStatusCancelled
	if _, err := store.ApplyTransition(ctx, Transition{Instance: done}); err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}

	signal := testEvent("e2", "t1", model.EventReceived)
	signal.Signal = &model.MachineEvent{Type: "CLOSE"}
	if _, err := store.AppendEvents(ctx, "t1", "i1", signal); !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("AppendEvents(signal) error = %v, want CONFLICT", err)
	}

	// Audit-only events are still recorded.
	if _, err := store.AppendEvents(ctx, "t1", "i1", testEvent("e3", "t1", model.EventOrchestrationFailed)); err != nil {
		t.Fatalf("AppendEvents(audit) error: %v", err)
	}
	events, _ := store.ListEvents(ctx, "t1", "i1", 0)
	if len(events) != 2 || events[1].ID != "e3" {
		t.Errorf("events = %v, want [e1 e3]", events)
	}
}

// --- Transitions ---

func TestMemoryStore_ApplyTransition_revision_check(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inst, _, _ := store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))

	next := inst
	next.CurrentState = "closed"
	next.Status = model.InstanceStatusCompleted
	task := model.Task{ID: "task-1", TenantID: "t1", InstanceID: "i1", Status: model.TaskStatusPending}

	updated, err := store.ApplyTransition(ctx, Transition{
		Instance: next,
		Events:   []model.Event{testEvent("e2", "t1", model.EventStateChanged)},
		Tasks:    []model.Task{task},
	})
	if err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if updated.Revision != inst.Revision+1 {
		t.Errorf("Revision = %d, want %d", updated.Revision, inst.Revision+1)
	}

	// A second writer holding the old revision loses and writes nothing.
	stale := inst
	stale.CurrentState = "open"
	_, err = store.ApplyTransition(ctx, Transition{
		Instance: stale,
		Events:   []model.Event{testEvent("e3", "t1", model.EventStateChanged)},
		Tasks:    []model.Task{{ID: "task-2", TenantID: "t1", InstanceID: "i1"}},
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("stale ApplyTransition error = %v, want CONFLICT", err)
	}

	got, _ := store.GetInstance(ctx, "t1", "i1")
	if got.CurrentState != "closed" {
		t.Errorf("CurrentState = %s, want closed", got.CurrentState)
	}
	events, _ := store.ListEvents(ctx, "t1", "i1", 0)
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
	tasks, _ := store.ListTasks(ctx, "t1", model.TaskFilters{InstanceID: "i1"})
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(tasks))
	}
}

// --- Tasks ---

func TestMemoryStore_ResolveTask_once(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inst, _, _ := store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))
	_, _ = store.ApplyTransition(ctx, Transition{
		Instance: inst,
		Tasks:    []model.Task{{ID: "task-1", TenantID: "t1", InstanceID: "i1", Type: model.TaskTypeHuman, Status: model.TaskStatusPending}},
	})

	res := TaskResolution{
		TenantID:    "t1",
		TaskID:      "task-1",
		Status:      model.TaskStatusSucceeded,
		Output:      map[string]any{"decision": "APPROVE"},
		CompletedAt: time.Now().UTC(),
		Event:       testEvent("e2", "t1", model.EventTaskCompleted),
	}
	task, err := store.ResolveTask(ctx, res)
	if err != nil {
		t.Fatalf("ResolveTask error: %v", err)
	}
	if task.Status != model.TaskStatusSucceeded || task.CompletedAt == nil {
		t.Errorf("task = %+v, want SUCCEEDED with CompletedAt", task)
	}

	res.Event = testEvent("e3", "t1", model.EventTaskCompleted)
	if _, err := store.ResolveTask(ctx, res); !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("second ResolveTask error = %v, want CONFLICT", err)
	}
	events, _ := store.ListEvents(ctx, "t1", "i1", 0)
	if len(events) != 2 {
		t.Errorf("events = %d, want 2 (no event for the rejected resolution)", len(events))
	}
}

func TestMemoryStore_ListTasks_filters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	inst, _, _ := store.StartInstance(ctx, testInstance("i1", "t1", "d1", ""), testEvent("e1", "t1", model.EventInstanceStarted))
	_, _ = store.ApplyTransition(ctx, Transition{
		Instance: inst,
		Tasks: []model.Task{
			{ID: "a", TenantID: "t1", InstanceID: "i1", Status: model.TaskStatusPending, AssigneeUserID: "u1"},
			{ID: "b", TenantID: "t1", InstanceID: "i1", Status: model.TaskStatusFailed},
		},
	})

	pending, _ := store.ListTasks(ctx, "t1", model.TaskFilters{Status: model.TaskStatusPending})
	if len(pending) != 1 || pending[0].ID != "a" {
		t.Errorf("pending = %v, want [a]", pending)
	}
	mine, _ := store.ListTasks(ctx, "t1", model.TaskFilters{AssigneeUserID: "u1"})
	if len(mine) != 1 {
		t.Errorf("assigned = %d, want 1", len(mine))
	}
	other, _ := store.ListTasks(ctx, "t2", model.TaskFilters{})
	if len(other) != 0 {
		t.Errorf("other tenant tasks = %d, want 0", len(other))
	}
}
