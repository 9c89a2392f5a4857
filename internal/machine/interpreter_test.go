package machine

import (
	"reflect"
	"testing"

	"github.com/pitabwire/tessera/model"
)

// orderSpec is a small lifecycle: draft -> review -> (published | draft).
func orderSpec() model.MachineSpec {
	return model.MachineSpec{
		ID:      "order",
		Initial: "draft",
		Context: map[string]any{"revision": 1},
		States: map[string]model.StateSpec{
			"draft": {On: map[string]model.TransitionSpec{
				"SUBMIT": {Target: "review", Actions: []model.Action{
					model.CreateTask(model.TaskTemplate{Name: "Review order", AssigneeRoleID: "reviewer", ApproveEvent: "APPROVE", RejectEvent: "REJECT"}),
				}},
			}},
			"review": {On: map[string]model.TransitionSpec{
				"APPROVE": {Target: "published"},
				"REJECT":  {Target: "draft"},
			}},
			"published": {Type: model.StateTypeFinal},
		},
	}
}

func TestStep_no_events_returns_snapshot_unchanged(t *testing.T) {
	spec := orderSpec()
	snaps := []Snapshot{
		Initial(spec),
		{State: "review", Context: map[string]any{"note": "x"}},
		{State: "published"},
	}
	for _, snap := range snaps {
		res := Step(spec, snap, nil)
		if !reflect.DeepEqual(res.Snapshot, snap) {
			t.Errorf("Step(%v, nil) snapshot = %v, want unchanged", snap, res.Snapshot)
		}
		if len(res.Actions) != 0 || res.Changed() {
			t.Errorf("Step(%v, nil) produced actions/transitions", snap)
		}
	}
}

func TestStep_undeclared_event_is_noop(t *testing.T) {
	spec := orderSpec()
	snap := Snapshot{State: "draft", Context: map[string]any{"revision": 1}}

	res := Step(spec, snap, []model.MachineEvent{{Type: "APPROVE"}, {Type: "UNKNOWN", Data: map[string]any{"x": 1}}})
	if !reflect.DeepEqual(res.Snapshot, snap) {
		t.Errorf("snapshot = %v, want %v", res.Snapshot, snap)
	}
	if res.Changed() {
		t.Errorf("Transitions = %v, want none", res.Transitions)
	}
}

func TestStep_transition_collects_actions(t *testing.T) {
	spec := orderSpec()
	res := Step(spec, Initial(spec), []model.MachineEvent{{Type: "SUBMIT", Data: map[string]any{"amount": 10}}})

	if res.Snapshot.State != "review" {
		t.Errorf("State = %q, want review", res.Snapshot.State)
	}
	if res.Snapshot.Context["amount"] != 10 || res.Snapshot.Context["revision"] != 1 {
		t.Errorf("Context = %v, want merged event data", res.Snapshot.Context)
	}
	if len(res.Actions) != 1 || res.Actions[0].Type != model.ActionCreateTask {
		t.Fatalf("Actions = %v, want one createTask", res.Actions)
	}
	if res.Actions[0].Task.Name != "Review order" {
		t.Errorf("Task.Name = %q", res.Actions[0].Task.Name)
	}
	if res.Done {
		t.Error("Done = true, want false")
	}
}

func TestStep_duplicate_delivery_is_idempotent(t *testing.T) {
	spec := orderSpec()
	first := Step(spec, Initial(spec), []model.MachineEvent{{Type: "SUBMIT"}})
	again := Step(spec, first.Snapshot, []model.MachineEvent{{Type: "SUBMIT"}})

	if again.Changed() || len(again.Actions) != 0 {
		t.Errorf("redelivered SUBMIT produced %v / %v", again.Transitions, again.Actions)
	}
	if again.Snapshot.State != "review" {
		t.Errorf("State = %q, want review", again.Snapshot.State)
	}
}

func TestStep_final_state_accepts_nothing(t *testing.T) {
	spec := orderSpec()
	res := Step(spec, Initial(spec), []model.MachineEvent{{Type: "SUBMIT"}, {Type: "APPROVE"}, {Type: "REJECT"}})

	if res.Snapshot.State != "published" {
		t.Errorf("State = %q, want published", res.Snapshot.State)
	}
	if !res.Done {
		t.Error("Done = false, want true")
	}
	if len(res.Transitions) != 2 {
		t.Errorf("Transitions = %d, want 2", len(res.Transitions))
	}
}

func TestStep_is_deterministic_and_pure(t *testing.T) {
	spec := orderSpec()
	snap := Initial(spec)
	events := []model.MachineEvent{{Type: "SUBMIT", Data: map[string]any{"k": "v"}}, {Type: "REJECT"}}

	a := Step(spec, snap, events)
	b := Step(spec, snap, events)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Step() not deterministic:\n%v\n%v", a, b)
	}
	if _, ok := snap.Context["k"]; ok {
		t.Error("Step() mutated the input snapshot context")
	}
	if _, ok := spec.Context["k"]; ok {
		t.Error("Step() mutated the spec context")
	}

	a.Actions[0].Task.Name = "changed"
	if spec.States["draft"].On["SUBMIT"].Actions[0].Task.Name != "Review order" {
		t.Error("returned actions alias the spec")
	}
}
