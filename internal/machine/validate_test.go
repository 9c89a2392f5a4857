package machine

import (
	"testing"

	"github.com/pitabwire/tessera/model"
)

func fieldCodes(t *testing.T, err error) map[string]string {
	t.Helper()
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("error = %T %v, want *model.ErrorEnvelope", err, err)
	}
	out := make(map[string]string, len(env.Details))
	for _, d := range env.Details {
		out[d.Field] = d.Code
	}
	return out
}

func TestValidate_valid(t *testing.T) {
	if err := Validate(orderSpec()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_missing_initial(t *testing.T) {
	spec := orderSpec()
	spec.Initial = "nowhere"
	codes := fieldCodes(t, Validate(spec))
	if codes["spec.initial"] != "UNKNOWN_STATE" {
		t.Errorf("codes = %v, want spec.initial UNKNOWN_STATE", codes)
	}
}

func TestValidate_unknown_target(t *testing.T) {
	spec := orderSpec()
	spec.States["review"].On["APPROVE"] = model.TransitionSpec{Target: "gone"}
	codes := fieldCodes(t, Validate(spec))
	if codes["spec.states.review.on.APPROVE.target"] != "UNKNOWN_STATE" {
		t.Errorf("codes = %v", codes)
	}
}

func TestValidate_final_with_transitions(t *testing.T) {
	spec := orderSpec()
	spec.States["published"] = model.StateSpec{
		Type: model.StateTypeFinal,
		On:   map[string]model.TransitionSpec{"REOPEN": {Target: "draft"}},
	}
	codes := fieldCodes(t, Validate(spec))
	if codes["spec.states.published.on"] != "FINAL_WITH_TRANSITIONS" {
		t.Errorf("codes = %v", codes)
	}
}

func TestValidate_task_events_must_be_declared_on_target(t *testing.T) {
	spec := orderSpec()
	spec.States["draft"].On["SUBMIT"] = model.TransitionSpec{
		Target: "review",
		Actions: []model.Action{model.CreateTask(model.TaskTemplate{
			Name:         "Review",
			ApproveEvent: "SIGN_OFF",
			RejectEvent:  "REJECT",
		})},
	}
	codes := fieldCodes(t, Validate(spec))
	if codes["spec.states.draft.on.SUBMIT.actions[0].task.approveEvent"] != "UNDECLARED_EVENT" {
		t.Errorf("codes = %v", codes)
	}
	if _, ok := codes["spec.states.draft.on.SUBMIT.actions[0].task.rejectEvent"]; ok {
		t.Errorf("rejectEvent REJECT is declared on review, got %v", codes)
	}
}

func TestValidate_ambiguous_assignee(t *testing.T) {
	spec := orderSpec()
	spec.States["draft"].On["SUBMIT"] = model.TransitionSpec{
		Target: "review",
		Actions: []model.Action{model.CreateTask(model.TaskTemplate{
			Name:           "Review",
			AssigneeUserID: "u-1",
			AssigneeRoleID: "reviewer",
		})},
	}
	codes := fieldCodes(t, Validate(spec))
	if codes["spec.states.draft.on.SUBMIT.actions[0].task"] != "AMBIGUOUS_ASSIGNEE" {
		t.Errorf("codes = %v", codes)
	}
}
