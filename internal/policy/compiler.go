// Package policy compiles business-level approval policies into generic
// state-machine specs.
//
// A policy with N steps compiles to N+3 states:
//
//	start --APPROVAL_REQUESTED--> step_1 --STEP_1_APPROVED--> ... step_N --STEP_N_APPROVED--> approved
//	                                 \________________ APPROVAL_REJECTED ________________/--> rejected
//
// Entering step_i creates the task for step i. Rules are kept in
// meta.policy and evaluated by the approval gate, not by the machine.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/pitabwire/tessera/internal/rules"
	"github.com/pitabwire/tessera/model"
)

// State and event names produced by the compiler.
const (
	StateStart    = "start"
	StateApproved = "approved"
	StateRejected = "rejected"

	EventRequested = "APPROVAL_REQUESTED"
	EventRejected  = "APPROVAL_REJECTED"

	metaPolicyKey    = "policy"
	metaStepCountKey = "stepCount"
)

// StepState names the state awaiting step n (1-based).
func StepState(n int) string {
	return fmt.Sprintf("step_%d", n)
}

// StepApprovedEvent names the event that approves step n.
func StepApprovedEvent(n int) string {
	return fmt.Sprintf("STEP_%d_APPROVED", n)
}

// Validate checks a policy document.
func Validate(doc model.PolicyDocument) error {
	if err := model.ValidateStruct(doc); err != nil {
		return err
	}
	var details []model.FieldError
	for i, s := range doc.Steps {
		tmpl := model.TaskTemplate{
			AssigneeUserID:        s.AssigneeUserID,
			AssigneeRoleID:        s.AssigneeRoleID,
			AssigneePermissionKey: s.AssigneePermissionKey,
		}
		if tmpl.AssigneeKinds() != 1 {
			details = append(details, model.FieldError{
				Field:   fmt.Sprintf("steps[%d]", i),
				Code:    "ASSIGNEE_REQUIRED",
				Message: "exactly one of assigneeUserId, assigneeRoleId, assigneePermissionKey is required",
			})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return rules.Validate(doc.Rules)
}

// Compile turns a policy document into a machine spec.
func Compile(doc model.PolicyDocument) (model.MachineSpec, error) {
	if err := Validate(doc); err != nil {
		return model.MachineSpec{}, err
	}

	n := len(doc.Steps)
	states := make(map[string]model.StateSpec, n+3)

	states[StateStart] = model.StateSpec{On: map[string]model.TransitionSpec{
		EventRequested: {
			Target:  StepState(1),
			Actions: []model.Action{model.CreateTask(taskFor(doc, 1))},
		},
	}}

	for i := 1; i <= n; i++ {
		approve := model.TransitionSpec{Target: StateApproved}
		if i < n {
			approve = model.TransitionSpec{
				Target:  StepState(i + 1),
				Actions: []model.Action{model.CreateTask(taskFor(doc, i+1))},
			}
		}
		states[StepState(i)] = model.StateSpec{On: map[string]model.TransitionSpec{
			StepApprovedEvent(i): approve,
			EventRejected:        {Target: StateRejected},
		}}
	}

	states[StateApproved] = model.StateSpec{Type: model.StateTypeFinal}
	states[StateRejected] = model.StateSpec{Type: model.StateTypeFinal}

	meta, err := toMeta(doc)
	if err != nil {
		return model.MachineSpec{}, err
	}

	return model.MachineSpec{
		ID:      "approval:" + doc.Key,
		Initial: StateStart,
		Context: map[string]any{"policyKey": doc.Key},
		States:  states,
		Meta: map[string]any{
			metaPolicyKey:    meta,
			metaStepCountKey: n,
		},
	}, nil
}

// FromSpec recovers the policy document stored in a compiled spec.
func FromSpec(spec model.MachineSpec) (model.PolicyDocument, error) {
	raw, ok := spec.Meta[metaPolicyKey]
	if !ok {
		return model.PolicyDocument{}, fmt.Errorf("spec %q carries no policy", spec.ID)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return model.PolicyDocument{}, fmt.Errorf("encode policy meta: %w", err)
	}
	var doc model.PolicyDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.PolicyDocument{}, fmt.Errorf("decode policy meta: %w", err)
	}
	return doc, nil
}

func taskFor(doc model.PolicyDocument, n int) model.TaskTemplate {
	s := doc.Steps[n-1]
	return model.TaskTemplate{
		Type:                  model.TaskTypeHuman,
		Name:                  s.Name,
		PolicyKey:             doc.Key,
		StepNumber:            n,
		ApproveEvent:          StepApprovedEvent(n),
		RejectEvent:           EventRejected,
		AssigneeUserID:        s.AssigneeUserID,
		AssigneeRoleID:        s.AssigneeRoleID,
		AssigneePermissionKey: s.AssigneePermissionKey,
		DueInHours:            s.DueInHours,
	}
}

// toMeta stores the document as a plain JSON object so it survives
// persistence unchanged.
func toMeta(doc model.PolicyDocument) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	return out, nil
}
