package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Definition status constants.
const (
	DefinitionStatusActive   = "ACTIVE"
	DefinitionStatusInactive = "INACTIVE"
	DefinitionStatusArchived = "ARCHIVED"
)

// Definition type constants.
const (
	DefinitionTypeGeneric  = "GENERIC"
	DefinitionTypeApproval = "APPROVAL"
)

// StateTypeFinal marks a state that accepts no further events.
const StateTypeFinal = "final"

// Definition is an immutable, versioned state-machine document. Only Status
// changes after creation. (TenantID, Key, Version) is unique.
type Definition struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenantId"`
	Key       string      `json:"key"`
	Version   int         `json:"version"`
	Name      string      `json:"name"`
	Status    string      `json:"status"`
	Type      string      `json:"type"`
	Spec      MachineSpec `json:"spec"`
	CreatedAt time.Time   `json:"createdAt"`
}

// MachineSpec is the declarative state machine executed by the interpreter.
type MachineSpec struct {
	ID      string               `json:"id"                yaml:"id"`
	Initial string               `json:"initial"           yaml:"initial"`
	Context map[string]any       `json:"context,omitempty" yaml:"context,omitempty"`
	States  map[string]StateSpec `json:"states"            yaml:"states"`
	Meta    map[string]any       `json:"meta,omitempty"    yaml:"meta,omitempty"`
}

// StateSpec declares the transitions leaving one state, or marks it final.
type StateSpec struct {
	On   map[string]TransitionSpec `json:"on,omitempty"   yaml:"on,omitempty"`
	Type string                    `json:"type,omitempty" yaml:"type,omitempty"`
}

// IsFinal reports whether the state is terminal.
func (s StateSpec) IsFinal() bool {
	return s.Type == StateTypeFinal
}

// TransitionSpec moves the machine to Target and emits Actions.
type TransitionSpec struct {
	Target  string   `json:"target"            yaml:"target"`
	Actions []Action `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// ActionKind names one variant of the Action union.
type ActionKind string

// Action kinds. The set is closed: decoding rejects any other kind.
const (
	ActionCreateTask ActionKind = "createTask"
)

// Action is a side effect requested by a transition. Exactly one payload
// field is set, selected by Type.
type Action struct {
	Type ActionKind    `json:"type"           yaml:"type"`
	Task *TaskTemplate `json:"task,omitempty" yaml:"task,omitempty"`
}

// CreateTask builds a createTask action.
func CreateTask(t TaskTemplate) Action {
	return Action{Type: ActionCreateTask, Task: &t}
}

// UnmarshalJSON decodes an action and rejects unknown kinds or a missing
// payload.
func (a *Action) UnmarshalJSON(data []byte) error {
	type raw Action
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Type {
	case ActionCreateTask:
		if r.Task == nil {
			return fmt.Errorf("action %q requires a task", r.Type)
		}
	default:
		return fmt.Errorf("unknown action type %q", r.Type)
	}
	*a = Action(r)
	return nil
}

// TaskTemplate describes the task a createTask action materializes.
type TaskTemplate struct {
	Type                  string `json:"type,omitempty"                  yaml:"type,omitempty"`
	Name                  string `json:"name"                            yaml:"name"`
	PolicyKey             string `json:"policyKey,omitempty"             yaml:"policyKey,omitempty"`
	StepNumber            int    `json:"stepNumber,omitempty"            yaml:"stepNumber,omitempty"`
	ApproveEvent          string `json:"approveEvent,omitempty"          yaml:"approveEvent,omitempty"`
	RejectEvent           string `json:"rejectEvent,omitempty"           yaml:"rejectEvent,omitempty"`
	AssigneeUserID        string `json:"assigneeUserId,omitempty"        yaml:"assigneeUserId,omitempty"`
	AssigneeRoleID        string `json:"assigneeRoleId,omitempty"        yaml:"assigneeRoleId,omitempty"`
	AssigneePermissionKey string `json:"assigneePermissionKey,omitempty" yaml:"assigneePermissionKey,omitempty"`
	DueInHours            int    `json:"dueInHours,omitempty"            yaml:"dueInHours,omitempty"`
}

// AssigneeKinds counts how many assignee fields are set.
func (t TaskTemplate) AssigneeKinds() int {
	n := 0
	for _, v := range []string{t.AssigneeUserID, t.AssigneeRoleID, t.AssigneePermissionKey} {
		if v != "" {
			n++
		}
	}
	return n
}

// DefinitionFilters narrows a definition listing.
type DefinitionFilters struct {
	Key    string
	Type   string
	Status string
}
