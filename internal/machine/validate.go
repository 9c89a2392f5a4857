package machine

import (
	"fmt"
	"sort"

	"github.com/pitabwire/tessera/model"
)

// Validate checks a spec structurally and referentially. It runs once, when
// a definition is created; Step assumes a valid spec.
func Validate(spec model.MachineSpec) error {
	var errs []model.FieldError
	add := func(path, code, msg string) {
		errs = append(errs, model.FieldError{Field: path, Code: code, Message: msg})
	}

	if spec.Initial == "" {
		add("spec.initial", "REQUIRED", "initial state is required")
	}
	if len(spec.States) == 0 {
		add("spec.states", "REQUIRED", "at least one state is required")
	}
	if spec.Initial != "" && len(spec.States) > 0 {
		if _, ok := spec.States[spec.Initial]; !ok {
			add("spec.initial", "UNKNOWN_STATE", fmt.Sprintf("initial state %q is not declared", spec.Initial))
		}
	}

	// Sorted iteration keeps error order stable.
	names := make([]string, 0, len(spec.States))
	for name := range spec.States {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := spec.States[name]
		prefix := "spec.states." + name
		if st.Type != "" && !st.IsFinal() {
			add(prefix+".type", "INVALID_TYPE", fmt.Sprintf("state type %q is not supported", st.Type))
		}
		if st.IsFinal() && len(st.On) > 0 {
			add(prefix+".on", "FINAL_WITH_TRANSITIONS", "final states accept no events")
		}

		events := make([]string, 0, len(st.On))
		for ev := range st.On {
			events = append(events, ev)
		}
		sort.Strings(events)

		for _, ev := range events {
			tr := st.On[ev]
			tp := prefix + ".on." + ev
			target, ok := spec.States[tr.Target]
			if !ok {
				add(tp+".target", "UNKNOWN_STATE", fmt.Sprintf("target %q is not declared", tr.Target))
			}
			for i, a := range tr.Actions {
				ap := fmt.Sprintf("%s.actions[%d]", tp, i)
				errs = append(errs, validateAction(ap, a, target, ok)...)
			}
		}
	}

	if len(errs) > 0 {
		return model.NewValidationError(errs)
	}
	return nil
}

// validateAction checks one action against the state the transition enters.
func validateAction(path string, a model.Action, target model.StateSpec, targetKnown bool) []model.FieldError {
	var errs []model.FieldError
	switch a.Type {
	case model.ActionCreateTask:
		t := a.Task
		if t == nil {
			return append(errs, model.FieldError{Field: path + ".task", Code: "REQUIRED", Message: "createTask requires a task"})
		}
		if t.Name == "" {
			errs = append(errs, model.FieldError{Field: path + ".task.name", Code: "REQUIRED", Message: "task name is required"})
		}
		if t.Type != "" && t.Type != model.TaskTypeHuman {
			errs = append(errs, model.FieldError{Field: path + ".task.type", Code: "INVALID_TYPE", Message: fmt.Sprintf("task type %q is not supported", t.Type)})
		}
		if t.AssigneeKinds() > 1 {
			errs = append(errs, model.FieldError{Field: path + ".task", Code: "AMBIGUOUS_ASSIGNEE", Message: "at most one of assigneeUserId, assigneeRoleId, assigneePermissionKey may be set"})
		}
		if t.DueInHours < 0 {
			errs = append(errs, model.FieldError{Field: path + ".task.dueInHours", Code: "INVALID_VALUE", Message: "dueInHours must be >= 0"})
		}
		if !targetKnown {
			return errs
		}
		for _, ref := range [][2]string{{"approveEvent", t.ApproveEvent}, {"rejectEvent", t.RejectEvent}} {
			field, ev := ref[0], ref[1]
			if ev == "" {
				continue
			}
			if _, ok := target.On[ev]; !ok {
				errs = append(errs, model.FieldError{
					Field:   path + ".task." + field,
					Code:    "UNDECLARED_EVENT",
					Message: fmt.Sprintf("event %q is not handled by the state the task is created in", ev),
				})
			}
		}
	default:
		errs = append(errs, model.FieldError{Field: path + ".type", Code: "INVALID_TYPE", Message: fmt.Sprintf("unknown action type %q", a.Type)})
	}
	return errs
}
