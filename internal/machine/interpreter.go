// Package machine interprets declarative state-machine specs. Step is a pure
// function of its inputs: it reads no clock, generates no ids, performs no I/O
// and never mutates the spec or the snapshot it is given.
package machine

import (
	"maps"

	"github.com/pitabwire/tessera/model"
)

// Snapshot is the materialized view of an instance at a point in time.
type Snapshot struct {
	State   string         `json:"currentState"`
	Context map[string]any `json:"context,omitempty"`
}

// Transition records one state change taken while stepping.
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Event string `json:"event"`
}

// Result is the outcome of Step.
type Result struct {
	Snapshot    Snapshot
	Actions     []model.Action
	Transitions []Transition
	// Done is true when the resulting state is final.
	Done bool
}

// Changed reports whether any event caused a transition.
func (r Result) Changed() bool {
	return len(r.Transitions) > 0
}

// Initial returns the starting snapshot of a spec.
func Initial(spec model.MachineSpec) Snapshot {
	return Snapshot{State: spec.Initial, Context: cloneContext(spec.Context)}
}

// Step feeds events, in order, to the machine starting at snap. Events the
// current state does not declare are ignored, and a final state ignores
// everything, so replaying an already-consumed event is harmless.
func Step(spec model.MachineSpec, snap Snapshot, events []model.MachineEvent) Result {
	res := Result{
		Snapshot: Snapshot{State: snap.State, Context: cloneContext(snap.Context)},
	}

	for _, ev := range events {
		state, ok := spec.States[res.Snapshot.State]
		if !ok || state.IsFinal() {
			break
		}
		tr, ok := state.On[ev.Type]
		if !ok {
			continue
		}

		if len(ev.Data) > 0 {
			if res.Snapshot.Context == nil {
				res.Snapshot.Context = make(map[string]any, len(ev.Data))
			}
			maps.Copy(res.Snapshot.Context, ev.Data)
		}
		res.Transitions = append(res.Transitions, Transition{
			From:  res.Snapshot.State,
			To:    tr.Target,
			Event: ev.Type,
		})
		res.Actions = append(res.Actions, cloneActions(tr.Actions)...)
		res.Snapshot.State = tr.Target
	}

	if st, ok := spec.States[res.Snapshot.State]; ok && st.IsFinal() {
		res.Done = true
	}
	return res
}

func cloneContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	return maps.Clone(ctx)
}

func cloneActions(actions []model.Action) []model.Action {
	out := make([]model.Action, len(actions))
	for i, a := range actions {
		out[i] = a
		if a.Task != nil {
			t := *a.Task
			out[i].Task = &t
		}
	}
	return out
}
