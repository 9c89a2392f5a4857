package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/definition"
	"github.com/pitabwire/tessera/internal/machine"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

// TaskBuilder materializes createTask actions.
type TaskBuilder interface {
	Build(inst model.Instance, tmpl model.TaskTemplate, now time.Time) model.Task
}

// Orchestrator advances one instance by feeding its unconsumed signals to the
// interpreter and committing the result in one transition.
type Orchestrator struct {
	store       workflow.Store
	definitions *definition.Cache
	tasks       TaskBuilder
	opts        options
}

// NewOrchestrator creates an orchestrator. Definitions are immutable, so
// they are read through a cache.
func NewOrchestrator(store workflow.Store, tasks TaskBuilder, opts ...Option) *Orchestrator {
	return &Orchestrator{
		store:       store,
		definitions: definition.NewCache(store),
		tasks:       tasks,
		opts:        newOptions(opts),
	}
}

// Process advances an instance. A terminal instance, or one with no
// unconsumed signals, is left untouched, so duplicate jobs are no-ops.
// Revision conflicts are retried against a fresh read.
func (o *Orchestrator) Process(ctx context.Context, tenantID, instanceID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.process",
		observability.AttrTenantID.String(tenantID),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	for attempt := 0; ; attempt++ {
		err = o.step(ctx, tenantID, instanceID)
		if model.IsCode(err, model.ErrConflict) && attempt+1 < o.opts.conflictRetries {
			o.opts.logger.Debug("revision conflict, reloading instance",
				zap.String("instance_id", instanceID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return err
	}
}

func (o *Orchestrator) step(ctx context.Context, tenantID, instanceID string) error {
	// 1. Reload the instance.
	inst, err := o.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Terminal() {
		return nil
	}

	// 2. Collect unconsumed signals.
	events, err := o.store.ListEvents(ctx, tenantID, instanceID, inst.EventCursor)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	var signals []model.MachineEvent
	cursor := inst.EventCursor
	for _, ev := range events {
		cursor = ev.Seq
		if ev.Signal != nil {
			signals = append(signals, *ev.Signal)
		}
	}
	if len(signals) == 0 && inst.Status != model.InstanceStatusPending {
		return nil
	}

	def, err := o.definitions.GetDefinition(ctx, tenantID, inst.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition: %w", err)
	}

	// 3. Interpret.
	res := machine.Step(def.Spec, machine.Snapshot{State: inst.CurrentState, Context: inst.Context}, signals)

	// 4. Build the transition.
	now := o.opts.now()
	next := inst
	next.Status = model.InstanceStatusRunning
	next.CurrentState = res.Snapshot.State
	next.Context = res.Snapshot.Context
	next.EventCursor = cursor
	next.UpdatedAt = now

	tr := workflow.Transition{Instance: next}
	for _, t := range res.Transitions {
		tr.Events = append(tr.Events, workflow.NewEvent(tenantID, instanceID, model.EventStateChanged, map[string]any{
			"from":  t.From,
			"to":    t.To,
			"event": t.Event,
		}, now))
	}
	for _, a := range res.Actions {
		switch a.Type {
		case model.ActionCreateTask:
			task := o.tasks.Build(next, *a.Task, now)
			tr.Tasks = append(tr.Tasks, task)
			payload := map[string]any{"taskId": task.ID, "name": task.Name}
			if task.Input.StepNumber > 0 {
				payload["stepNumber"] = task.Input.StepNumber
			}
			tr.Events = append(tr.Events, workflow.NewEvent(tenantID, instanceID, model.EventTaskCreated, payload, now))
		default:
			return fmt.Errorf("instance %s: unsupported action %q", instanceID, a.Type)
		}
	}
	if res.Done {
		next.Status = model.InstanceStatusCompleted
		next.CompletedAt = &now
		tr.Instance = next
		tr.Events = append(tr.Events, workflow.NewEvent(tenantID, instanceID, model.EventInstanceCompleted, map[string]any{
			"finalState": next.CurrentState,
		}, now))
	}

	// 5. Commit; a concurrent writer surfaces as CONFLICT.
	if _, err := o.store.ApplyTransition(ctx, tr); err != nil {
		return err
	}

	o.opts.metrics.RecordTransitions(def.Key, len(res.Transitions))
	o.opts.metrics.RecordTasksCreated(len(tr.Tasks))
	if res.Done {
		o.opts.metrics.RecordInstanceFinished(def.Key, model.InstanceStatusCompleted)
	}
	observability.RequestLogger(ctx, o.opts.logger).Info("instance advanced",
		zap.String("instance_id", instanceID),
		zap.String("definition_key", def.Key),
		zap.String("state", next.CurrentState),
		zap.Int("transitions", len(res.Transitions)),
		zap.Int("tasks", len(tr.Tasks)),
		zap.Bool("completed", res.Done),
	)
	return nil
}

// ReportFailure appends ORCHESTRATION_FAILED to the instance of a job that
// exhausted its attempts.
func (o *Orchestrator) ReportFailure(ctx context.Context, job Job, cause error) error {
	ev := workflow.NewEvent(job.TenantID, job.InstanceID, model.EventOrchestrationFailed, map[string]any{
		"jobId":    job.ID,
		"attempts": job.Attempts,
		"error":    cause.Error(),
	}, o.opts.now())
	if _, err := o.store.AppendEvents(ctx, job.TenantID, job.InstanceID, ev); err != nil {
		return fmt.Errorf("record orchestration failure: %w", err)
	}
	return nil
}
