// Package tasks materializes, lists and resolves human tasks, and decides
// who may act on them.
package tasks

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

// Store is the persistence the manager needs.
type Store interface {
	workflow.TaskStore
	GetInstance(ctx context.Context, tenantID, id string) (model.Instance, error)
}

// Directory resolves the roles and permissions of a user.
type Directory interface {
	UserRoles(ctx context.Context, tenantID, userID string) ([]string, error)
	UserPermissions(ctx context.Context, tenantID, userID string) (model.PermissionSet, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager implements the task commands.
type Manager struct {
	store     Store
	directory Directory
	enqueuer  workflow.Enqueuer
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewManager creates a new task manager.
func NewManager(store Store, directory Directory, enqueuer workflow.Enqueuer, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		directory: directory,
		enqueuer:  enqueuer,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Build materializes a createTask template for an instance. It is pure apart
// from the generated ID.
func (m *Manager) Build(inst model.Instance, tmpl model.TaskTemplate, now time.Time) model.Task {
	t := model.Task{
		ID:         uuid.NewString(),
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		Type:       tmpl.Type,
		Name:       tmpl.Name,
		Status:     model.TaskStatusPending,
		Input: model.TaskInput{
			PolicyKey:    tmpl.PolicyKey,
			StepNumber:   tmpl.StepNumber,
			ApproveEvent: tmpl.ApproveEvent,
			RejectEvent:  tmpl.RejectEvent,
		},
		AssigneeUserID:        tmpl.AssigneeUserID,
		AssigneeRoleID:        tmpl.AssigneeRoleID,
		AssigneePermissionKey: tmpl.AssigneePermissionKey,
		CreatedAt:             now,
	}
	if t.Type == "" {
		t.Type = model.TaskTypeHuman
	}
	if tmpl.DueInHours > 0 {
		due := now.Add(time.Duration(tmpl.DueInHours) * time.Hour)
		t.DueAt = &due
	}
	return t
}

// Get returns one task of the caller's tenant.
func (m *Manager) Get(ctx context.Context, rctx *model.RequestContext, taskID string) (model.Task, error) {
	if err := model.RequireActor(rctx); err != nil {
		return model.Task{}, err
	}
	return m.store.GetTask(ctx, rctx.TenantID, taskID)
}

// List returns a tenant's tasks matching filters.
func (m *Manager) List(ctx context.Context, tenantID string, filters model.TaskFilters) ([]model.Task, error) {
	return m.store.ListTasks(ctx, tenantID, filters)
}

// ListTasks returns the tasks of one instance, oldest first.
func (m *Manager) ListTasks(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.Task, error) {
	if err := model.RequireActor(rctx); err != nil {
		return nil, err
	}
	if _, err := m.store.GetInstance(ctx, rctx.TenantID, instanceID); err != nil {
		return nil, err
	}
	return m.store.ListTasks(ctx, rctx.TenantID, model.TaskFilters{InstanceID: instanceID})
}

// Authorize checks whether actor may act on task. The assigned user, then the
// assigned role, then the assigned permission is tried; the first match
// wins. A task with no assignee is open to any member of its tenant.
func (m *Manager) Authorize(ctx context.Context, actor *model.RequestContext, task model.Task) error {
	if err := model.RequireActor(actor); err != nil {
		return err
	}
	if actor.TenantID != task.TenantID {
		return model.NewForbiddenError("task belongs to another tenant")
	}
	if task.Unassigned() {
		return nil
	}

	if task.AssigneeUserID != "" && task.AssigneeUserID == actor.SubjectID {
		return nil
	}
	if task.AssigneeRoleID != "" {
		roles, err := m.directory.UserRoles(ctx, actor.TenantID, actor.SubjectID)
		if err != nil {
			return fmt.Errorf("resolve roles of %s: %w", actor.SubjectID, err)
		}
		if slices.Contains(roles, task.AssigneeRoleID) {
			return nil
		}
	}
	if task.AssigneePermissionKey != "" {
		perms, err := m.directory.UserPermissions(ctx, actor.TenantID, actor.SubjectID)
		if err != nil {
			return fmt.Errorf("resolve permissions of %s: %w", actor.SubjectID, err)
		}
		if perms.Has(task.AssigneePermissionKey) {
			return nil
		}
	}
	return model.NewForbiddenError(fmt.Sprintf("user %q may not act on task %q", actor.SubjectID, task.ID))
}

// Complete resolves a task as SUCCEEDED and raises its event on the
// instance. The event is the one given, or is derived from
// output["decision"] through the task's approve and reject events.
func (m *Manager) Complete(ctx context.Context, actor *model.RequestContext, taskID string, output map[string]any, event *model.MachineEvent) (model.Task, error) {
	if err := model.RequireActor(actor); err != nil {
		return model.Task{}, err
	}

	// 1. Load and check the task.
	task, err := m.store.GetTask(ctx, actor.TenantID, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if err := requirePending(task); err != nil {
		return model.Task{}, err
	}
	if task.Type != model.TaskTypeHuman {
		return model.Task{}, model.NewConflictError(fmt.Sprintf("task %q of type %s cannot be completed by a user", taskID, task.Type))
	}

	// 2. The instance must still accept events.
	inst, err := m.store.GetInstance(ctx, actor.TenantID, task.InstanceID)
	if err != nil {
		return model.Task{}, err
	}
	if inst.Terminal() {
		return model.Task{}, model.NewConflictError(fmt.Sprintf("instance %q is %s", inst.ID, inst.Status))
	}

	// 3. Authorize the actor.
	if err := m.Authorize(ctx, actor, task); err != nil {
		return model.Task{}, err
	}

	// 4. Work out the event to raise.
	signal, err := deriveEvent(task, output, event)
	if err != nil {
		return model.Task{}, err
	}

	// 5. Resolve atomically with the TASK_COMPLETED event.
	now := m.now()
	payload := map[string]any{"taskId": task.ID, "completedBy": actor.SubjectID}
	if signal != nil {
		payload["event"] = signal.Type
	}
	if d, ok := output["decision"]; ok {
		payload["decision"] = d
	}
	ev := workflow.NewEvent(actor.TenantID, task.InstanceID, model.EventTaskCompleted, payload, now)
	ev.Signal = signal

	resolved, err := m.store.ResolveTask(ctx, workflow.TaskResolution{
		TenantID:    actor.TenantID,
		TaskID:      task.ID,
		Status:      model.TaskStatusSucceeded,
		Output:      output,
		CompletedAt: now,
		Event:       ev,
	})
	if err != nil {
		return model.Task{}, err
	}
	m.metrics.RecordTaskResolved(model.TaskStatusSucceeded)

	logger := observability.RequestLogger(ctx, m.logger).With(
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
	)
	logger.Info("task completed", zap.Bool("raises_event", signal != nil))

	// 6. Advance the instance.
	var events []model.MachineEvent
	if signal != nil {
		events = []model.MachineEvent{*signal}
	}
	if err := m.enqueuer.EnqueueOrchestrator(ctx, model.OrchestrationRequest{
		TenantID:   actor.TenantID,
		InstanceID: task.InstanceID,
		Events:     events,
	}); err != nil {
		logger.Error("enqueue orchestration failed", zap.Error(err))
		return resolved, fmt.Errorf("enqueue orchestration for %s: %w", task.InstanceID, err)
	}
	return resolved, nil
}

// Fail resolves a task as FAILED. No event is raised on the instance.
func (m *Manager) Fail(ctx context.Context, actor *model.RequestContext, taskID, reason string) (model.Task, error) {
	if err := model.RequireActor(actor); err != nil {
		return model.Task{}, err
	}
	task, err := m.store.GetTask(ctx, actor.TenantID, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if err := requirePending(task); err != nil {
		return model.Task{}, err
	}
	if err := m.Authorize(ctx, actor, task); err != nil {
		return model.Task{}, err
	}

	now := m.now()
	ev := workflow.NewEvent(actor.TenantID, task.InstanceID, model.EventTaskFailed, map[string]any{
		"taskId":   task.ID,
		"failedBy": actor.SubjectID,
		"reason":   reason,
	}, now)

	resolved, err := m.store.ResolveTask(ctx, workflow.TaskResolution{
		TenantID:    actor.TenantID,
		TaskID:      task.ID,
		Status:      model.TaskStatusFailed,
		Error:       reason,
		CompletedAt: now,
		Event:       ev,
	})
	if err != nil {
		return model.Task{}, err
	}
	m.metrics.RecordTaskResolved(model.TaskStatusFailed)
	observability.RequestLogger(ctx, m.logger).Info("task failed",
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
		zap.String("reason", reason),
	)
	return resolved, nil
}

func deriveEvent(task model.Task, output map[string]any, event *model.MachineEvent) (*model.MachineEvent, error) {
	if event != nil {
		if event.Type == "" {
			return nil, model.NewFieldValidationError("event.type", "REQUIRED", "event type is required")
		}
		return event, nil
	}

	raw, ok := output["decision"]
	if !ok {
		return nil, nil
	}
	decision, _ := raw.(string)
	var name string
	switch decision {
	case model.DecisionApprove:
		name = task.Input.ApproveEvent
	case model.DecisionReject:
		name = task.Input.RejectEvent
	default:
		return nil, model.NewFieldValidationError("output.decision", "INVALID_VALUE",
			fmt.Sprintf("decision must be %s or %s", model.DecisionApprove, model.DecisionReject))
	}
	if name == "" {
		return nil, nil
	}
	return &model.MachineEvent{Type: name}, nil
}

func requirePending(t model.Task) error {
	if t.Status != model.TaskStatusPending {
		return model.NewConflictError(fmt.Sprintf("task %q is not PENDING (status %s)", t.ID, t.Status))
	}
	return nil
}
