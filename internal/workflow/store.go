package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/tessera/model"
)

// DefinitionStore persists versioned state-machine definitions.
type DefinitionStore interface {
	// CreateDefinition inserts a definition. A zero Version is replaced with
	// the next version for the key. Creating an ACTIVE definition deactivates
	// every other ACTIVE version of the same key. Returns CONFLICT if
	// (tenant, key, version) already exists.
	CreateDefinition(ctx context.Context, def model.Definition) (model.Definition, error)

	// GetDefinition retrieves a definition by ID, scoped to tenant.
	GetDefinition(ctx context.Context, tenantID, id string) (model.Definition, error)

	// ResolveDefinition finds a definition by key. A zero version resolves
	// the single ACTIVE version.
	ResolveDefinition(ctx context.Context, tenantID, key string, version int) (model.Definition, error)

	// ListDefinitions returns definitions ordered by key then version.
	ListDefinitions(ctx context.Context, tenantID string, filters model.DefinitionFilters) ([]model.Definition, error)

	// SetDefinitionStatus changes the status of one definition. Activating
	// deactivates the other versions of the key in the same transaction.
	SetDefinitionStatus(ctx context.Context, tenantID, id, status string) (model.Definition, error)
}

// InstanceStore persists instances and their append-only event log.
type InstanceStore interface {
	// StartInstance inserts an instance together with its INSTANCE_STARTED
	// event. When the instance carries a business key that already exists for
	// (tenant, definition), the existing instance is returned with created
	// set to false and nothing is written.
	StartInstance(ctx context.Context, inst model.Instance, started model.Event) (stored model.Instance, created bool, err error)

	// GetInstance retrieves an instance by ID, scoped to tenant.
	GetInstance(ctx context.Context, tenantID, id string) (model.Instance, error)

	// ListInstances returns a tenant's instances, newest first.
	ListInstances(ctx context.Context, tenantID string, filters model.InstanceFilters) ([]model.Instance, error)

	// AppendEvents appends events to an instance's log and returns them with
	// Seq assigned. Seq is numbered per instance, and appends to one instance
	// become visible in Seq order. Events carrying a Signal are rejected with
	// CONFLICT, and nothing is written, when the instance is terminal.
	AppendEvents(ctx context.Context, tenantID, instanceID string, events ...model.Event) ([]model.Event, error)

	// ListEvents returns the events of an instance with Seq > afterSeq in
	// insertion order.
	ListEvents(ctx context.Context, tenantID, instanceID string, afterSeq int64) ([]model.Event, error)

	// ApplyTransition commits one interpreter step atomically: the instance
	// update, the appended events and the created tasks. The update succeeds
	// only if the stored revision equals tr.Instance.Revision; otherwise it
	// returns CONFLICT and writes nothing.
	ApplyTransition(ctx context.Context, tr Transition) (model.Instance, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	// GetTask retrieves a task by ID, scoped to tenant.
	GetTask(ctx context.Context, tenantID, id string) (model.Task, error)

	// ListTasks returns tasks in creation order.
	ListTasks(ctx context.Context, tenantID string, filters model.TaskFilters) ([]model.Task, error)

	// ResolveTask moves a PENDING task to its final status and appends the
	// resolution event in one transaction. Returns CONFLICT if the task is
	// no longer PENDING.
	ResolveTask(ctx context.Context, res TaskResolution) (model.Task, error)
}

// Store is the complete persistence surface of the engine.
type Store interface {
	DefinitionStore
	InstanceStore
	TaskStore

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

// checkSignals rejects signals addressed to an instance that accepts no
// further events.
func checkSignals(inst model.Instance, events []model.Event) error {
	if !inst.Terminal() {
		return nil
	}
	for _, ev := range events {
		if ev.Signal != nil {
			return model.NewConflictError(
				fmt.Sprintf("instance %q is %s and accepts no events", inst.ID, inst.Status))
		}
	}
	return nil
}

// Transition is the unit of work produced by one orchestration step.
type Transition struct {
	// Instance holds the new snapshot. Its Revision is the revision the
	// caller read; the store increments it on success.
	Instance model.Instance
	Events   []model.Event
	Tasks    []model.Task
}

// TaskResolution describes the completion or failure of a task.
type TaskResolution struct {
	TenantID    string
	TaskID      string
	Status      string
	Output      map[string]any
	Error       string
	CompletedAt time.Time
	Event       model.Event
}
