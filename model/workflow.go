package model

import "time"

// Instance status constants.
const (
	InstanceStatusPending   = "PENDING"
	InstanceStatusRunning   = "RUNNING"
	InstanceStatusCompleted = "COMPLETED"
	InstanceStatusCancelled = "CANCELLED"
)

// Event type constants.
const (
	EventInstanceStarted     = "INSTANCE_STARTED"
	EventReceived            = "EVENT_RECEIVED"
	EventStateChanged        = "STATE_CHANGED"
	EventTaskCreated         = "TASK_CREATED"
	EventTaskCompleted       = "TASK_COMPLETED"
	EventTaskFailed          = "TASK_FAILED"
	EventInstanceCompleted   = "INSTANCE_COMPLETED"
	EventInstanceCancelled   = "INSTANCE_CANCELLED"
	EventOrchestrationFailed = "ORCHESTRATION_FAILED"
)

// Instance is one execution of a Definition. CurrentState and Context hold the
// materialized snapshot; Revision is checked and incremented on every update.
type Instance struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenantId"`
	DefinitionID string         `json:"definitionId"`
	BusinessKey  string         `json:"businessKey,omitempty"`
	Status       string         `json:"status"`
	CurrentState string         `json:"currentState"`
	Context      map[string]any `json:"context,omitempty"`
	Revision     int64          `json:"revision"`
	EventCursor  int64          `json:"eventCursor"`
	StartedAt    time.Time      `json:"startedAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// Terminal reports whether the instance accepts no further events.
func (i Instance) Terminal() bool {
	return i.Status == InstanceStatusCompleted || i.Status == InstanceStatusCancelled
}

// MachineEvent is an input to the state-machine interpreter.
type MachineEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Event is an append-only audit record. Events carrying a Signal are fed to
// the interpreter in Seq order.
type Event struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	InstanceID string         `json:"instanceId"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Signal     *MachineEvent  `json:"signal,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// InstanceFilters narrows an instance listing.
type InstanceFilters struct {
	DefinitionID string
	Status       string
}

// OrchestrationRequest asks the dispatcher to advance one instance.
type OrchestrationRequest struct {
	TenantID   string         `json:"tenantId"`
	InstanceID string         `json:"instanceId"`
	Events     []MachineEvent `json:"events,omitempty"`
}
