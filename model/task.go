package model

import "time"

// Task type constants.
const (
	TaskTypeHuman = "HUMAN"
)

// Task status constants. A task moves from PENDING exactly once.
const (
	TaskStatusPending   = "PENDING"
	TaskStatusSucceeded = "SUCCEEDED"
	TaskStatusFailed    = "FAILED"
)

// Decision values accepted when completing an approval task.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// Task is a unit of externally required work spawned by a createTask action.
type Task struct {
	ID                    string         `json:"id"`
	TenantID              string         `json:"tenantId"`
	InstanceID            string         `json:"instanceId"`
	Type                  string         `json:"type"`
	Name                  string         `json:"name"`
	Status                string         `json:"status"`
	Input                 TaskInput      `json:"input"`
	Output                map[string]any `json:"output,omitempty"`
	Error                 string         `json:"error,omitempty"`
	AssigneeUserID        string         `json:"assigneeUserId,omitempty"`
	AssigneeRoleID        string         `json:"assigneeRoleId,omitempty"`
	AssigneePermissionKey string         `json:"assigneePermissionKey,omitempty"`
	DueAt                 *time.Time     `json:"dueAt,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
	CompletedAt           *time.Time     `json:"completedAt,omitempty"`
}

// Unassigned reports whether no assignee of any kind is set.
func (t Task) Unassigned() bool {
	return t.AssigneeUserID == "" && t.AssigneeRoleID == "" && t.AssigneePermissionKey == ""
}

// TaskInput lets the completion path recover the event to raise.
type TaskInput struct {
	PolicyKey    string `json:"policyKey,omitempty"`
	StepNumber   int    `json:"stepNumber,omitempty"`
	ApproveEvent string `json:"approveEvent,omitempty"`
	RejectEvent  string `json:"rejectEvent,omitempty"`
}

// TaskFilters narrows a task listing. Empty fields match everything.
type TaskFilters struct {
	InstanceID     string
	Status         string
	AssigneeUserID string
}
