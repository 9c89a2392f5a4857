package model

import "time"

// Rule operators.
const (
	OpExists   = "exists"
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

// Condition compares the value at a dot path of the payload.
type Condition struct {
	Field    string `json:"field"           yaml:"field"           validate:"required"`
	Operator string `json:"operator"        yaml:"operator"        validate:"required,oneof=exists eq neq gt gte lt lte in contains"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// RuleSet matches when every All condition and at least one Any condition
// match. Empty lists are vacuously true.
type RuleSet struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty" validate:"dive"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty" validate:"dive"`
}

// PolicyStep is one approval stage. Exactly one assignee kind is set.
type PolicyStep struct {
	Name                  string `json:"name"                            yaml:"name"                            validate:"required"`
	AssigneeUserID        string `json:"assigneeUserId,omitempty"        yaml:"assigneeUserId,omitempty"`
	AssigneeRoleID        string `json:"assigneeRoleId,omitempty"        yaml:"assigneeRoleId,omitempty"`
	AssigneePermissionKey string `json:"assigneePermissionKey,omitempty" yaml:"assigneePermissionKey,omitempty"`
	DueInHours            int    `json:"dueInHours,omitempty"            yaml:"dueInHours,omitempty"            validate:"gte=0"`
}

// PolicyDocument is the business-level description of an approval flow, the
// input of the policy compiler.
type PolicyDocument struct {
	Key   string       `json:"key"             yaml:"key"             validate:"required"`
	Name  string       `json:"name"            yaml:"name"`
	Rules *RuleSet     `json:"rules,omitempty" yaml:"rules,omitempty"`
	Steps []PolicyStep `json:"steps"           yaml:"steps"           validate:"required,min=1,dive"`
}

// ApprovalPolicy is the read model of an APPROVAL definition.
type ApprovalPolicy struct {
	DefinitionID string       `json:"definitionId"`
	Key          string       `json:"key"`
	Version      int          `json:"version"`
	Name         string       `json:"name"`
	Status       string       `json:"status"`
	Rules        *RuleSet     `json:"rules,omitempty"`
	Steps        []PolicyStep `json:"steps"`
	CreatedAt    time.Time    `json:"createdAt"`
}
