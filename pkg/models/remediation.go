package models

import "time"

// ActionStatus represents the state of a remediation action
type ActionStatus string

const (
	ActionStatusPending         ActionStatus = "pending"
	ActionStatusPendingApproval ActionStatus = "pending_approval"
	ActionStatusApproved        ActionStatus = "approved"
	ActionStatusExecuting       ActionStatus = "executing"
	ActionStatusCompleted       ActionStatus = "completed"
	ActionStatusFailed          ActionStatus = "failed"
	ActionStatusRolledBack      ActionStatus = "rolled_back"
)

// Terminal returns true once the action can only be rolled back or archived
func (s ActionStatus) Terminal() bool {
	return s == ActionStatusCompleted || s == ActionStatusFailed || s == ActionStatusRolledBack
}

// RemediationAction is a proposed or executed response operation, tracked
// independently of its owning workflow step because approval is asynchronous
type RemediationAction struct {
	ID          string         `json:"id"`
	IncidentID  string         `json:"incident_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	ActionType  string         `json:"action_type"`
	Target      map[string]any `json:"target,omitempty"`
	DryRun      bool           `json:"dry_run"`
	Status      ActionStatus   `json:"status"`
	Approval    Approval       `json:"approval"`
	Result      *ActionResult  `json:"result,omitempty"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Version     int64          `json:"version"`
}

// Approval records whether and by whom an action was approved
type Approval struct {
	Required bool       `json:"required"`
	Approver string     `json:"approver,omitempty"`
	Notes    string     `json:"notes,omitempty"`
	Time     *time.Time `json:"time,omitempty"`
}

// ActionResult is the outcome of executing an action
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// RollbackData is whatever the executor needs to invert the action later.
	RollbackData map[string]any `json:"rollback_data,omitempty"`

	// RollbackFailure is appended when a rollback attempt itself failed.
	RollbackFailure string `json:"rollback_failure,omitempty"`

	RollbackReason string `json:"rollback_reason,omitempty"`
}

// Approved returns true if the action has satisfied its approval gate
func (a *RemediationAction) Approved() bool {
	return !a.Approval.Required || a.Approval.Time != nil
}

// Clone returns a deep copy of the action
func (a *RemediationAction) Clone() *RemediationAction {
	c := *a
	c.Target = cloneMap(a.Target)
	if a.Result != nil {
		r := *a.Result
		r.RollbackData = cloneMap(a.Result.RollbackData)
		c.Result = &r
	}
	if a.Approval.Time != nil {
		t := *a.Approval.Time
		c.Approval.Time = &t
	}
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		c.ExecutedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
