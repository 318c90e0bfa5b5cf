package models

import "time"

// Event names emitted by the orchestration core
const (
	EventIncidentCreated  = "incident.created"
	EventIncidentUpdated  = "incident.updated"
	EventIncidentResolved = "incident.resolved"

	EventWorkflowStarted       = "workflow.started"
	EventWorkflowStepCompleted = "workflow.step.completed"
	EventWorkflowStepFailed    = "workflow.step.failed"
	EventWorkflowCompleted     = "workflow.completed"
	EventWorkflowFailed        = "workflow.failed"
	EventWorkflowCancelled     = "workflow.cancelled"

	EventRemediationProposed         = "remediation.proposed"
	EventRemediationApprovalRequired = "remediation.approval_required"
	EventRemediationApproved         = "remediation.approved"
	EventRemediationRejected         = "remediation.rejected"
	EventRemediationStarted          = "remediation.started"
	EventRemediationCompleted        = "remediation.completed"
	EventRemediationFailed           = "remediation.failed"
	EventRemediationRolledBack       = "remediation.rolled_back"
)

// EventAttributes are the filterable properties of an event
type EventAttributes struct {
	Severity     Severity `json:"severity,omitempty"`
	IncidentType string   `json:"incident_type,omitempty"`
	IncidentID   string   `json:"incident_id,omitempty"`
	WorkflowID   string   `json:"workflow_id,omitempty"`
	ActionID     string   `json:"action_id,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Event is a state transition republished to observers
type Event struct {
	Name       string          `json:"name"`
	Attributes EventAttributes `json:"attributes"`
	Payload    map[string]any  `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time
func NewEvent(name string, attrs EventAttributes, payload map[string]any) Event {
	return Event{
		Name:       name,
		Attributes: attrs,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}
