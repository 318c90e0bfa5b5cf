package models

import "time"

// WorkflowStatus represents the current state of an orchestration run
type WorkflowStatus string

const (
	WorkflowStatusInitiated WorkflowStatus = "initiated"
	WorkflowStatusRunning   WorkflowStatus = "in_progress"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal returns true if the workflow can no longer progress
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// StepStatus represents the state of a single workflow step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Workflow is one orchestration run bound 1:1 to an incident
type Workflow struct {
	ID          string         `json:"id"`
	IncidentID  string         `json:"incident_id"`
	PlanName    string         `json:"plan_name,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Steps       []Step         `json:"steps"`
	CurrentStep int            `json:"current_step"`

	// OnComplete is the incident status the owning incident is moved to
	// once every step has completed.
	OnComplete IncidentStatus `json:"on_complete,omitempty"`

	Error       *WorkflowError `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Version     int64          `json:"version"`
}

// WorkflowError records the step failure that terminated a workflow
type WorkflowError struct {
	StepIndex int       `json:"step_index"`
	Agent     string    `json:"agent"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Step is one unit of work within a workflow, assigned to one agent
type Step struct {
	ID             string         `json:"id"`
	Agent          string         `json:"agent"`
	Action         string         `json:"action"`
	Status         StepStatus     `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	TimeoutSeconds int            `json:"timeout_seconds"`

	// ResultHash deduplicates at-least-once result delivery: a result whose
	// hash matches is a redelivery and is discarded.
	ResultHash string `json:"result_hash,omitempty"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// IsActive returns true if the workflow is currently progressing
func (w *Workflow) IsActive() bool {
	return w.Status == WorkflowStatusInitiated || w.Status == WorkflowStatusRunning
}

// Duration returns how long the workflow has been running
func (w *Workflow) Duration() time.Duration {
	end := time.Now()
	if w.CompletedAt != nil {
		end = *w.CompletedAt
	}
	return end.Sub(w.CreatedAt)
}

// RunningStep returns the step currently marked running, or nil
func (w *Workflow) RunningStep() *Step {
	if w.CurrentStep < 0 || w.CurrentStep >= len(w.Steps) {
		return nil
	}
	s := &w.Steps[w.CurrentStep]
	if s.Status != StepStatusRunning {
		return nil
	}
	return s
}

// FindStep returns the step with the given id, or nil
func (w *Workflow) FindStep(stepID string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the workflow
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		cs := s
		cs.Input = cloneMap(s.Input)
		cs.Output = cloneMap(s.Output)
		if s.DispatchedAt != nil {
			t := *s.DispatchedAt
			cs.DispatchedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			cs.CompletedAt = &t
		}
		c.Steps[i] = cs
	}
	if w.Error != nil {
		e := *w.Error
		c.Error = &e
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
