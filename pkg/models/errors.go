package models

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an unknown record id
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// InvalidTransitionError indicates an illegal state-machine edge. The caller
// receives the current authoritative state and decides whether to retry,
// no-op, or escalate.
type InvalidTransitionError struct {
	Kind string
	ID   string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (id %s)", e.Kind, e.From, e.To, e.ID)
}

// ConcurrentModificationError indicates an optimistic-lock conflict: the
// record changed between read and write. Recovered locally via bounded retry.
type ConcurrentModificationError struct {
	Kind            string
	ID              string
	ExpectedVersion int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s (expected version %d)", e.Kind, e.ID, e.ExpectedVersion)
}

// ActiveWorkflowError indicates the incident already has a workflow in
// flight. A workflow binds 1:1 to its incident; a second one may only start
// once the first reaches a terminal status.
type ActiveWorkflowError struct {
	IncidentID string
	WorkflowID string
}

func (e *ActiveWorkflowError) Error() string {
	if e.WorkflowID == "" {
		return fmt.Sprintf("incident %s already has an active workflow", e.IncidentID)
	}
	return fmt.Sprintf("incident %s already has active workflow %s", e.IncidentID, e.WorkflowID)
}

// DispatchFailureError indicates the event bus would not accept a work item
type DispatchFailureError struct {
	Agent  string
	StepID string
	Err    error
}

func (e *DispatchFailureError) Error() string {
	return fmt.Sprintf("dispatch to agent %s failed for step %s: %v", e.Agent, e.StepID, e.Err)
}

func (e *DispatchFailureError) Unwrap() error { return e.Err }

// ExecutionFailureError indicates a remediation action's external effect
// failed. Terminal for that attempt; the action must be re-proposed.
type ExecutionFailureError struct {
	ActionID string
	Message  string
}

func (e *ExecutionFailureError) Error() string {
	return fmt.Sprintf("execution of action %s failed: %s", e.ActionID, e.Message)
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// IsConcurrentModification reports whether err is a ConcurrentModificationError
func IsConcurrentModification(err error) bool {
	var e *ConcurrentModificationError
	return errors.As(err, &e)
}

// IsActiveWorkflow reports whether err is an ActiveWorkflowError
func IsActiveWorkflow(err error) bool {
	var e *ActiveWorkflowError
	return errors.As(err, &e)
}

// IsDispatchFailure reports whether err is a DispatchFailureError
func IsDispatchFailure(err error) bool {
	var e *DispatchFailureError
	return errors.As(err, &e)
}
