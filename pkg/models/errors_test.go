package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassifiers(t *testing.T) {
	notFound := &NotFoundError{Kind: "incident", ID: "inc-1"}
	conflict := &ConcurrentModificationError{Kind: "incident", ID: "inc-1", ExpectedVersion: 3}
	transition := &InvalidTransitionError{Kind: "incident", ID: "inc-1", From: "open", To: "resolved"}
	dispatch := &DispatchFailureError{Agent: "edr", StepID: "step-1", Err: errors.New("bus closed")}
	activeWf := &ActiveWorkflowError{IncidentID: "inc-1", WorkflowID: "wf-1"}

	assert.True(t, IsNotFound(notFound))
	assert.True(t, IsConcurrentModification(conflict))
	assert.True(t, IsInvalidTransition(transition))
	assert.True(t, IsDispatchFailure(dispatch))
	assert.True(t, IsActiveWorkflow(activeWf))

	assert.False(t, IsNotFound(conflict))
	assert.False(t, IsConcurrentModification(notFound))
	assert.False(t, IsInvalidTransition(dispatch))
	assert.False(t, IsDispatchFailure(transition))
	assert.False(t, IsActiveWorkflow(dispatch))
	assert.False(t, IsNotFound(nil))
}

func TestErrorClassifiers_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("loading incident: %w", &NotFoundError{Kind: "incident", ID: "inc-1"})
	assert.True(t, IsNotFound(wrapped))
	assert.Contains(t, wrapped.Error(), "incident not found: inc-1")
}

func TestDispatchFailureError_Unwrap(t *testing.T) {
	cause := errors.New("bus closed")
	err := &DispatchFailureError{Agent: "edr", StepID: "step-1", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dispatch to agent edr failed")
}
