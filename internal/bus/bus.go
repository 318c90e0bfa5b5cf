// Package bus defines the at-least-once message substrate between the
// orchestrator and agent workers. The engine compiles against the Bus
// interface; a broker-backed implementation lives outside this module, and
// MemoryBus covers tests and single-process deployments.
package bus

import (
	"context"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// Dispatch is a work item published to one agent
type Dispatch struct {
	Agent      string         `json:"agent"`
	IncidentID string         `json:"incident_id"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id"`
	Action     string         `json:"action"`
	Input      map[string]any `json:"input,omitempty"`
}

// StepResult is an agent's completion signal for one dispatched step
type StepResult struct {
	WorkflowID string            `json:"workflow_id"`
	StepID     string            `json:"step_id"`
	Agent      string            `json:"agent,omitempty"`
	Status     models.StepStatus `json:"status"`
	Output     map[string]any    `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// DispatchHandler consumes work items on the agent side
type DispatchHandler func(ctx context.Context, d Dispatch) error

// ResultHandler consumes agent results on the orchestrator side. Handlers
// must be idempotent: delivery is at least once.
type ResultHandler func(ctx context.Context, r StepResult) error

// Bus is the message delivery substrate. Subscribe calls return a cancel
// function that stops delivery to that handler.
type Bus interface {
	PublishDispatch(ctx context.Context, d Dispatch) error
	PublishResult(ctx context.Context, r StepResult) error
	SubscribeDispatches(h DispatchHandler) (cancel func())
	SubscribeResults(h ResultHandler) (cancel func())
	Close() error
}
