// Package store defines the persistent state store the orchestration core
// synchronizes through. Every mutation is an optimistic-concurrency-checked
// update: callers pass the version they read, and the store rejects the write
// with ConcurrentModificationError if the record has moved on.
package store

import (
	"context"
	"time"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// IncidentFilter narrows incident listings
type IncidentFilter struct {
	Status   models.IncidentStatus
	Severity models.Severity
	Type     string
	Since    time.Time
	Limit    int
}

// Store is the single source of truth for incidents, workflows, and
// remediation actions. Implementations must make each update atomic per
// record and bump Version/UpdatedAt on success.
type Store interface {
	CreateIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	UpdateIncident(ctx context.Context, inc *models.Incident, expectedVersion int64) error
	ListIncidents(ctx context.Context, f IncidentFilter) ([]*models.Incident, error)

	CreateWorkflow(ctx context.Context, wf *models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *models.Workflow, expectedVersion int64) error

	// ActiveWorkflows returns workflows still in progress whose owning
	// incident is non-terminal. The recovery pass reconciles over this set.
	ActiveWorkflows(ctx context.Context) ([]*models.Workflow, error)

	CreateAction(ctx context.Context, a *models.RemediationAction) error
	GetAction(ctx context.Context, id string) (*models.RemediationAction, error)
	UpdateAction(ctx context.Context, a *models.RemediationAction, expectedVersion int64) error
	ListActions(ctx context.Context, incidentID string) ([]*models.RemediationAction, error)

	// NextIncidentSequence allocates the monotonic counter behind the
	// human-readable INC-<n> id.
	NextIncidentSequence(ctx context.Context) (int64, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
