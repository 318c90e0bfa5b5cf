// Package remediation tracks response actions through their own state
// machine: approval gating, execution, and rollback. The external effect of
// an action (blocking an address, isolating a host) lives behind the
// Executor interface; this package owns only the lifecycle.
package remediation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// Executor performs the external effect of one action type
type Executor interface {
	// Name identifies the executor in logs and results
	Name() string

	// Execute applies the action and returns the result, including any
	// rollback data needed to invert it later.
	Execute(ctx context.Context, action *models.RemediationAction) (*models.ActionResult, error)

	// Rollback inverts a completed action using its stored rollback data
	Rollback(ctx context.Context, action *models.RemediationAction, rollbackData map[string]any) error
}

// Registry routes actions to executors by action type
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	log       *logrus.Logger
}

// NewRegistry creates an empty executor registry
func NewRegistry(log *logrus.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		log:       log,
	}
}

// Register binds an executor to an action type
func (r *Registry) Register(actionType string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[actionType] = ex
	r.log.WithFields(logrus.Fields{
		"action_type": actionType,
		"executor":    ex.Name(),
	}).Info("Executor registered")
}

// ForAction selects the executor for an action. Dry-run actions get the
// dry-run wrapper: the transition sequence is identical, the effect is not.
func (r *Registry) ForAction(a *models.RemediationAction) (Executor, error) {
	r.mu.RLock()
	ex, ok := r.executors[a.ActionType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no executor registered for action type %q", a.ActionType)
	}
	if a.DryRun {
		return &dryRunExecutor{wrapped: ex}, nil
	}
	return ex, nil
}

// Registered lists the action types with a bound executor
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// dryRunExecutor reports success without touching the outside world
type dryRunExecutor struct {
	wrapped Executor
}

func (d *dryRunExecutor) Name() string { return d.wrapped.Name() + "-dryrun" }

func (d *dryRunExecutor) Execute(_ context.Context, a *models.RemediationAction) (*models.ActionResult, error) {
	return &models.ActionResult{
		Success: true,
		Message: fmt.Sprintf("dry run: %s would be executed by %s", a.ActionType, d.wrapped.Name()),
	}, nil
}

func (d *dryRunExecutor) Rollback(_ context.Context, a *models.RemediationAction, _ map[string]any) error {
	return nil
}

// NoopExecutor acknowledges actions without external effect. Useful as a
// placeholder binding while an integration is not yet deployed.
type NoopExecutor struct {
	ExecName string
}

func (n *NoopExecutor) Name() string {
	if n.ExecName == "" {
		return "noop"
	}
	return n.ExecName
}

func (n *NoopExecutor) Execute(_ context.Context, a *models.RemediationAction) (*models.ActionResult, error) {
	return &models.ActionResult{
		Success: true,
		Message: fmt.Sprintf("acknowledged %s at %s", a.ActionType, time.Now().UTC().Format(time.RFC3339)),
	}, nil
}

func (n *NoopExecutor) Rollback(context.Context, *models.RemediationAction, map[string]any) error {
	return nil
}
