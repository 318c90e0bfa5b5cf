package remediation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// EventSink receives state-transition events for fan-out to observers
type EventSink interface {
	Publish(ev models.Event)
}

// ActionSpec describes a proposed remediation action
type ActionSpec struct {
	ActionType       string
	Target           map[string]any
	DryRun           bool
	ApprovalRequired bool
	WorkflowID       string
	StepID           string
}

// Lifecycle drives remediation actions through approval, execution, and
// rollback. Concurrent approve/reject races are settled by the store's
// version check: exactly one caller wins.
type Lifecycle struct {
	store    store.Store
	registry *Registry
	events   EventSink
	log      *logrus.Logger
}

// NewLifecycle creates the action lifecycle
func NewLifecycle(st store.Store, registry *Registry, events EventSink, log *logrus.Logger) *Lifecycle {
	return &Lifecycle{
		store:    st,
		registry: registry,
		events:   events,
		log:      log,
	}
}

// Propose creates the action record. Actions requiring approval wait in
// pending_approval; the rest are immediately eligible for execution.
func (l *Lifecycle) Propose(ctx context.Context, incidentID string, spec ActionSpec) (*models.RemediationAction, error) {
	inc, err := l.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if spec.ActionType == "" {
		return nil, fmt.Errorf("action type is required")
	}

	status := models.ActionStatusPending
	if spec.ApprovalRequired {
		status = models.ActionStatusPendingApproval
	}
	a := &models.RemediationAction{
		ID:         "act-" + uuid.New().String(),
		IncidentID: incidentID,
		WorkflowID: spec.WorkflowID,
		StepID:     spec.StepID,
		ActionType: spec.ActionType,
		Target:     spec.Target,
		DryRun:     spec.DryRun,
		Status:     status,
		Approval:   models.Approval{Required: spec.ApprovalRequired},
	}
	if err := l.store.CreateAction(ctx, a); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"action_id":   a.ID,
		"incident_id": incidentID,
		"action_type": a.ActionType,
		"status":      a.Status,
		"dry_run":     a.DryRun,
	}).Info("Remediation action proposed")
	RecordProposed(a.ActionType)

	attrs := l.attrs(inc, a)
	l.events.Publish(models.NewEvent(models.EventRemediationProposed, attrs, payload(a)))
	if spec.ApprovalRequired {
		// Routed to approver-facing subscribers.
		l.events.Publish(models.NewEvent(models.EventRemediationApprovalRequired, attrs, payload(a)))
	}
	return a, nil
}

// Get returns an action by id
func (l *Lifecycle) Get(ctx context.Context, id string) (*models.RemediationAction, error) {
	return l.store.GetAction(ctx, id)
}

// ListForIncident returns an incident's actions in creation order
func (l *Lifecycle) ListForIncident(ctx context.Context, incidentID string) ([]*models.RemediationAction, error) {
	return l.store.ListActions(ctx, incidentID)
}

// Approve moves a pending_approval action to approved. Valid only from
// pending_approval; a losing racer gets InvalidTransition with the
// authoritative state already applied by the winner.
func (l *Lifecycle) Approve(ctx context.Context, id, approver, notes string) (*models.RemediationAction, error) {
	a, err := l.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ActionStatusPendingApproval {
		return nil, &models.InvalidTransitionError{
			Kind: "action", ID: id,
			From: string(a.Status), To: string(models.ActionStatusApproved),
		}
	}

	now := time.Now().UTC()
	a.Status = models.ActionStatusApproved
	a.Approval.Approver = approver
	a.Approval.Notes = notes
	a.Approval.Time = &now
	if err := l.store.UpdateAction(ctx, a, a.Version); err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"action_id": id,
		"approver":  approver,
	}).Info("Remediation action approved")
	l.publish(ctx, models.EventRemediationApproved, a)
	return a, nil
}

// Reject terminates a pending_approval action as failed with reason
// "rejected". An explicit decision, not an error.
func (l *Lifecycle) Reject(ctx context.Context, id, approver, notes string) (*models.RemediationAction, error) {
	a, err := l.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ActionStatusPendingApproval {
		return nil, &models.InvalidTransitionError{
			Kind: "action", ID: id,
			From: string(a.Status), To: string(models.ActionStatusFailed),
		}
	}

	now := time.Now().UTC()
	a.Status = models.ActionStatusFailed
	a.Approval.Approver = approver
	a.Approval.Notes = notes
	a.CompletedAt = &now
	a.Result = &models.ActionResult{Success: false, Message: "rejected"}
	if err := l.store.UpdateAction(ctx, a, a.Version); err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"action_id": id,
		"approver":  approver,
	}).Info("Remediation action rejected")
	l.publish(ctx, models.EventRemediationRejected, a)
	return a, nil
}

// Execute runs an action. Valid from pending or approved; the transition to
// executing is claimed through the version check, so concurrent executors
// cannot both run the effect. Execution failure is terminal for this
// attempt and never auto-retried.
func (l *Lifecycle) Execute(ctx context.Context, id string) (*models.RemediationAction, error) {
	a, err := l.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ActionStatusPending && a.Status != models.ActionStatusApproved {
		return nil, &models.InvalidTransitionError{
			Kind: "action", ID: id,
			From: string(a.Status), To: string(models.ActionStatusExecuting),
		}
	}
	if !a.Approved() {
		return nil, &models.InvalidTransitionError{
			Kind: "action", ID: id,
			From: string(a.Status), To: string(models.ActionStatusExecuting),
		}
	}

	ex, err := l.registry.ForAction(a)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a.Status = models.ActionStatusExecuting
	a.ExecutedAt = &now
	if err := l.store.UpdateAction(ctx, a, a.Version); err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"action_id":   id,
		"action_type": a.ActionType,
		"executor":    ex.Name(),
		"dry_run":     a.DryRun,
	}).Info("Remediation action executing")
	l.publish(ctx, models.EventRemediationStarted, a)

	start := time.Now()
	result, execErr := ex.Execute(ctx, a)
	done := time.Now().UTC()
	a.CompletedAt = &done

	if execErr != nil || (result != nil && !result.Success) {
		a.Status = models.ActionStatusFailed
		if result == nil {
			result = &models.ActionResult{Success: false}
		}
		if execErr != nil && result.Message == "" {
			result.Message = execErr.Error()
		}
		a.Result = result
		if err := l.store.UpdateAction(ctx, a, a.Version); err != nil {
			return nil, err
		}

		l.log.WithFields(logrus.Fields{
			"action_id": id,
			"executor":  ex.Name(),
			"error":     result.Message,
		}).Error("Remediation action failed")
		RecordExecution(a.ActionType, false, time.Since(start).Seconds())
		l.publish(ctx, models.EventRemediationFailed, a)
		return a, &models.ExecutionFailureError{ActionID: id, Message: result.Message}
	}

	a.Status = models.ActionStatusCompleted
	a.Result = result
	if err := l.store.UpdateAction(ctx, a, a.Version); err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"action_id": id,
		"executor":  ex.Name(),
		"duration":  time.Since(start).String(),
	}).Info("Remediation action completed")
	RecordExecution(a.ActionType, true, time.Since(start).Seconds())
	l.publish(ctx, models.EventRemediationCompleted, a)
	return a, nil
}

// Rollback inverts a completed action using its stored rollback data.
// Rollback failure is reported, never silently retried: the action stays
// completed with the failure note appended.
func (l *Lifecycle) Rollback(ctx context.Context, id, reason string) (*models.RemediationAction, error) {
	a, err := l.store.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ActionStatusCompleted {
		return nil, &models.InvalidTransitionError{
			Kind: "action", ID: id,
			From: string(a.Status), To: string(models.ActionStatusRolledBack),
		}
	}

	ex, err := l.registry.ForAction(a)
	if err != nil {
		return nil, err
	}

	var rollbackData map[string]any
	if a.Result != nil {
		rollbackData = a.Result.RollbackData
	}

	l.log.WithFields(logrus.Fields{
		"action_id": id,
		"reason":    reason,
	}).Info("Rolling back remediation action")

	if err := ex.Rollback(ctx, a, rollbackData); err != nil {
		if a.Result == nil {
			a.Result = &models.ActionResult{}
		}
		a.Result.RollbackFailure = err.Error()
		if uerr := l.store.UpdateAction(ctx, a, a.Version); uerr != nil {
			return nil, uerr
		}
		l.log.WithError(err).WithField("action_id", id).Error("Rollback failed")
		RecordRollback(a.ActionType, false)
		return a, fmt.Errorf("rollback of action %s failed: %w", id, err)
	}

	a.Status = models.ActionStatusRolledBack
	if a.Result == nil {
		a.Result = &models.ActionResult{}
	}
	a.Result.RollbackReason = reason
	if err := l.store.UpdateAction(ctx, a, a.Version); err != nil {
		return nil, err
	}

	l.log.WithField("action_id", id).Info("Remediation action rolled back")
	RecordRollback(a.ActionType, true)
	l.publish(ctx, models.EventRemediationRolledBack, a)
	return a, nil
}

func (l *Lifecycle) publish(ctx context.Context, name string, a *models.RemediationAction) {
	inc, err := l.store.GetIncident(ctx, a.IncidentID)
	if err != nil {
		inc = nil
	}
	l.events.Publish(models.NewEvent(name, l.attrs(inc, a), payload(a)))
}

func (l *Lifecycle) attrs(inc *models.Incident, a *models.RemediationAction) models.EventAttributes {
	attrs := models.EventAttributes{
		IncidentID: a.IncidentID,
		WorkflowID: a.WorkflowID,
		ActionID:   a.ID,
	}
	if inc != nil {
		attrs.Severity = inc.Severity
		attrs.IncidentType = inc.Type
		attrs.Tags = inc.Tags
	}
	return attrs
}

func payload(a *models.RemediationAction) map[string]any {
	return map[string]any{
		"action_id":   a.ID,
		"action_type": a.ActionType,
		"status":      a.Status,
		"dry_run":     a.DryRun,
		"target":      a.Target,
	}
}
