package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// RecoverActiveWorkflows reconciles every in-progress workflow against the
// clock: stuck dispatches are re-sent, timed-out steps re-enter the failure
// policy, and workflows that crashed mid-advance are pushed forward. Run
// once at process start and periodically thereafter. Returns the number of
// workflows acted on.
func (e *Engine) RecoverActiveWorkflows(ctx context.Context) (int, error) {
	wfs, err := e.store.ActiveWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active workflows: %w", err)
	}

	recovered := 0
	for _, wf := range wfs {
		acted, err := e.recoverWorkflow(ctx, wf)
		if err != nil {
			e.log.WithError(err).WithField("workflow_id", wf.ID).Error("Recovery of workflow failed")
			continue
		}
		if acted {
			recovered++
		}
	}
	if recovered > 0 {
		e.log.WithFields(logrus.Fields{
			"active":    len(wfs),
			"recovered": recovered,
		}).Info("Recovery pass complete")
	}
	return recovered, nil
}

func (e *Engine) recoverWorkflow(ctx context.Context, wf *models.Workflow) (bool, error) {
	if wf.CurrentStep < 0 || wf.CurrentStep >= len(wf.Steps) {
		return false, fmt.Errorf("workflow %s has invalid current step %d", wf.ID, wf.CurrentStep)
	}
	step := &wf.Steps[wf.CurrentStep]

	switch step.Status {
	case models.StepStatusPending:
		// Crash before dispatch, or a dispatch that never reached the bus.
		if wf.Status == models.WorkflowStatusInitiated {
			wf.Status = models.WorkflowStatusRunning
		}
		e.log.WithFields(logrus.Fields{
			"workflow_id": wf.ID,
			"step_id":     step.ID,
		}).Info("Recovery: re-dispatching pending step")
		return true, e.dispatchStep(ctx, wf, wf.CurrentStep)

	case models.StepStatusRunning:
		if step.DispatchedAt == nil {
			return true, e.dispatchStep(ctx, wf, wf.CurrentStep)
		}
		timeout := time.Duration(step.TimeoutSeconds) * time.Second
		age := time.Since(*step.DispatchedAt)
		if age <= timeout {
			return false, nil
		}

		RecordRecoveryTimeout(step.Agent)
		if step.Attempts < step.MaxAttempts {
			e.log.WithFields(logrus.Fields{
				"workflow_id": wf.ID,
				"step_id":     step.ID,
				"age":         age.String(),
				"attempt":     step.Attempts,
			}).Warn("Recovery: step timed out, re-dispatching")
			return true, e.dispatchStep(ctx, wf, wf.CurrentStep)
		}

		now := time.Now().UTC()
		step.Status = models.StepStatusFailed
		step.Error = fmt.Sprintf("no result within %s after %d attempts", timeout, step.Attempts)
		step.CompletedAt = &now
		wf.Status = models.WorkflowStatusFailed
		wf.CompletedAt = &now
		wf.Error = &models.WorkflowError{
			StepIndex: wf.CurrentStep,
			Agent:     step.Agent,
			Message:   step.Error,
			Time:      now,
		}
		if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
			return false, err
		}

		e.log.WithFields(logrus.Fields{
			"workflow_id": wf.ID,
			"step_id":     step.ID,
			"agent":       step.Agent,
		}).Error("Recovery: workflow failed by step timeout")
		RecordWorkflowEnd("failed", wf.Duration().Seconds())
		e.events.Publish(models.NewEvent(models.EventWorkflowFailed, e.eventAttrs(ctx, wf), map[string]any{
			"step_id": step.ID,
			"agent":   step.Agent,
			"error":   step.Error,
		}))
		return true, nil

	case models.StepStatusCompleted:
		// Crash between completing a step and dispatching the next one.
		if wf.CurrentStep == len(wf.Steps)-1 {
			now := time.Now().UTC()
			wf.Status = models.WorkflowStatusCompleted
			wf.CompletedAt = &now
			if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
				return false, err
			}
			RecordWorkflowEnd("completed", wf.Duration().Seconds())
			e.events.Publish(models.NewEvent(models.EventWorkflowCompleted, e.eventAttrs(ctx, wf), map[string]any{
				"plan": wf.PlanName,
			}))
			e.finishIncident(ctx, wf)
			return true, nil
		}
		wf.CurrentStep++
		e.log.WithFields(logrus.Fields{
			"workflow_id": wf.ID,
			"step":        wf.CurrentStep,
		}).Info("Recovery: advancing past completed step")
		return true, e.dispatchStep(ctx, wf, wf.CurrentStep)

	default:
		return false, nil
	}
}

// RunRecoveryLoop runs recovery passes until ctx is cancelled
func (e *Engine) RunRecoveryLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Recovery loop stopped")
			return
		case <-ticker.C:
			if _, err := e.RecoverActiveWorkflows(ctx); err != nil {
				e.log.WithError(err).Error("Recovery pass failed")
			}
		}
	}
}
