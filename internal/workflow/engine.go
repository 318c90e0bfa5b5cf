// Package workflow drives the ordered sequence of agent steps for one
// incident. The engine holds no required in-memory state: everything needed
// to resume after a restart lives in the state store, and the recovery pass
// is a pure reconciliation over it.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/internal/bus"
	"github.com/sentinel-sec/orchestrator/internal/incident"
	"github.com/sentinel-sec/orchestrator/internal/remediation"
	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/pkg/models"
	"github.com/sentinel-sec/orchestrator/pkg/playbook"
)

const engineActor = "workflow-engine"

// Policy holds the engine's configurable retry and timeout defaults.
// Playbook steps may override timeout and attempts per step.
type Policy struct {
	DefaultStepTimeout time.Duration
	DefaultMaxAttempts int

	// RetryBackoff is the base delay before re-dispatching a failed step;
	// it doubles per attempt. Zero re-dispatches inline (used by tests).
	RetryBackoff time.Duration

	// DispatchAttempts bounds publish retries when the bus is unavailable.
	DispatchAttempts int
	DispatchBackoff  time.Duration
}

// DefaultPolicy is applied where the configuration leaves values unset
var DefaultPolicy = Policy{
	DefaultStepTimeout: 5 * time.Minute,
	DefaultMaxAttempts: 3,
	RetryBackoff:       30 * time.Second,
	DispatchAttempts:   3,
	DispatchBackoff:    2 * time.Second,
}

// EventSink receives state-transition events for fan-out to observers
type EventSink interface {
	Publish(ev models.Event)
}

// ActionProposer creates remediation actions proposed by completed steps
type ActionProposer interface {
	Propose(ctx context.Context, incidentID string, spec remediation.ActionSpec) (*models.RemediationAction, error)
}

// Engine orchestrates workflow execution against the state store and bus
type Engine struct {
	store     store.Store
	bus       bus.Bus
	incidents *incident.Machine
	events    EventSink
	proposer  ActionProposer
	policy    Policy
	retry     store.RetryPolicy
	log       *logrus.Logger
}

// NewEngine creates a workflow engine
func NewEngine(st store.Store, b bus.Bus, incidents *incident.Machine, events EventSink, policy Policy, log *logrus.Logger) *Engine {
	if policy.DefaultStepTimeout <= 0 {
		policy.DefaultStepTimeout = DefaultPolicy.DefaultStepTimeout
	}
	if policy.DefaultMaxAttempts <= 0 {
		policy.DefaultMaxAttempts = DefaultPolicy.DefaultMaxAttempts
	}
	if policy.DispatchAttempts <= 0 {
		policy.DispatchAttempts = DefaultPolicy.DispatchAttempts
	}
	return &Engine{
		store:     st,
		bus:       b,
		incidents: incidents,
		events:    events,
		policy:    policy,
		retry:     store.DefaultRetryPolicy,
		log:       log,
	}
}

// SetActionProposer wires the remediation lifecycle in. Optional: without
// it, step outputs proposing actions are logged and skipped.
func (e *Engine) SetActionProposer(p ActionProposer) {
	e.proposer = p
}

// Start creates the workflow for an incident and dispatches its first step.
// An incident carries at most one active workflow; the store rejects a
// second create while the first is still in flight.
func (e *Engine) Start(ctx context.Context, incidentID string, plan playbook.Plan) (*models.Workflow, error) {
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan %q has no steps", plan.Name)
	}
	inc, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status.Terminal() {
		return nil, &models.InvalidTransitionError{
			Kind: "incident", ID: incidentID,
			From: string(inc.Status), To: string(models.IncidentStatusInvestigating),
		}
	}

	wf := &models.Workflow{
		ID:         "wf-" + uuid.New().String(),
		IncidentID: incidentID,
		PlanName:   plan.Name,
		Status:     models.WorkflowStatusInitiated,
		OnComplete: plan.OnComplete,
		Steps:      make([]models.Step, len(plan.Steps)),
	}
	for i, ps := range plan.Steps {
		timeout := ps.TimeoutSeconds
		if timeout <= 0 {
			timeout = int(e.policy.DefaultStepTimeout.Seconds())
		}
		attempts := ps.MaxAttempts
		if attempts <= 0 {
			attempts = e.policy.DefaultMaxAttempts
		}
		wf.Steps[i] = models.Step{
			ID:             "step-" + uuid.New().String(),
			Agent:          ps.Agent,
			Action:         ps.Action,
			Status:         models.StepStatusPending,
			Input:          ps.Input,
			TimeoutSeconds: timeout,
			MaxAttempts:    attempts,
		}
	}

	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	if inc.Status == models.IncidentStatusOpen {
		if _, err := e.incidents.Transition(ctx, incidentID, models.IncidentStatusInvestigating, engineActor, nil); err != nil {
			e.log.WithError(err).WithField("incident_id", incidentID).Warn("Failed to move incident to investigating")
		}
	}

	wf.Status = models.WorkflowStatusRunning
	if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"incident_id": incidentID,
		"plan":        plan.Name,
		"steps":       len(wf.Steps),
	}).Info("Workflow started")
	RecordWorkflowStart()

	e.events.Publish(models.NewEvent(models.EventWorkflowStarted, e.eventAttrs(ctx, wf), map[string]any{
		"plan":  plan.Name,
		"steps": len(wf.Steps),
	}))

	// Dispatch failures leave the step pending; the recovery pass will
	// re-dispatch rather than fail a freshly created workflow.
	if err := e.dispatchStep(ctx, wf, 0); err != nil {
		e.log.WithError(err).WithField("workflow_id", wf.ID).Error("Initial dispatch failed, awaiting recovery pass")
	}
	return wf, nil
}

// Get returns a workflow by id
func (e *Engine) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// Incident returns the owning incident record for plan selection
func (e *Engine) Incident(ctx context.Context, id string) (*models.Incident, error) {
	return e.store.GetIncident(ctx, id)
}

// dispatchStep marks step idx running and publishes its work item. The
// running state is persisted before publishing so a crash in between is
// caught by the step timeout instead of leaving an untracked message.
func (e *Engine) dispatchStep(ctx context.Context, wf *models.Workflow, idx int) error {
	step := &wf.Steps[idx]
	now := time.Now().UTC()
	step.Status = models.StepStatusRunning
	step.DispatchedAt = &now
	step.Attempts++
	wf.CurrentStep = idx

	if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
		return err
	}

	d := bus.Dispatch{
		Agent:      step.Agent,
		IncidentID: wf.IncidentID,
		WorkflowID: wf.ID,
		StepID:     step.ID,
		Action:     step.Action,
		Input:      step.Input,
	}

	var pubErr error
	for attempt := 0; attempt < e.policy.DispatchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.policy.DispatchBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if pubErr = e.bus.PublishDispatch(ctx, d); pubErr == nil {
			break
		}
	}
	if pubErr != nil {
		// Put the step back to pending so the recovery pass re-dispatches.
		step.Status = models.StepStatusPending
		step.DispatchedAt = nil
		step.Attempts--
		if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
			e.log.WithError(err).WithField("workflow_id", wf.ID).Error("Failed to revert step after dispatch failure")
		}
		return &models.DispatchFailureError{Agent: step.Agent, StepID: step.ID, Err: pubErr}
	}

	e.log.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"step_id":     step.ID,
		"agent":       step.Agent,
		"action":      step.Action,
		"attempt":     step.Attempts,
	}).Info("Step dispatched")
	RecordStepDispatch(step.Agent)
	return nil
}

// OnStepResult applies one agent result. Idempotent: duplicate or late
// results (dedup key = step id + outcome hash) are acknowledged and
// discarded without side effects.
func (e *Engine) OnStepResult(ctx context.Context, res bus.StepResult) error {
	return store.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		wf, err := e.store.GetWorkflow(ctx, res.WorkflowID)
		if err != nil {
			if models.IsNotFound(err) {
				e.log.WithField("workflow_id", res.WorkflowID).Warn("Result for unknown workflow discarded")
				return nil
			}
			return err
		}
		if !wf.IsActive() {
			e.log.WithFields(logrus.Fields{
				"workflow_id": wf.ID,
				"status":      wf.Status,
				"step_id":     res.StepID,
			}).Info("Result for terminal workflow discarded")
			return nil
		}

		step := wf.FindStep(res.StepID)
		if step == nil {
			e.log.WithFields(logrus.Fields{
				"workflow_id": wf.ID,
				"step_id":     res.StepID,
			}).Warn("Result for unknown step discarded")
			return nil
		}

		h := outcomeHash(res)
		if step.ResultHash == h {
			e.log.WithField("step_id", step.ID).Debug("Duplicate step result discarded")
			return nil
		}
		if step.Status != models.StepStatusRunning {
			e.log.WithFields(logrus.Fields{
				"step_id": step.ID,
				"status":  step.Status,
			}).Info("Late step result discarded")
			return nil
		}

		if res.Status == models.StepStatusCompleted {
			return e.completeStep(ctx, wf, step, res, h)
		}
		return e.failStep(ctx, wf, step, res, h)
	})
}

func (e *Engine) completeStep(ctx context.Context, wf *models.Workflow, step *models.Step, res bus.StepResult, hash string) error {
	now := time.Now().UTC()
	step.Status = models.StepStatusCompleted
	step.Output = res.Output
	step.CompletedAt = &now
	step.ResultHash = hash
	step.Error = ""

	last := wf.CurrentStep == len(wf.Steps)-1
	if last {
		wf.Status = models.WorkflowStatusCompleted
		wf.CompletedAt = &now
	}
	if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"step_id":     step.ID,
		"agent":       step.Agent,
	}).Info("Step completed")
	attrs := e.eventAttrs(ctx, wf)
	e.events.Publish(models.NewEvent(models.EventWorkflowStepCompleted, attrs, map[string]any{
		"step_id": step.ID,
		"agent":   step.Agent,
		"action":  step.Action,
	}))

	e.proposeActions(ctx, wf, step)

	if last {
		e.log.WithFields(logrus.Fields{
			"workflow_id": wf.ID,
			"duration":    wf.Duration().String(),
		}).Info("Workflow completed")
		RecordWorkflowEnd("completed", wf.Duration().Seconds())
		e.events.Publish(models.NewEvent(models.EventWorkflowCompleted, attrs, map[string]any{
			"plan": wf.PlanName,
		}))
		e.finishIncident(ctx, wf)
		return nil
	}

	wf.CurrentStep++
	if err := e.dispatchStep(ctx, wf, wf.CurrentStep); err != nil {
		e.log.WithError(err).WithField("workflow_id", wf.ID).Error("Next step dispatch failed, awaiting recovery pass")
	}
	return nil
}

func (e *Engine) failStep(ctx context.Context, wf *models.Workflow, step *models.Step, res bus.StepResult, hash string) error {
	step.ResultHash = hash
	step.Error = res.Error

	attrs := e.eventAttrs(ctx, wf)
	if step.Attempts < step.MaxAttempts {
		// Retry with the original input unchanged.
		step.Status = models.StepStatusPending
		step.DispatchedAt = nil
		if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
			return err
		}

		e.log.WithFields(logrus.Fields{
			"workflow_id": wf.ID,
			"step_id":     step.ID,
			"attempt":     step.Attempts,
			"max":         step.MaxAttempts,
			"error":       res.Error,
		}).Warn("Step failed, scheduling retry")
		RecordStepRetry(step.Agent)
		e.events.Publish(models.NewEvent(models.EventWorkflowStepFailed, attrs, map[string]any{
			"step_id":  step.ID,
			"agent":    step.Agent,
			"error":    res.Error,
			"retrying": true,
			"attempt":  step.Attempts,
		}))

		e.scheduleRedispatch(wf.ID, step.ID, step.Attempts)
		return nil
	}

	now := time.Now().UTC()
	step.Status = models.StepStatusFailed
	step.CompletedAt = &now
	wf.Status = models.WorkflowStatusFailed
	wf.CompletedAt = &now
	wf.Error = &models.WorkflowError{
		StepIndex: wf.CurrentStep,
		Agent:     step.Agent,
		Message:   res.Error,
		Time:      now,
	}
	if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"workflow_id": wf.ID,
		"step_id":     step.ID,
		"agent":       step.Agent,
		"error":       res.Error,
	}).Error("Workflow failed")
	RecordWorkflowEnd("failed", wf.Duration().Seconds())
	e.events.Publish(models.NewEvent(models.EventWorkflowStepFailed, attrs, map[string]any{
		"step_id":  step.ID,
		"agent":    step.Agent,
		"error":    res.Error,
		"retrying": false,
	}))
	e.events.Publish(models.NewEvent(models.EventWorkflowFailed, attrs, map[string]any{
		"step_id": step.ID,
		"agent":   step.Agent,
		"error":   res.Error,
	}))
	return nil
}

// scheduleRedispatch re-dispatches a pending step after backoff. A zero
// backoff policy dispatches inline, which keeps tests deterministic.
func (e *Engine) scheduleRedispatch(workflowID, stepID string, attempt int) {
	redispatch := func() {
		ctx := context.Background()
		err := store.WithRetry(ctx, e.retry, func(ctx context.Context) error {
			wf, err := e.store.GetWorkflow(ctx, workflowID)
			if err != nil {
				return err
			}
			if !wf.IsActive() {
				return nil
			}
			step := wf.FindStep(stepID)
			if step == nil || step.Status != models.StepStatusPending {
				return nil
			}
			for i := range wf.Steps {
				if wf.Steps[i].ID == stepID {
					return e.dispatchStep(ctx, wf, i)
				}
			}
			return nil
		})
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"workflow_id": workflowID,
				"step_id":     stepID,
			}).Error("Step re-dispatch failed, awaiting recovery pass")
		}
	}

	if e.policy.RetryBackoff <= 0 {
		redispatch()
		return
	}
	backoff := e.policy.RetryBackoff << (attempt - 1)
	time.AfterFunc(backoff, redispatch)
}

// Cancel stops a workflow before its terminal state. Already-dispatched
// in-flight work is not recalled; its result is discarded when it arrives.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (*models.Workflow, error) {
	var result *models.Workflow
	err := store.WithRetry(ctx, e.retry, func(ctx context.Context) error {
		wf, err := e.store.GetWorkflow(ctx, id)
		if err != nil {
			return err
		}
		if !wf.IsActive() {
			return &models.InvalidTransitionError{
				Kind: "workflow", ID: id,
				From: string(wf.Status), To: string(models.WorkflowStatusCancelled),
			}
		}
		now := time.Now().UTC()
		wf.Status = models.WorkflowStatusCancelled
		wf.CompletedAt = &now
		if err := e.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
			return err
		}
		result = wf

		e.log.WithFields(logrus.Fields{
			"workflow_id": id,
			"actor":       actor,
		}).Info("Workflow cancelled")
		RecordWorkflowEnd("cancelled", wf.Duration().Seconds())
		e.events.Publish(models.NewEvent(models.EventWorkflowCancelled, e.eventAttrs(ctx, wf), map[string]any{
			"actor": actor,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finishIncident walks the owning incident forward to the workflow's
// declared terminal status, one legal edge at a time, writing a resolution
// record that lists the completed remediation actions.
func (e *Engine) finishIncident(ctx context.Context, wf *models.Workflow) {
	target := wf.OnComplete
	if target == "" {
		target = models.IncidentStatusResolved
	}

	inc, err := e.store.GetIncident(ctx, wf.IncidentID)
	if err != nil {
		e.log.WithError(err).WithField("incident_id", wf.IncidentID).Error("Failed to load incident for workflow completion")
		return
	}
	if inc.Status.Terminal() {
		return
	}

	if inc.Status == models.IncidentStatusOpen {
		if _, err := e.incidents.Transition(ctx, inc.ID, models.IncidentStatusInvestigating, engineActor, nil); err != nil {
			e.log.WithError(err).Error("Failed to advance incident to investigating")
			return
		}
		inc.Status = models.IncidentStatusInvestigating
	}
	if inc.Status == models.IncidentStatusInvestigating {
		if _, err := e.incidents.Transition(ctx, inc.ID, models.IncidentStatusRemediating, engineActor, nil); err != nil {
			e.log.WithError(err).Error("Failed to advance incident to remediating")
			return
		}
	}

	res := models.Resolution{
		ResolvedBy:   engineActor,
		Notes:        fmt.Sprintf("workflow %s (%s) completed", wf.ID, wf.PlanName),
		ActionsTaken: e.completedActions(ctx, wf.IncidentID),
	}
	if _, err := e.incidents.Resolve(ctx, wf.IncidentID, res, target == models.IncidentStatusFalsePositive); err != nil {
		e.log.WithError(err).WithField("incident_id", wf.IncidentID).Error("Failed to resolve incident after workflow completion")
	}
}

func (e *Engine) completedActions(ctx context.Context, incidentID string) []string {
	actions, err := e.store.ListActions(ctx, incidentID)
	if err != nil {
		return nil
	}
	var taken []string
	for _, a := range actions {
		if a.Status == models.ActionStatusCompleted || a.Status == models.ActionStatusRolledBack {
			taken = append(taken, a.ActionType)
		}
	}
	sort.Strings(taken)
	return taken
}

// proposeActions creates remediation actions a completed step proposed in
// its output under "proposed_actions".
func (e *Engine) proposeActions(ctx context.Context, wf *models.Workflow, step *models.Step) {
	specs := parseProposals(step.Output)
	if len(specs) == 0 {
		return
	}
	if e.proposer == nil {
		e.log.WithField("step_id", step.ID).Warn("Step proposed actions but no proposer is wired")
		return
	}
	for _, spec := range specs {
		spec.WorkflowID = wf.ID
		spec.StepID = step.ID
		if _, err := e.proposer.Propose(ctx, wf.IncidentID, spec); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"step_id":     step.ID,
				"action_type": spec.ActionType,
			}).Error("Failed to propose remediation action")
		}
	}
}

// parseProposals reads the loosely-typed proposal list out of a step output
// map. Unrecognized entries are skipped.
func parseProposals(output map[string]any) []remediation.ActionSpec {
	raw, ok := output["proposed_actions"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var specs []remediation.ActionSpec
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		actionType, _ := m["action_type"].(string)
		if actionType == "" {
			continue
		}
		spec := remediation.ActionSpec{ActionType: actionType}
		if target, ok := m["target"].(map[string]any); ok {
			spec.Target = target
		}
		if dryRun, ok := m["dry_run"].(bool); ok {
			spec.DryRun = dryRun
		}
		if required, ok := m["approval_required"].(bool); ok {
			spec.ApprovalRequired = required
		}
		specs = append(specs, spec)
	}
	return specs
}

func (e *Engine) eventAttrs(ctx context.Context, wf *models.Workflow) models.EventAttributes {
	attrs := models.EventAttributes{
		IncidentID: wf.IncidentID,
		WorkflowID: wf.ID,
	}
	if inc, err := e.store.GetIncident(ctx, wf.IncidentID); err == nil {
		attrs.Severity = inc.Severity
		attrs.IncidentType = inc.Type
		attrs.Tags = inc.Tags
	}
	return attrs
}

// outcomeHash is the dedup key for at-least-once result delivery
func outcomeHash(res bus.StepResult) string {
	payload, _ := json.Marshal(map[string]any{
		"step_id": res.StepID,
		"status":  res.Status,
		"output":  res.Output,
		"error":   res.Error,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
