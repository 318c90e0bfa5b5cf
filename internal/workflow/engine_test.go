package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sec/orchestrator/internal/bus"
	"github.com/sentinel-sec/orchestrator/internal/incident"
	"github.com/sentinel-sec/orchestrator/internal/remediation"
	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/pkg/models"
	"github.com/sentinel-sec/orchestrator/pkg/playbook"
)

// recordingBus captures dispatches synchronously so tests stay deterministic
type recordingBus struct {
	mu          sync.Mutex
	dispatches  []bus.Dispatch
	failPublish bool
}

func (b *recordingBus) PublishDispatch(_ context.Context, d bus.Dispatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPublish {
		return fmt.Errorf("broker unavailable")
	}
	b.dispatches = append(b.dispatches, d)
	return nil
}

func (b *recordingBus) PublishResult(context.Context, bus.StepResult) error { return nil }
func (b *recordingBus) SubscribeDispatches(bus.DispatchHandler) func()      { return func() {} }
func (b *recordingBus) SubscribeResults(bus.ResultHandler) func()           { return func() {} }
func (b *recordingBus) Close() error                                        { return nil }

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dispatches)
}

func (b *recordingBus) last() bus.Dispatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dispatches[len(b.dispatches)-1]
}

func (b *recordingBus) setFail(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish = fail
}

type nopSink struct{}

func (nopSink) Publish(models.Event) {}

type testEnv struct {
	store     *store.MemoryStore
	bus       *recordingBus
	machine   *incident.Machine
	engine    *Engine
	lifecycle *remediation.Lifecycle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewMemoryStore()
	b := &recordingBus{}
	machine := incident.NewMachine(st, nopSink{}, log)

	registry := remediation.NewRegistry(log)
	registry.Register("block_ip", &remediation.NoopExecutor{ExecName: "firewall"})
	lifecycle := remediation.NewLifecycle(st, registry, nopSink{}, log)

	engine := NewEngine(st, b, machine, nopSink{}, Policy{
		DefaultStepTimeout: time.Minute,
		DefaultMaxAttempts: 2,
		RetryBackoff:       0, // re-dispatch inline
		DispatchAttempts:   1,
		DispatchBackoff:    time.Millisecond,
	}, log)
	engine.SetActionProposer(lifecycle)

	return &testEnv{store: st, bus: b, machine: machine, engine: engine, lifecycle: lifecycle}
}

func (env *testEnv) newIncident(t *testing.T) *models.Incident {
	t.Helper()
	inc, err := env.machine.Create(context.Background(), incident.CreateSpec{
		Type:     "brute_force",
		Severity: models.SeverityHigh,
		Title:    "Repeated failed logins from single source",
	})
	require.NoError(t, err)
	return inc
}

func testPlan(steps ...string) playbook.Plan {
	p := playbook.Plan{Name: "test-plan", Trigger: "brute_force"}
	for _, action := range steps {
		p.Steps = append(p.Steps, playbook.PlanStep{Agent: "siem", Action: action})
	}
	return p
}

func TestEngine_Start_DispatchesFirstStep(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	wf, err := env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources", "propose_blocks"))
	require.NoError(t, err)

	assert.Equal(t, models.WorkflowStatusRunning, wf.Status)
	assert.Equal(t, 0, wf.CurrentStep)
	assert.Equal(t, models.StepStatusRunning, wf.Steps[0].Status)
	assert.Equal(t, 1, wf.Steps[0].Attempts)
	assert.NotNil(t, wf.Steps[0].DispatchedAt)
	assert.Equal(t, models.StepStatusPending, wf.Steps[1].Status)

	require.Equal(t, 1, env.bus.count())
	d := env.bus.last()
	assert.Equal(t, "siem", d.Agent)
	assert.Equal(t, "enumerate_sources", d.Action)
	assert.Equal(t, wf.ID, d.WorkflowID)
	assert.Equal(t, wf.Steps[0].ID, d.StepID)

	// Starting a workflow moves an open incident into investigation
	got, err := env.machine.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusInvestigating, got.Status)
}

func TestEngine_Start_TerminalIncidentRejected(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	_, err := env.machine.Transition(ctx, inc.ID, models.IncidentStatusInvestigating, "analyst", nil)
	require.NoError(t, err)
	_, err = env.machine.Transition(ctx, inc.ID, models.IncidentStatusRemediating, "analyst", nil)
	require.NoError(t, err)
	_, err = env.machine.Resolve(ctx, inc.ID, models.Resolution{ResolvedBy: "analyst"}, false)
	require.NoError(t, err)

	_, err = env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources"))
	assert.True(t, models.IsInvalidTransition(err))
}

func TestEngine_Start_SecondActiveWorkflowRejected(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	first, err := env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources", "propose_blocks"))
	require.NoError(t, err)

	// One workflow per incident while the first is still in flight
	_, err = env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources"))
	require.Error(t, err)
	assert.True(t, models.IsActiveWorkflow(err))
	assert.Equal(t, 1, env.bus.count(), "the rejected start must not dispatch")

	// Once the first reaches a terminal status a new one may start
	_, err = env.engine.Cancel(ctx, first.ID, "analyst")
	require.NoError(t, err)

	second, err := env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestEngine_Start_EmptyPlanRejected(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, inc.ID, playbook.Plan{Name: "empty-plan", Trigger: "brute_force"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no steps")

	// Nothing was created or dispatched
	wfs, err := env.store.ActiveWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, wfs)
	assert.Equal(t, 0, env.bus.count())
}

func TestEngine_StepCompletion_AdvancesAndFinishes(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	wf, err := env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources", "propose_blocks"))
	require.NoError(t, err)

	require.NoError(t, env.engine.OnStepResult(ctx, bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[0].ID,
		Status:     models.StepStatusCompleted,
		Output:     map[string]any{"sources": []any{"10.1.2.3"}},
	}))

	mid, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, mid.Status)
	assert.Equal(t, 1, mid.CurrentStep)
	assert.Equal(t, models.StepStatusCompleted, mid.Steps[0].Status)
	assert.Equal(t, models.StepStatusRunning, mid.Steps[1].Status)
	assert.Equal(t, 2, env.bus.count())

	require.NoError(t, env.engine.OnStepResult(ctx, bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[1].ID,
		Status:     models.StepStatusCompleted,
	}))

	done, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	// The incident is walked through remediating to resolved
	got, err := env.machine.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "workflow-engine", got.Resolution.ResolvedBy)
}

func TestEngine_FullScenario_ProposalApprovalExecution(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	wf, err := env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources", "propose_blocks"))
	require.NoError(t, err)

	require.NoError(t, env.engine.OnStepResult(ctx, bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[0].ID,
		Status:     models.StepStatusCompleted,
	}))

	// The final step proposes a gated remediation action
	require.NoError(t, env.engine.OnStepResult(ctx, bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[1].ID,
		Status:     models.StepStatusCompleted,
		Output: map[string]any{
			"proposed_actions": []any{
				map[string]any{
					"action_type":       "block_ip",
					"target":            map[string]any{"ip": "10.1.2.3"},
					"approval_required": true,
				},
			},
		},
	}))

	actions, err := env.lifecycle.ListForIncident(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	action := actions[0]
	assert.Equal(t, models.ActionStatusPendingApproval, action.Status)
	assert.Equal(t, wf.ID, action.WorkflowID)
	assert.Equal(t, wf.Steps[1].ID, action.StepID)

	// Execution before approval is rejected
	_, err = env.lifecycle.Execute(ctx, action.ID)
	assert.True(t, models.IsInvalidTransition(err))

	_, err = env.lifecycle.Approve(ctx, action.ID, "soc-lead", "confirmed hostile")
	require.NoError(t, err)

	executed, err := env.lifecycle.Execute(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusCompleted, executed.Status)
	require.NotNil(t, executed.Result)
	assert.True(t, executed.Result.Success)
}

func TestEngine_OnStepResult_DuplicateDiscarded(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	wf, err := env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources", "propose_blocks"))
	require.NoError(t, err)

	res := bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[0].ID,
		Status:     models.StepStatusCompleted,
		Output:     map[string]any{"sources": []any{"10.1.2.3"}},
	}
	require.NoError(t, env.engine.OnStepResult(ctx, res))
	after := env.bus.count()

	// Redelivery of the identical result must not advance anything
	require.NoError(t, env.engine.OnStepResult(ctx, res))

	got, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, after, env.bus.count(), "duplicate result must not trigger a dispatch")
	assert.Equal(t, 1, got.Steps[1].Attempts)
}

func TestEngine_OnStepResult_FailureRetriesWithOriginalInput(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	plan := testPlan("enumerate_sources")
	plan.Steps[0].Input = map[string]any{"window": "24h"}
	plan.Steps[0].MaxAttempts = 2

	wf, err := env.engine.Start(ctx, inc.ID, plan)
	require.NoError(t, err)

	require.NoError(t, env.engine.OnStepResult(ctx, bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[0].ID,
		Status:     models.StepStatusFailed,
		Error:      "siem query timeout",
	}))

	// Inline re-dispatch with the original input
	require.Equal(t, 2, env.bus.count())
	d := env.bus.last()
	assert.Equal(t, map[string]any{"window": "24h"}, d.Input)

	got, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, got.Status)
	assert.Equal(t, models.StepStatusRunning, got.Steps[0].Status)
	assert.Equal(t, 2, got.Steps[0].Attempts)

	// Second failure exhausts attempts and fails the workflow
	require.NoError(t, env.engine.OnStepResult(ctx, bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[0].ID,
		Status:     models.StepStatusFailed,
		Error:      "siem query timeout again",
	}))

	failed, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusFailed, failed.Status)
	assert.Equal(t, models.StepStatusFailed, failed.Steps[0].Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "siem query timeout again", failed.Error.Message)
	assert.Equal(t, 0, failed.Error.StepIndex)
}

func TestEngine_Cancel_DiscardsLateResult(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	wf, err := env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources", "propose_blocks"))
	require.NoError(t, err)

	cancelled, err := env.engine.Cancel(ctx, wf.ID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	// The in-flight result arrives after cancellation and is discarded
	require.NoError(t, env.engine.OnStepResult(ctx, bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[0].ID,
		Status:     models.StepStatusCompleted,
	}))

	got, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCancelled, got.Status)
	assert.Equal(t, models.StepStatusRunning, got.Steps[0].Status)
	assert.Equal(t, 1, env.bus.count())

	// Cancelling twice is an invalid transition
	_, err = env.engine.Cancel(ctx, wf.ID, "analyst")
	assert.True(t, models.IsInvalidTransition(err))
}

func TestEngine_OnStepResult_UnknownWorkflowAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.OnStepResult(context.Background(), bus.StepResult{
		WorkflowID: "wf-missing",
		StepID:     "step-missing",
		Status:     models.StepStatusCompleted,
	})
	assert.NoError(t, err, "results for unknown workflows are acknowledged, not retried")
}

func TestEngine_Start_DispatchFailureLeavesStepPending(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	env.bus.setFail(true)
	wf, err := env.engine.Start(ctx, inc.ID, testPlan("enumerate_sources"))
	require.NoError(t, err, "a failed initial dispatch does not fail workflow creation")

	got, err := env.engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, got.Status)
	assert.Equal(t, models.StepStatusPending, got.Steps[0].Status)
	assert.Equal(t, 0, got.Steps[0].Attempts)
	assert.Nil(t, got.Steps[0].DispatchedAt)
}

func TestEngine_FalsePositivePlanOutcome(t *testing.T) {
	env := newTestEnv(t)
	inc := env.newIncident(t)
	ctx := context.Background()

	plan := testPlan("confirm_scanner_origin")
	plan.OnComplete = models.IncidentStatusFalsePositive

	wf, err := env.engine.Start(ctx, inc.ID, plan)
	require.NoError(t, err)

	require.NoError(t, env.engine.OnStepResult(ctx, bus.StepResult{
		WorkflowID: wf.ID,
		StepID:     wf.Steps[0].ID,
		Status:     models.StepStatusCompleted,
	}))

	got, err := env.machine.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusFalsePositive, got.Status)
	require.NotNil(t, got.Resolution)
	assert.True(t, got.Resolution.FalsePositive)
}
