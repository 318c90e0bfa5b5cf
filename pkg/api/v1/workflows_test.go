package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sec/orchestrator/internal/bus"
	"github.com/sentinel-sec/orchestrator/internal/incident"
	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/internal/workflow"
	"github.com/sentinel-sec/orchestrator/pkg/models"
	"github.com/sentinel-sec/orchestrator/pkg/playbook"
)

const testPlaybook = `
plans:
  - name: brute-force-lockdown
    trigger: brute_force
    steps:
      - agent: siem
        action: enumerate_sources
      - agent: firewall
        action: propose_blocks
`

func setupWorkflowHandler(t *testing.T) (*mux.Router, *incident.Machine, *workflow.Engine) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewMemoryStore()
	machine := incident.NewMachine(st, nopSink{}, log)
	msgBus := bus.NewMemoryBus(log)
	t.Cleanup(func() { _ = msgBus.Close() })

	engine := workflow.NewEngine(st, msgBus, machine, nopSink{}, workflow.Policy{
		DefaultStepTimeout: time.Minute,
		DefaultMaxAttempts: 2,
	}, log)

	book, err := playbook.Parse([]byte(testPlaybook))
	require.NoError(t, err)

	handler := NewWorkflowHandler(engine, book, log)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return router, machine, engine
}

func TestStartWorkflow_PlanFromIncidentType(t *testing.T) {
	router, machine, _ := setupWorkflowHandler(t)

	inc, err := machine.Create(context.Background(), incident.CreateSpec{
		Type:     "brute_force",
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	w := postJSON(t, router, "/api/v1/workflows", StartWorkflowRequest{IncidentID: inc.ID})

	assert.Equal(t, http.StatusAccepted, w.Code)

	var wf models.Workflow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&wf))
	assert.Equal(t, inc.ID, wf.IncidentID)
	assert.Equal(t, "brute-force-lockdown", wf.PlanName)
	assert.Equal(t, models.WorkflowStatusRunning, wf.Status)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, models.StepStatusRunning, wf.Steps[0].Status)
}

func TestStartWorkflow_SecondActiveConflicts(t *testing.T) {
	router, machine, _ := setupWorkflowHandler(t)

	inc, err := machine.Create(context.Background(), incident.CreateSpec{
		Type:     "brute_force",
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	first := postJSON(t, router, "/api/v1/workflows", StartWorkflowRequest{IncidentID: inc.ID})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := postJSON(t, router, "/api/v1/workflows", StartWorkflowRequest{IncidentID: inc.ID})
	assert.Equal(t, http.StatusConflict, second.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(second.Body).Decode(&body))
	assert.Equal(t, "active_workflow", body["kind"])
}

func TestStartWorkflow_NoPlanForType(t *testing.T) {
	router, machine, _ := setupWorkflowHandler(t)

	inc, err := machine.Create(context.Background(), incident.CreateSpec{
		Type:     "insider_threat",
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	w := postJSON(t, router, "/api/v1/workflows", StartWorkflowRequest{IncidentID: inc.ID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartWorkflow_MissingIncidentID(t *testing.T) {
	router, _, _ := setupWorkflowHandler(t)

	w := postJSON(t, router, "/api/v1/workflows", StartWorkflowRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	router, _, _ := setupWorkflowHandler(t)

	req := httptest.NewRequest("GET", "/api/v1/workflows/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowStepResult_Webhook(t *testing.T) {
	router, machine, engine := setupWorkflowHandler(t)

	ctx := context.Background()
	inc, err := machine.Create(ctx, incident.CreateSpec{
		Type:     "brute_force",
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	w := postJSON(t, router, "/api/v1/workflows", StartWorkflowRequest{IncidentID: inc.ID})
	require.Equal(t, http.StatusAccepted, w.Code)

	var wf models.Workflow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&wf))

	w = postJSON(t, router,
		"/api/v1/workflows/"+wf.ID+"/steps/"+wf.Steps[0].ID+"/result",
		StepResultRequest{
			Status: "completed",
			Agent:  "siem",
			Output: map[string]any{"sources": []string{"203.0.113.7"}},
		})
	assert.Equal(t, http.StatusAccepted, w.Code)

	updated, err := engine.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, updated.Steps[0].Status)
	assert.Equal(t, 1, updated.CurrentStep)
	assert.Equal(t, models.StepStatusRunning, updated.Steps[1].Status)
}

func TestWorkflowStepResult_InvalidStatus(t *testing.T) {
	router, _, _ := setupWorkflowHandler(t)

	w := postJSON(t, router, "/api/v1/workflows/wf-1/steps/step-1/result",
		StepResultRequest{Status: "done", Agent: "siem"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelWorkflow(t *testing.T) {
	router, machine, _ := setupWorkflowHandler(t)

	inc, err := machine.Create(context.Background(), incident.CreateSpec{
		Type:     "brute_force",
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	w := postJSON(t, router, "/api/v1/workflows", StartWorkflowRequest{IncidentID: inc.ID})
	require.Equal(t, http.StatusAccepted, w.Code)

	var wf models.Workflow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&wf))

	w = postJSON(t, router, "/api/v1/workflows/"+wf.ID+"/cancel", CancelRequest{Actor: "analyst-1"})
	assert.Equal(t, http.StatusOK, w.Code)

	var cancelled models.Workflow
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cancelled))
	assert.Equal(t, models.WorkflowStatusCancelled, cancelled.Status)

	// A second cancel is an illegal transition
	w = postJSON(t, router, "/api/v1/workflows/"+wf.ID+"/cancel", CancelRequest{Actor: "analyst-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
}
