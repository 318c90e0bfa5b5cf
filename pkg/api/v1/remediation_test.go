package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sec/orchestrator/internal/incident"
	"github.com/sentinel-sec/orchestrator/internal/remediation"
	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/pkg/models"
)

func setupRemediationHandler(t *testing.T) (*mux.Router, *models.Incident) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewMemoryStore()
	registry := remediation.NewRegistry(log)
	registry.Register("block_ip", &remediation.NoopExecutor{ExecName: "firewall"})
	lifecycle := remediation.NewLifecycle(st, registry, nopSink{}, log)
	handler := NewRemediationHandler(lifecycle, log)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	machine := incident.NewMachine(st, nopSink{}, log)
	inc, err := machine.Create(context.Background(), incident.CreateSpec{
		Type:     "brute_force",
		Severity: models.SeverityHigh,
	})
	require.NoError(t, err)

	return router, inc
}

func TestProposeAction_Success(t *testing.T) {
	router, inc := setupRemediationHandler(t)

	w := postJSON(t, router, "/api/v1/remediation/actions", ProposeActionRequest{
		IncidentID: inc.ID,
		ActionType: "block_ip",
		Target:     map[string]any{"ip": "203.0.113.7"},
	})

	assert.Equal(t, http.StatusCreated, w.Code)

	var action models.RemediationAction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&action))
	assert.NotEmpty(t, action.ID)
	assert.Equal(t, inc.ID, action.IncidentID)
	assert.Equal(t, models.ActionStatusPending, action.Status)
}

func TestProposeAction_MissingFields(t *testing.T) {
	router, _ := setupRemediationHandler(t)

	w := postJSON(t, router, "/api/v1/remediation/actions", ProposeActionRequest{ActionType: "block_ip"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProposeAction_UnknownIncident(t *testing.T) {
	router, _ := setupRemediationHandler(t)

	w := postJSON(t, router, "/api/v1/remediation/actions", ProposeActionRequest{
		IncidentID: "missing",
		ActionType: "block_ip",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApproveThenExecuteAction(t *testing.T) {
	router, inc := setupRemediationHandler(t)

	w := postJSON(t, router, "/api/v1/remediation/actions", ProposeActionRequest{
		IncidentID:       inc.ID,
		ActionType:       "block_ip",
		Target:           map[string]any{"ip": "203.0.113.7"},
		ApprovalRequired: true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var action models.RemediationAction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&action))
	assert.Equal(t, models.ActionStatusPendingApproval, action.Status)

	// Executing before approval is an illegal transition
	w = postJSON(t, router, "/api/v1/remediation/actions/"+action.ID+"/execute", struct{}{})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postJSON(t, router, "/api/v1/remediation/actions/"+action.ID+"/approve", DecisionRequest{
		Approver: "soc-lead",
		Notes:    "verified source",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var approved models.RemediationAction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&approved))
	assert.Equal(t, models.ActionStatusApproved, approved.Status)
	assert.Equal(t, "soc-lead", approved.Approval.Approver)

	w = postJSON(t, router, "/api/v1/remediation/actions/"+action.ID+"/execute", struct{}{})
	require.Equal(t, http.StatusOK, w.Code)

	var executed models.RemediationAction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&executed))
	assert.Equal(t, models.ActionStatusCompleted, executed.Status)
	require.NotNil(t, executed.Result)
	assert.True(t, executed.Result.Success)
}

func TestRejectAction(t *testing.T) {
	router, inc := setupRemediationHandler(t)

	w := postJSON(t, router, "/api/v1/remediation/actions", ProposeActionRequest{
		IncidentID:       inc.ID,
		ActionType:       "block_ip",
		ApprovalRequired: true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var action models.RemediationAction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&action))

	w = postJSON(t, router, "/api/v1/remediation/actions/"+action.ID+"/reject", DecisionRequest{
		Approver: "soc-lead",
		Notes:    "too disruptive",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var rejected models.RemediationAction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rejected))
	assert.Equal(t, models.ActionStatusFailed, rejected.Status)
	require.NotNil(t, rejected.Result)
	assert.Contains(t, rejected.Result.Message, "rejected")
}

func TestRejectAction_MissingApprover(t *testing.T) {
	router, inc := setupRemediationHandler(t)

	w := postJSON(t, router, "/api/v1/remediation/actions", ProposeActionRequest{
		IncidentID:       inc.ID,
		ActionType:       "block_ip",
		ApprovalRequired: true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var action models.RemediationAction
	require.NoError(t, json.NewDecoder(w.Body).Decode(&action))

	w = postJSON(t, router, "/api/v1/remediation/actions/"+action.ID+"/reject", DecisionRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListActionsForIncident(t *testing.T) {
	router, inc := setupRemediationHandler(t)

	for range [2]struct{}{} {
		w := postJSON(t, router, "/api/v1/remediation/actions", ProposeActionRequest{
			IncidentID: inc.ID,
			ActionType: "block_ip",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/incidents/"+inc.ID+"/actions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Actions []models.RemediationAction `json:"actions"`
		Total   int                        `json:"total"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Total)
	assert.Len(t, resp.Actions, 2)
}

func TestGetAction_NotFound(t *testing.T) {
	router, _ := setupRemediationHandler(t)

	req := httptest.NewRequest("GET", "/api/v1/remediation/actions/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
