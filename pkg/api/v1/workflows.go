package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/internal/bus"
	"github.com/sentinel-sec/orchestrator/internal/workflow"
	"github.com/sentinel-sec/orchestrator/pkg/models"
	"github.com/sentinel-sec/orchestrator/pkg/playbook"
)

// WorkflowHandler handles workflow API requests
type WorkflowHandler struct {
	engine    *workflow.Engine
	playbooks *playbook.Book
	log       *logrus.Logger
}

// NewWorkflowHandler creates a workflow handler
func NewWorkflowHandler(engine *workflow.Engine, playbooks *playbook.Book, log *logrus.Logger) *WorkflowHandler {
	return &WorkflowHandler{engine: engine, playbooks: playbooks, log: log}
}

// RegisterRoutes mounts workflow endpoints on the router
func (h *WorkflowHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/workflows", h.Start).Methods("POST")
	api.HandleFunc("/workflows/{id}", h.Get).Methods("GET")
	api.HandleFunc("/workflows/{id}/cancel", h.Cancel).Methods("POST")
	api.HandleFunc("/workflows/{id}/steps/{stepId}/result", h.StepResult).Methods("POST")
}

// StartWorkflowRequest is the request body for starting a workflow
type StartWorkflowRequest struct {
	IncidentID string `json:"incident_id"`

	// Plan selects a playbook by trigger name. Omitted: the incident's
	// type selects the plan.
	Plan string `json:"plan,omitempty"`
}

// Start handles POST /api/v1/workflows
func (h *WorkflowHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.IncidentID == "" {
		http.Error(w, "incident_id is required", http.StatusBadRequest)
		return
	}

	plan, ok := h.resolvePlan(r, req)
	if !ok {
		http.Error(w, "no playbook found for incident", http.StatusBadRequest)
		return
	}

	wf, err := h.engine.Start(r.Context(), req.IncidentID, plan)
	if err != nil {
		h.log.WithError(err).Error("Failed to start workflow")
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusAccepted, wf)
}

func (h *WorkflowHandler) resolvePlan(r *http.Request, req StartWorkflowRequest) (playbook.Plan, bool) {
	if req.Plan != "" {
		return h.playbooks.Get(req.Plan)
	}
	inc, err := h.engine.Incident(r.Context(), req.IncidentID)
	if err != nil {
		return playbook.Plan{}, false
	}
	return h.playbooks.Get(inc.Type)
}

// Get handles GET /api/v1/workflows/{id}
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, wf)
}

// CancelRequest is the request body for cancelling a workflow
type CancelRequest struct {
	Actor string `json:"actor"`
}

// Cancel handles POST /api/v1/workflows/{id}/cancel
func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	wf, err := h.engine.Cancel(r.Context(), mux.Vars(r)["id"], req.Actor)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, wf)
}

// StepResultRequest is the request body for the step-result webhook. It
// bridges agents that report over HTTP instead of the bus; delivery
// semantics are identical (idempotent, at least once).
type StepResultRequest struct {
	Status string         `json:"status"`
	Agent  string         `json:"agent"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// StepResult handles POST /api/v1/workflows/{id}/steps/{stepId}/result
func (h *WorkflowHandler) StepResult(w http.ResponseWriter, r *http.Request) {
	var req StepResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	status := models.StepStatus(req.Status)
	if status != models.StepStatusCompleted && status != models.StepStatusFailed {
		http.Error(w, "status must be completed or failed", http.StatusBadRequest)
		return
	}

	vars := mux.Vars(r)
	err := h.engine.OnStepResult(r.Context(), bus.StepResult{
		WorkflowID: vars["id"],
		StepID:     vars["stepId"],
		Agent:      req.Agent,
		Status:     status,
		Output:     req.Output,
		Error:      req.Error,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusAccepted, map[string]any{"accepted": true})
}
