package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/internal/remediation"
	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// RemediationHandler handles remediation action API requests
type RemediationHandler struct {
	lifecycle *remediation.Lifecycle
	log       *logrus.Logger
}

// NewRemediationHandler creates a remediation handler
func NewRemediationHandler(lifecycle *remediation.Lifecycle, log *logrus.Logger) *RemediationHandler {
	return &RemediationHandler{lifecycle: lifecycle, log: log}
}

// RegisterRoutes mounts remediation endpoints on the router
func (h *RemediationHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/remediation/actions", h.Propose).Methods("POST")
	api.HandleFunc("/remediation/actions/{id}", h.Get).Methods("GET")
	api.HandleFunc("/remediation/actions/{id}/approve", h.Approve).Methods("POST")
	api.HandleFunc("/remediation/actions/{id}/reject", h.Reject).Methods("POST")
	api.HandleFunc("/remediation/actions/{id}/execute", h.Execute).Methods("POST")
	api.HandleFunc("/remediation/actions/{id}/rollback", h.Rollback).Methods("POST")
	api.HandleFunc("/incidents/{id}/actions", h.ListForIncident).Methods("GET")
}

// ProposeActionRequest is the request body for proposing an action
type ProposeActionRequest struct {
	IncidentID       string         `json:"incident_id"`
	ActionType       string         `json:"action_type"`
	Target           map[string]any `json:"target"`
	DryRun           bool           `json:"dry_run"`
	ApprovalRequired bool           `json:"approval_required"`
	WorkflowID       string         `json:"workflow_id,omitempty"`
	StepID           string         `json:"step_id,omitempty"`
}

// Propose handles POST /api/v1/remediation/actions
func (h *RemediationHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var req ProposeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.IncidentID == "" || req.ActionType == "" {
		http.Error(w, "incident_id and action_type are required", http.StatusBadRequest)
		return
	}

	a, err := h.lifecycle.Propose(r.Context(), req.IncidentID, remediation.ActionSpec{
		ActionType:       req.ActionType,
		Target:           req.Target,
		DryRun:           req.DryRun,
		ApprovalRequired: req.ApprovalRequired,
		WorkflowID:       req.WorkflowID,
		StepID:           req.StepID,
	})
	if err != nil {
		h.log.WithError(err).Error("Failed to propose action")
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusCreated, a)
}

// Get handles GET /api/v1/remediation/actions/{id}
func (h *RemediationHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, a)
}

// ListForIncident handles GET /api/v1/incidents/{id}/actions
func (h *RemediationHandler) ListForIncident(w http.ResponseWriter, r *http.Request) {
	actions, err := h.lifecycle.ListForIncident(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]any{
		"actions": actions,
		"total":   len(actions),
	})
}

// DecisionRequest is the request body for approve/reject
type DecisionRequest struct {
	Approver string `json:"approver"`
	Notes    string `json:"notes"`
}

// Approve handles POST /api/v1/remediation/actions/{id}/approve
func (h *RemediationHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Approver == "" {
		http.Error(w, "approver is required", http.StatusBadRequest)
		return
	}
	a, err := h.lifecycle.Approve(r.Context(), mux.Vars(r)["id"], req.Approver, req.Notes)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, a)
}

// Reject handles POST /api/v1/remediation/actions/{id}/reject
func (h *RemediationHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Approver == "" {
		http.Error(w, "approver is required", http.StatusBadRequest)
		return
	}
	a, err := h.lifecycle.Reject(r.Context(), mux.Vars(r)["id"], req.Approver, req.Notes)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, a)
}

// Execute handles POST /api/v1/remediation/actions/{id}/execute
func (h *RemediationHandler) Execute(w http.ResponseWriter, r *http.Request) {
	a, err := h.lifecycle.Execute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		var execErr *models.ExecutionFailureError
		if errors.As(err, &execErr) {
			// The attempt is terminal; report the failed action state.
			writeJSON(w, h.log, http.StatusUnprocessableEntity, a)
			return
		}
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, a)
}

// RollbackRequest is the request body for rolling back an action
type RollbackRequest struct {
	Reason string `json:"reason"`
}

// Rollback handles POST /api/v1/remediation/actions/{id}/rollback
func (h *RemediationHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	a, err := h.lifecycle.Rollback(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil && a == nil {
		writeError(w, h.log, err)
		return
	}
	if err != nil {
		// Rollback failure is reported with the action still completed.
		writeJSON(w, h.log, http.StatusUnprocessableEntity, a)
		return
	}
	writeJSON(w, h.log, http.StatusOK, a)
}
