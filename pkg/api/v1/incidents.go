package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/internal/incident"
	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// IncidentHandler handles incident API requests
type IncidentHandler struct {
	machine *incident.Machine
	log     *logrus.Logger
}

// NewIncidentHandler creates an incident handler
func NewIncidentHandler(machine *incident.Machine, log *logrus.Logger) *IncidentHandler {
	return &IncidentHandler{machine: machine, log: log}
}

// RegisterRoutes mounts incident endpoints on the router
func (h *IncidentHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/incidents", h.Create).Methods("POST")
	api.HandleFunc("/incidents", h.List).Methods("GET")
	api.HandleFunc("/incidents/{id}", h.Get).Methods("GET")
	api.HandleFunc("/incidents/{id}/transition", h.Transition).Methods("POST")
	api.HandleFunc("/incidents/{id}/resolve", h.Resolve).Methods("POST")
	api.HandleFunc("/incidents/{id}/reopen", h.Reopen).Methods("POST")
}

// CreateIncidentRequest is the request body for creating an incident
type CreateIncidentRequest struct {
	Type              string         `json:"type"`
	Severity          string         `json:"severity"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	AffectedResources []string       `json:"affected_resources"`
	Tags              []string       `json:"tags"`
	Metadata          map[string]any `json:"metadata"`
}

// Create handles POST /api/v1/incidents
func (h *IncidentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if !models.ValidSeverity(models.Severity(req.Severity)) {
		http.Error(w, "severity must be critical, high, medium, or low", http.StatusBadRequest)
		return
	}

	inc, err := h.machine.Create(r.Context(), incident.CreateSpec{
		Type:              req.Type,
		Severity:          models.Severity(req.Severity),
		Title:             req.Title,
		Description:       req.Description,
		AffectedResources: req.AffectedResources,
		Tags:              req.Tags,
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.log.WithError(err).Error("Failed to create incident")
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusCreated, inc)
}

// Get handles GET /api/v1/incidents/{id}
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.machine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, inc)
}

// List handles GET /api/v1/incidents
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	incidents, err := h.machine.List(r.Context(), store.IncidentFilter{
		Status:   models.IncidentStatus(q.Get("status")),
		Severity: models.Severity(q.Get("severity")),
		Type:     q.Get("type"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]any{
		"incidents": incidents,
		"total":     len(incidents),
	})
}

// TransitionRequest is the request body for a status transition
type TransitionRequest struct {
	Status   string         `json:"status"`
	Actor    string         `json:"actor"`
	Assignee *string        `json:"assignee,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// Transition handles POST /api/v1/incidents/{id}/transition
func (h *IncidentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}

	inc, err := h.machine.Transition(r.Context(), mux.Vars(r)["id"],
		models.IncidentStatus(req.Status), req.Actor, &incident.FieldUpdates{
			Assignee: req.Assignee,
			Metadata: req.Metadata,
			Tags:     req.Tags,
		})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, inc)
}

// ResolveRequest is the request body for resolving an incident
type ResolveRequest struct {
	ResolvedBy    string   `json:"resolved_by"`
	Notes         string   `json:"notes"`
	ActionsTaken  []string `json:"actions_taken"`
	FalsePositive bool     `json:"false_positive"`
}

// Resolve handles POST /api/v1/incidents/{id}/resolve
func (h *IncidentHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		http.Error(w, "resolved_by is required", http.StatusBadRequest)
		return
	}

	inc, err := h.machine.Resolve(r.Context(), mux.Vars(r)["id"], models.Resolution{
		ResolvedBy:   req.ResolvedBy,
		Notes:        req.Notes,
		ActionsTaken: req.ActionsTaken,
	}, req.FalsePositive)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, inc)
}

// ReopenRequest is the request body for reopening an incident
type ReopenRequest struct {
	Actor string `json:"actor"`
}

// Reopen handles POST /api/v1/incidents/{id}/reopen
func (h *IncidentHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	var req ReopenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	inc, err := h.machine.Reopen(r.Context(), mux.Vars(r)["id"], req.Actor)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, inc)
}
