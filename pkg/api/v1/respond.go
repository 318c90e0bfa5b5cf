// Package v1 exposes the orchestration core's programmatic operations over
// HTTP. Handlers map the domain error taxonomy onto status codes and always
// return the current authoritative state with a rejection.
package v1

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/pkg/models"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, log *logrus.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps domain errors to HTTP statuses: unknown ids are 404,
// illegal edges and lock conflicts are 409, bus outages are 502.
func writeError(w http.ResponseWriter, log *logrus.Logger, err error) {
	status := http.StatusInternalServerError
	kind := ""
	switch {
	case models.IsNotFound(err):
		status = http.StatusNotFound
		kind = "not_found"
	case models.IsInvalidTransition(err):
		status = http.StatusConflict
		kind = "invalid_transition"
	case models.IsConcurrentModification(err):
		status = http.StatusConflict
		kind = "concurrent_modification"
	case models.IsActiveWorkflow(err):
		status = http.StatusConflict
		kind = "active_workflow"
	case models.IsDispatchFailure(err):
		status = http.StatusBadGateway
		kind = "dispatch_failure"
	}
	writeJSON(w, log, status, errorResponse{Error: err.Error(), Kind: kind})
}
