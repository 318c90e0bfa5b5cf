package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sentinel-sec/orchestrator/internal/hub"
	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	log       *logrus.Logger
	store     store.Store
	hub       *hub.Hub
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(log *logrus.Logger, st store.Store, h *hub.Hub, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		log:       log,
		store:     st,
		hub:       h,
		version:   version,
		startTime: startTime,
	}
}

// ServeHTTP handles the health check request
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := models.NewHealthResponse(h.version, h.startTime)

	storeHealth := h.checkStore(ctx)
	health.AddDependency("store", &storeHealth)

	health.Details["event_connections"] = h.hub.ConnectionCount()

	w.Header().Set("Content-Type", "application/json")

	switch health.Status {
	case models.HealthStatusHealthy, models.HealthStatusDegraded:
		w.WriteHeader(http.StatusOK)
	case models.HealthStatusUnhealthy:
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(health); err != nil {
		h.log.WithError(err).Error("Failed to encode health response")
	}
}

// checkStore verifies state store connectivity
func (h *HealthHandler) checkStore(ctx context.Context) models.DependencyHealth {
	start := time.Now()
	dep := models.DependencyHealth{
		Name:      "store",
		CheckedAt: time.Now(),
	}

	err := h.store.Ping(ctx)
	latency := time.Since(start).Milliseconds()
	dep.Latency = &latency

	if err != nil {
		dep.Status = models.ComponentStatusDown
		dep.Message = fmt.Sprintf("Failed to connect: %v", err)
		h.log.WithError(err).Warn("Store health check failed")
	} else {
		dep.Status = models.ComponentStatusOK
		dep.Message = "Connected"
	}

	return dep
}
