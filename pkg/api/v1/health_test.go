package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-sec/orchestrator/internal/hub"
	"github.com/sentinel-sec/orchestrator/internal/store"
	"github.com/sentinel-sec/orchestrator/pkg/models"
)

// downStore wraps a working store with a failing connectivity check
type downStore struct {
	store.Store
}

func (downStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newTestHealthHandler(st store.Store) *HealthHandler {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	eventHub := hub.New(hub.Config{TokenSecret: []byte("test-secret")}, log)
	return NewHealthHandler(log, st, eventHub, "1.0.0", time.Now().Add(-time.Minute))
}

func TestHealthCheck_Healthy(t *testing.T) {
	handler := newTestHealthHandler(store.NewMemoryStore())

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var health models.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))

	assert.Equal(t, models.HealthStatusHealthy, health.Status)
	assert.Equal(t, "1.0.0", health.Version)
	assert.GreaterOrEqual(t, health.Uptime, int64(60))

	require.Contains(t, health.Dependencies, "store")
	assert.Equal(t, models.ComponentStatusOK, health.Dependencies["store"].Status)
	require.NotNil(t, health.Dependencies["store"].Latency)

	assert.EqualValues(t, 0, health.Details["event_connections"])
}

func TestHealthCheck_StoreDown(t *testing.T) {
	handler := newTestHealthHandler(downStore{store.NewMemoryStore()})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health models.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))

	assert.Equal(t, models.HealthStatusUnhealthy, health.Status)
	assert.Equal(t, models.ComponentStatusDown, health.Dependencies["store"].Status)
	assert.Contains(t, health.Dependencies["store"].Message, "connection refused")
}
