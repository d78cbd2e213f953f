package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/modules/health"
	"github.com/aristath/strategos/internal/modules/routing"
	testhelpers "github.com/aristath/strategos/internal/testing"
)

func newTestHandler(t *testing.T) (*Handler, *routing.Router, *health.Monitor) {
	t.Helper()

	bus := events.NewBus(events.DefaultConfig(), zerolog.Nop())
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })

	monitor := health.NewMonitor(health.Config{}, bus, zerolog.Nop())
	router := routing.NewRouter(routing.DefaultConfig(), bus, zerolog.Nop())
	router.SetHealthTracker(monitor)
	return NewHandler(router, monitor, zerolog.Nop()), router, monitor
}

func addBroker(t *testing.T, router *routing.Router, id string, priority int) *testhelpers.MockBroker {
	t.Helper()
	broker := testhelpers.NewMockBroker(id)
	require.NoError(t, router.AddBroker(context.Background(), domain.BrokerConfig{
		ID:       id,
		Kind:     "mock",
		Priority: priority,
		Enabled:  true,
	}, broker))
	return broker
}

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleGetBrokers(t *testing.T) {
	h, router, _ := newTestHandler(t)
	addBroker(t, router, "paper1", 1)
	addBroker(t, router, "paper2", 2)

	rec := serve(t, h, "/brokers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count   int                   `json:"count"`
		Brokers []domain.BrokerConfig `json:"brokers"`
		Stats   routing.Stats         `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Brokers, 2)
	assert.Equal(t, "paper1", body.Brokers[0].ID, "priority order")
	assert.Equal(t, 2, body.Stats.Brokers)
}

func TestHandleGetHealth(t *testing.T) {
	h, router, monitor := newTestHandler(t)
	addBroker(t, router, "paper1", 1)
	addBroker(t, router, "paper2", 2)

	monitor.CheckNow()

	rec := serve(t, h, "/brokers/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Brokers      map[string]domain.BrokerHealth `json:"brokers"`
		Routable     int                            `json:"routable"`
		Total        int                            `json:"total"`
		RecentAlerts []domain.HealthAlert           `json:"recent_alerts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 2, body.Routable)
	assert.Equal(t, domain.HealthHealthy, body.Brokers["paper1"].Status)
	// Becoming healthy is only worth an informational alert.
	for _, alert := range body.RecentAlerts {
		assert.Equal(t, domain.AlertInfo, alert.Level)
	}
}

func TestHandleGetHealthSurfacesAlerts(t *testing.T) {
	h, router, monitor := newTestHandler(t)
	broker := addBroker(t, router, "paper1", 1)

	broker.SetConnected(false)
	broker.SetAccountError(context.DeadlineExceeded)
	monitor.CheckNow()

	rec := serve(t, h, "/brokers/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Brokers      map[string]domain.BrokerHealth `json:"brokers"`
		Routable     int                            `json:"routable"`
		RecentAlerts []domain.HealthAlert           `json:"recent_alerts"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 0, body.Routable)
	assert.Equal(t, domain.HealthOffline, body.Brokers["paper1"].Status)
	assert.NotEmpty(t, body.RecentAlerts)
}

func TestHandleGetHealthWithoutTrackedBrokers(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := serve(t, h, "/brokers/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Zero(t, body.Total)
}
