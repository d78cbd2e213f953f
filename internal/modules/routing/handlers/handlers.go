// Package handlers exposes broker registration and health over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/modules/routing"
)

// AlertsSource supplies recent health alerts, newest last. The health
// monitor implements it; nil means no alert history is served.
type AlertsSource interface {
	RecentAlerts() []domain.HealthAlert
}

// Handler handles broker HTTP requests.
type Handler struct {
	router *routing.Router
	alerts AlertsSource
	log    zerolog.Logger
}

// NewHandler creates a broker handler.
func NewHandler(router *routing.Router, alerts AlertsSource, log zerolog.Logger) *Handler {
	return &Handler{
		router: router,
		alerts: alerts,
		log:    log.With().Str("handler", "brokers").Logger(),
	}
}

// HandleGetBrokers handles GET /api/brokers.
func (h *Handler) HandleGetBrokers(w http.ResponseWriter, r *http.Request) {
	brokers := h.router.Brokers()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(brokers),
		"brokers": brokers,
		"stats":   h.router.Stats(),
	})
}

// HandleGetHealth handles GET /api/brokers/health.
func (h *Handler) HandleGetHealth(w http.ResponseWriter, r *http.Request) {
	health := h.router.AllHealth()

	routable := 0
	for _, bh := range health {
		if bh.Status.Routable() {
			routable++
		}
	}

	response := map[string]interface{}{
		"brokers":  health,
		"routable": routable,
		"total":    len(health),
	}
	if h.alerts != nil {
		response["recent_alerts"] = h.alerts.RecentAlerts()
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
