// Package handlers exposes risk metrics and the emergency stop over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/modules/risk"
)

// PortfolioView supplies the current portfolio summary for metric
// computation. The portfolio manager implements it.
type PortfolioView interface {
	Summary() domain.PortfolioSummary
}

// Handler handles risk HTTP requests.
type Handler struct {
	manager   *risk.Manager
	portfolio PortfolioView
	log       zerolog.Logger
}

// NewHandler creates a risk handler.
func NewHandler(manager *risk.Manager, portfolio PortfolioView, log zerolog.Logger) *Handler {
	return &Handler{
		manager:   manager,
		portfolio: portfolio,
		log:       log.With().Str("handler", "risk").Logger(),
	}
}

// HandleGetMetrics handles GET /api/risk/metrics.
func (h *Handler) HandleGetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.manager.Metrics(h.portfolio.Summary())
	current, max, peak := h.manager.Drawdown()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics":          metrics,
		"current_drawdown": current,
		"max_drawdown":     max,
		"peak_value":       peak,
		"emergency_stop":   h.manager.EmergencyStopped(),
	})
}

// HandleGetViolations handles GET /api/risk/violations. The optional
// limit query parameter caps how many of the most recent violations are
// returned (default 100).
func (h *Handler) HandleGetViolations(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = parsed
	}

	violations := h.manager.Violations()
	if len(violations) > limit {
		violations = violations[len(violations)-limit:]
	}
	// Newest first, matching the persisted query order.
	for i, j := 0, len(violations)-1; i < j; i, j = i+1, j-1 {
		violations[i], violations[j] = violations[j], violations[i]
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(violations),
		"violations": violations,
	})
}

// HandleEmergencyStop handles POST /api/emergency-stop. The body may
// carry a JSON reason; without one a generic reason is recorded.
func (h *Handler) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// A missing or malformed body is not an error; the stop fires
		// regardless.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "manual emergency stop via API"
	}

	h.log.Warn().Str("reason", body.Reason).Msg("Emergency stop requested")
	h.manager.TriggerEmergencyStop(body.Reason)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"emergency_stop": true,
		"reason":         body.Reason,
		"stopped_at":     time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleEmergencyStopReset handles POST /api/emergency-stop/reset.
func (h *Handler) HandleEmergencyStopReset(w http.ResponseWriter, r *http.Request) {
	h.log.Warn().Msg("Emergency stop reset requested")
	h.manager.ResetEmergencyStop()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"emergency_stop": false,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
