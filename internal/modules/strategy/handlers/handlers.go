// Package handlers exposes strategy introspection and lifecycle control
// over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/modules/strategy"
)

// Handler handles strategy HTTP requests.
type Handler struct {
	manager *strategy.Manager
	log     zerolog.Logger
}

// NewHandler creates a strategy handler.
func NewHandler(manager *strategy.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		log:     log.With().Str("handler", "strategy").Logger(),
	}
}

// HandleGetStrategies handles GET /api/strategies.
func (h *Handler) HandleGetStrategies(w http.ResponseWriter, r *http.Request) {
	snapshot := h.manager.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":      len(snapshot),
		"strategies": snapshot,
		"stats":      h.manager.Stats(),
	})
}

// HandleGetStrategy handles GET /api/strategies/{strategyID}.
func (h *Handler) HandleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "strategyID")
	for _, info := range h.manager.Snapshot() {
		if info.ID == id {
			h.writeJSON(w, http.StatusOK, info)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "strategy not found")
}

// HandleStartStrategy handles POST /api/strategies/{strategyID}/start.
func (h *Handler) HandleStartStrategy(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "start", h.manager.StartStrategy)
}

// HandleStopStrategy handles POST /api/strategies/{strategyID}/stop.
func (h *Handler) HandleStopStrategy(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "stop", h.manager.StopStrategy)
}

// HandleRestartStrategy handles POST /api/strategies/{strategyID}/restart.
func (h *Handler) HandleRestartStrategy(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "restart", h.manager.RestartStrategy)
}

// lifecycle runs one state transition. Unknown strategies are 404; a
// transition refused by the state machine is 409.
func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "strategyID")
	if _, err := h.manager.State(id); err != nil {
		h.writeError(w, http.StatusNotFound, "strategy not found")
		return
	}

	if err := fn(r.Context(), id); err != nil {
		h.log.Warn().Err(err).Str("strategy_id", id).Str("action", action).Msg("Strategy transition refused")
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	state, _ := h.manager.State(id)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy_id": id,
		"state":       state,
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
