// Package handlers exposes the settings key/value store over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/modules/settings"
)

// Handler handles settings HTTP requests.
type Handler struct {
	service *settings.Service
	log     zerolog.Logger
}

// NewHandler creates a settings handler.
func NewHandler(service *settings.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "settings").Logger(),
	}
}

// HandleGetAll handles GET /api/settings.
func (h *Handler) HandleGetAll(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.GetAll()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load settings")
		h.writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	h.writeJSON(w, http.StatusOK, all)
}

// HandleGet handles GET /api/settings/{key}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	value, err := h.service.Get(key)
	if err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("Failed to load setting")
		h.writeError(w, http.StatusInternalServerError, "failed to load setting")
		return
	}
	if value == nil {
		h.writeError(w, http.StatusNotFound, "setting not found")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": *value})
}

// HandleSet handles PUT /api/settings/{key}.
func (h *Handler) HandleSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var body struct {
		Value       string  `json:"value"`
		Description *string `json:"description,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.Set(key, body.Value, body.Description); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("Failed to store setting")
		h.writeError(w, http.StatusInternalServerError, "failed to store setting")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}

// HandleDelete handles DELETE /api/settings/{key}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := h.service.Delete(key); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("Failed to delete setting")
		h.writeError(w, http.StatusInternalServerError, "failed to delete setting")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"key": key, "deleted": "true"})
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
