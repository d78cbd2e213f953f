// Package handlers provides the HTTP surface of the portfolio manager.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/modules/portfolio"
)

const (
	defaultSnapshotLimit = 30
	maxSnapshotLimit     = 365
)

// Handler serves portfolio state over HTTP. All endpoints are read-only;
// the portfolio changes only through events.
type Handler struct {
	manager *portfolio.Manager
	repo    *portfolio.Repository
	log     zerolog.Logger
}

// NewHandler creates a portfolio handler. repo may be nil when snapshots
// are not persisted.
func NewHandler(manager *portfolio.Manager, repo *portfolio.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		repo:    repo,
		log:     log.With().Str("handler", "portfolio").Logger(),
	}
}

// HandleGetPortfolio returns the current portfolio summary.
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Summary())
}

// HandleGetPositions returns every held position.
func (h *Handler) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.manager.Positions()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(positions),
		"positions": positions,
	})
}

// HandleGetPerformance returns the latest performance metrics.
func (h *Handler) HandleGetPerformance(w http.ResponseWriter, r *http.Request) {
	metrics := h.manager.Performance()
	if metrics == nil {
		h.writeError(w, http.StatusNotFound, "performance metrics not yet available")
		return
	}
	h.writeJSON(w, http.StatusOK, metrics)
}

// HandleGetSnapshots returns recent valuation snapshots, newest first.
// The limit query param caps the row count (default 30, max 365).
func (h *Handler) HandleGetSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		h.writeJSON(w, http.StatusOK, []portfolio.Snapshot{})
		return
	}

	limit := defaultSnapshotLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxSnapshotLimit {
		limit = maxSnapshotLimit
	}

	snapshots, err := h.repo.RecentSnapshots(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load snapshots")
		h.writeError(w, http.StatusInternalServerError, "failed to load snapshots")
		return
	}
	if snapshots == nil {
		snapshots = []portfolio.Snapshot{}
	}
	h.writeJSON(w, http.StatusOK, snapshots)
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
