// Package handlers exposes the order pipeline over HTTP.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/modules/orders"
)

// Handler handles order HTTP requests. The repository may be nil, in
// which case fill history and archived orders are unavailable.
type Handler struct {
	manager *orders.Manager
	repo    *orders.Repository
	log     zerolog.Logger
}

// NewHandler creates an orders handler.
func NewHandler(manager *orders.Manager, repo *orders.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		manager: manager,
		repo:    repo,
		log:     log.With().Str("handler", "orders").Logger(),
	}
}

// HandleGetOrders handles GET /api/orders. The optional status query
// parameter filters by lifecycle state.
func (h *Handler) HandleGetOrders(w http.ResponseWriter, r *http.Request) {
	status, ok := parseStatus(r.URL.Query().Get("status"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid status parameter")
		return
	}

	list := h.manager.GetAllOrders(status)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(list),
		"orders": list,
	})
}

// HandleGetOrder handles GET /api/orders/{orderID}. Orders no longer in
// memory are looked up in the repository, so terminal orders stay
// reachable across restarts.
func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, found := h.manager.GetOrderStatus(orderID)
	if !found && h.repo != nil {
		stored, err := h.repo.GetByID(orderID)
		if err != nil {
			h.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to load order")
			h.writeError(w, http.StatusInternalServerError, "failed to load order")
			return
		}
		if stored != nil {
			order, found = *stored, true
		}
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	response := map[string]interface{}{"order": order}
	if h.repo != nil {
		fills, err := h.repo.FillsForOrder(orderID)
		if err != nil {
			h.log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to load fills")
		} else if len(fills) > 0 {
			response["fills"] = fills
		}
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleCancelOrder handles DELETE /api/orders/{orderID}.
func (h *Handler) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	if !h.manager.Cancel(r.Context(), orderID) {
		h.writeError(w, http.StatusConflict, "order is not open")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":  orderID,
		"cancelled": true,
	})
}

// HandleGetStats handles GET /api/orders/stats.
func (h *Handler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Stats())
}

// parseStatus validates the status filter. Empty means no filter.
func parseStatus(raw string) (domain.OrderStatus, bool) {
	if raw == "" {
		return "", true
	}
	status := domain.OrderStatus(strings.ToUpper(raw))
	switch status {
	case domain.OrderStatusPending, domain.OrderStatusSubmitted, domain.OrderStatusPartiallyFilled,
		domain.OrderStatusFilled, domain.OrderStatusCancelled, domain.OrderStatusRejected:
		return status, true
	}
	return "", false
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
