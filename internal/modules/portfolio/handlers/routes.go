package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the portfolio routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolio", func(r chi.Router) {
		r.Get("/", h.HandleGetPortfolio)
		r.Get("/performance", h.HandleGetPerformance)
		r.Get("/snapshots", h.HandleGetSnapshots)
	})
	r.Get("/positions", h.HandleGetPositions)
}
