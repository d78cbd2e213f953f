package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the order endpoints on the API router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.HandleGetOrders)
		r.Get("/stats", h.HandleGetStats)
		r.Get("/{orderID}", h.HandleGetOrder)
		r.Delete("/{orderID}", h.HandleCancelOrder)
	})
}
