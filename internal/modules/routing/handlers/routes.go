package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the broker endpoints on the API router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/brokers", func(r chi.Router) {
		r.Get("/", h.HandleGetBrokers)
		r.Get("/health", h.HandleGetHealth)
	})
}
