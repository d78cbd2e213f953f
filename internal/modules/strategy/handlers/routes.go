package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the strategy endpoints on the API router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/strategies", func(r chi.Router) {
		r.Get("/", h.HandleGetStrategies)
		r.Get("/{strategyID}", h.HandleGetStrategy)
		r.Post("/{strategyID}/start", h.HandleStartStrategy)
		r.Post("/{strategyID}/stop", h.HandleStopStrategy)
		r.Post("/{strategyID}/restart", h.HandleRestartStrategy)
	})
}
