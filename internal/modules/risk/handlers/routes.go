package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the risk endpoints on the API router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/risk", func(r chi.Router) {
		r.Get("/metrics", h.HandleGetMetrics)
		r.Get("/violations", h.HandleGetViolations)
	})
	r.Post("/emergency-stop", h.HandleEmergencyStop)
	r.Post("/emergency-stop/reset", h.HandleEmergencyStopReset)
}
