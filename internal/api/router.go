package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRouter builds the local API consumed by UI collaborators.
func SetupRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Post("/api/login", h.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Get("/ws", h.HandleWebSocket)

		r.Route("/api", func(r chi.Router) {
			r.Get("/state", h.HandleState)
			r.Delete("/error", h.HandleDismissError)

			r.Post("/connect", h.HandleConnect)
			r.Post("/disconnect", h.HandleDisconnect)
			r.Post("/refresh", h.HandleRefresh)

			r.Get("/alerts", h.HandleAlerts)
			r.Delete("/alerts", h.HandleClearAlerts)
			r.Post("/alerts/{trackID}/ack", h.HandleAcknowledge)
			r.Post("/alerts/{trackID}/cancel", h.HandleCancel)

			r.Get("/settings", h.HandleGetSettings)
			r.Put("/settings", h.HandleUpdateSettings)
		})
	})

	return r
}
