package api

import "github.com/go-chi/chi/v5"

// Register mounts the JSON API below the router it is given, normally /api.
func (h *Handler) Register(r chi.Router) {
	r.Get("/session", h.Session)

	r.Route("/integrations", func(r chi.Router) {
		r.Get("/health", h.HealthReport)
		r.Post("/health-check", h.HealthCheck)
		r.Get("/sync-history", h.SyncHistory)
		r.Get("/sync-stats", h.SyncStats)

		r.Post("/onedrive/reverse-sync", h.ReverseSync)

		r.Post("/google/push-events", h.PushEvents)
		r.Post("/google/import-events", h.ImportEvents)
		r.Get("/google/calendars", h.ListCalendars)
		r.Post("/google/calendars/refresh", h.RefreshCalendars)
		r.Put("/google/calendars/{id}", h.SetCalendarActive)

		r.Post("/{service}/disconnect", h.Disconnect)
	})

	r.Post("/dossiers/{id}/folders", h.EnsureFolders)
	r.Post("/dossiers/{id}/documents", h.UploadDocument)
	r.Post("/events/{id}/push", h.PushEvent)
}

// RegisterConsent mounts the browser-facing consent redirects.
func (h *Handler) RegisterConsent(r chi.Router) {
	r.Get("/integrations/{service}/connect", h.Connect)
	r.Get("/integrations/{service}/callback", h.Callback)
}
