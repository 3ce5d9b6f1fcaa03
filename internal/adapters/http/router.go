package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/voicegrid/licensing-service/internal/application"
)

// Handler is the HTTP adapter entrypoint for the licensing surface.
// Keeping only the application dependency here preserves clean adapter boundaries.
type Handler struct {
	service *application.Service
	apiKey  string
}

// NewHandler constructs an HTTP handler bound to the application service.
func NewHandler(service *application.Service, apiKey string) *Handler {
	return &Handler{service: service, apiKey: apiKey}
}

// NewRouter registers the licensing routes and middleware stack.
// Centralizing routes here keeps auth and error behavior consistent across endpoints.
func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.Route("/licensing/v1", func(r chi.Router) {
		r.Use(handler.apiKeyMiddleware)

		r.Post("/sessions/validate", handler.validateSession)
		r.Post("/sessions", handler.createSession)
		r.Post("/sessions/atomic-setup", handler.atomicSetup)
		r.Post("/sessions/end", handler.endSession)
		r.Post("/sessions/heartbeat", handler.heartbeat)
		r.Post("/sessions/token/validate", handler.validateToken)
		r.Get("/sessions/{username}", handler.listUserSessions)
		r.Delete("/sessions/user/{username}", handler.endAllUserSessions)
		r.Delete("/sessions/{user_id}/{feature}", handler.forceCleanup)

		r.Get("/license", handler.currentLicense)
		r.Post("/license/sync", handler.syncLicense)
		r.Get("/license/{license_id}/fingerprint-changes", handler.fingerprintChanges)
	})

	return r
}
