package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(apiHandler.log))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Method(http.MethodGet, "/metrics", apiHandler.metrics.Handler())

	r.With(apiHandler.OptionalAuthMiddleware).Get("/health", apiHandler.HealthHandler)

	// User-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(apiHandler.JWTAuthMiddleware)

		r.Get("/chat-limit", apiHandler.ChatLimitHandler)
		r.With(apiHandler.RateLimitMiddleware).Post("/chat", apiHandler.ChatHandler)
		r.With(apiHandler.RateLimitMiddleware).Post("/ingest", apiHandler.IngestHandler)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", apiHandler.CreateSessionHandler)
			r.Get("/", apiHandler.ListSessionsHandler)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", apiHandler.GetSessionHandler)
				r.Patch("/", apiHandler.RenameSessionHandler)
				r.Delete("/", apiHandler.DeleteSessionHandler)
				r.Post("/text", apiHandler.AddTextHandler)
				r.With(apiHandler.RateLimitMiddleware).Post("/url", apiHandler.AddURLHandler)
				r.With(apiHandler.RateLimitMiddleware).Post("/file", apiHandler.AddFileHandler)
				r.Delete("/file/{filename}", apiHandler.RemoveFileHandler)
				r.With(apiHandler.RateLimitMiddleware).Post("/chat", apiHandler.SessionChatHandler)
			})
		})
	})

	return r
}
