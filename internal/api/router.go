package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Handle("/metrics", promhttp.Handler())

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.RateLimitMiddleware)
			r.Post("/signup", apiHandler.SignupHandler)
			r.Post("/login", apiHandler.LoginHandler)
		})
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// The grid session authenticates itself from ?token= or a signIn frame
		r.Get("/ws", apiHandler.WebSocketHandler)

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Tile routes
			r.Get("/tiles", apiHandler.ListTilesHandler)
			r.Post("/tiles", apiHandler.CreateTileHandler)
			r.Patch("/tiles/{tileID}", apiHandler.UpdateTileHandler)
			r.Delete("/tiles/{tileID}", apiHandler.DeleteTileHandler)

			// Thread routes
			r.Get("/tiles/{tileID}/messages", apiHandler.ListMessagesHandler)
			r.Post("/tiles/{tileID}/messages", apiHandler.PostMessageHandler)
		})
	})

	return r
}
