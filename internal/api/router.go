/**
 * @description
 * This file sets up the HTTP router for the charge-service using the go-chi/chi
 * router. It defines the API routes, applies middleware for logging, CORS, and
 * authentication, and maps the routes to their handler functions.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the charge-service routes.
func NewRouter(h *Handler, jwtSecret, jwtIssuer string) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Charge service is healthy"))
	})

	// Protected routes that require authentication
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret, jwtIssuer))

		r.Route("/charges", func(r chi.Router) {
			r.Post("/", h.handleCreateCharge)
			r.Get("/", h.handleListCharges)
			r.Get("/upcoming", h.handleUpcomingCharges)
			r.Post("/process-recurring", h.handleProcessRecurring)
			r.Post("/run-auto-deduct", h.handleRunAutoDeduct)

			r.Route("/{chargeID}", func(r chi.Router) {
				r.Get("/", h.handleGetCharge)
				r.Delete("/", h.handleDeleteCharge)
				r.Post("/pay", h.handlePayCharge)
				r.Get("/can-pay", h.handleCanPayCharge)
			})
		})
	})

	return r
}
