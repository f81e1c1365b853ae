package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// 100 deletes max, refill 1 per 100ms
	deleteRateLimiter := NewDeleteRateLimiter(100, 100*time.Millisecond)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/tasks", h.ListTasks)
			r.Post("/tasks", h.CreateTask)
			r.Post("/tasks/bulksync", h.BulkSync)

			r.Route("/tasks/{id}", func(r chi.Router) {
				r.Use(TaskIDMiddleware(h.isServerID))
				r.Put("/", h.UpdateTask)
				r.With(deleteRateLimiter.Middleware).Delete("/", h.DeleteTask)
			})
		})
	})

	return r
}
