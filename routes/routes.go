package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/quillshelf/bookpay/handlers"
	"github.com/quillshelf/bookpay/middleware"
)

// SetupRoutes mounts the API surface. Refunds are the only admin-gated
// operation; webhooks and downloads authenticate by signature and token
// respectively.
func SetupRoutes(r chi.Router, h *handlers.Handlers, jwtSecret string) {
	// Health check
	r.Get("/health", h.HealthCheck)

	// Token-authenticated file delivery
	r.Get("/download", h.Download)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/payments", func(r chi.Router) {
			r.Post("/initialize", h.InitializePayment)
			r.Post("/verify/{gateway}", h.VerifyPayment)
			r.Post("/webhook/{gateway}", h.HandleWebhook)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/{id}", h.GetOrder)
			r.Get("/number/{orderNumber}", h.GetOrderByNumber)
			r.Post("/{id}/cancel", h.CancelOrder)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(jwtSecret, true))
				r.Post("/{id}/refund", h.RefundOrder)
			})
		})
	})
}
