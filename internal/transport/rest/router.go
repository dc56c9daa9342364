package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/listing-payment/api"
	"github.com/frahmantamala/listing-payment/internal/auth"
	"github.com/frahmantamala/listing-payment/internal/metrics"
	"github.com/frahmantamala/listing-payment/internal/payment"
	"github.com/frahmantamala/listing-payment/internal/transport/middleware"
	"github.com/frahmantamala/listing-payment/internal/transport/swagger"
)

type Handlers struct {
	Auth    *auth.Handler
	Payment *payment.Handler
	Webhook *payment.WebhookHandler
	Health  *HealthHandler
	Metrics *metrics.Counters
}

func RegisterAllRoutes(router *chi.Mux, h Handlers, logger *slog.Logger) {
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestContext)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.Spec)
	})
	router.Handle("/swagger/*", swagger.Handler())

	if h.Health != nil {
		router.Get("/health", h.Health.healthCheckHandler)
	}

	router.Route("/api/v1", func(r chi.Router) {
		if h.Health != nil {
			r.Get("/health", h.Health.healthCheckHandler)
			r.Get("/ping", h.Health.pingHandler)
		}

		if h.Metrics != nil {
			r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
			})
		}

		// Gateway and browser callbacks carry no caller credentials.
		if h.Webhook != nil {
			r.Post("/webhook/chapa", h.Webhook.HandleChapaWebhook)
			r.Get("/payments/return", h.Webhook.HandlePaymentReturn)
		}

		if h.Auth != nil {
			r.Post("/token", h.Auth.Login)
		}

		if h.Auth != nil && h.Payment != nil {
			r.Group(func(pr chi.Router) {
				pr.Use(h.Auth.Authenticate)

				pr.Post("/payments/initiate", h.Payment.InitiatePayment)

				pr.With(h.Auth.RequireEndUser).Get("/payments/{id}/status", h.Payment.GetPaymentStatus)
			})
		}
	})
}
