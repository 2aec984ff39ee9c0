/**
 * @description
 * HTTP router setup for the escrow service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/transfa/escrow-service/internal/domain"
)

// RouterConfig holds the secrets and registries the router needs.
type RouterConfig struct {
	JWTSigningSecret string
	InternalAPIKey   string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new Chi router and registers escrow routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Escrow service is healthy"))
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/accounts", h.handleOpenAccount)
		r.Post("/accounts/{id}/topups", h.handleTopUp)
		r.Post("/withdrawals/{id}/complete", h.handleCompleteWithdrawal)
		r.Post("/withdrawals/{id}/reject", h.handleRejectWithdrawal)
	})

	r.Group(func(r chi.Router) {
		r.Use(ActorAuthMiddleware(cfg.JWTSigningSecret))

		r.Route("/orders", func(r chi.Router) {
			r.With(RequireRole(domain.RolePublisher)).Post("/", h.handleCreateOrder)
			r.Get("/", h.handleListOrders)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.handleGetOrder)
				r.Get("/transitions", h.handleListTransitions)
				r.With(RequireRole(domain.RoleGrabber)).Post("/grab", h.handleGrab)
				r.Post("/complete", h.handleComplete)
				r.Post("/exception", h.handleFileException)
				r.Post("/confirm-exception", h.handleConfirmException)
				r.Post("/appeal", h.handleAppeal)
				r.Post("/settle", h.handleSettle)
			})
		})

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetAccount)
			r.Get("/flows", h.handleListFlows)
			r.Post("/withdrawals", h.handleRequestWithdrawal)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(domain.RoleAdmin, domain.RoleArbiter))
			r.Post("/orders/{id}/rule", h.handleRule)
			r.Get("/orders/{id}/audit", h.handleAuditTrail)
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(domain.RoleAdmin))
				r.Post("/orders/{id}/force-cancel", h.handleForceCancel)
				r.Post("/orders/{id}/force-complete", h.handleForceComplete)
				r.Post("/settlements/run", h.handleRunSettlements)
				r.Post("/reconcile", h.handleReconcileAll)
				r.Post("/accounts/{accountID}/reconcile", h.handleReconcileAccount)
			})
		})
	})

	return r
}
