/**
 * @description
 * HTTP router setup for billing-api using go-chi/chi.
 */
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// RouterConfig carries the secrets and limits the router needs.
type RouterConfig struct {
	JWTSecret                string
	InternalAPIKey           string
	AllowedOrigins           string
	PublicRateLimitPerMinute int
}

func allowedOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// NewRouter creates a new Chi router and registers billing routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Client-Info", "apikey", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing API is healthy"))
	})

	// Mercado Pago retries on anything but 2xx, so the webhook is kept out
	// of the request timeout and the rate limiter.
	r.Post("/webhooks/mercadopago", h.handleMercadoPagoWebhook)
	r.Post("/webhooks/mercadopago/platform", h.handlePlatformWebhook)

	r.Route("/public/payments/{paymentToken}", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(httprate.LimitByIP(cfg.PublicRateLimitPerMinute, time.Minute))
		r.Get("/", h.handleGetPublicPayment)
		r.Post("/checkout", h.handleCreateCheckout)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/reminders/dispatch", h.handleDispatchReminders)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(SupabaseAuthMiddleware(cfg.JWTSecret))
		r.Post("/clients/{clientID}/renew", h.handleRenewClient)
		r.Post("/panel-credentials/{credentialID}/sigma-packages", h.handleListSigmaPackages)
		r.Post("/crypto", h.handleCrypto)
		r.Post("/platform/payments", h.handleCreatePlatformPayment)
		r.Post("/wuzapi/proxy", h.handleWuzAPIProxy)
	})

	return r
}
