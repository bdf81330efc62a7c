package controlplane

import (
	"net/http"
	"time"

	"github.com/fitjourney/subscriptions/internal/accounts"
	"github.com/fitjourney/subscriptions/internal/admin"
	"github.com/fitjourney/subscriptions/internal/expiry"
	"github.com/fitjourney/subscriptions/internal/reconcile"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/fitjourney/subscriptions/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *Config
	Registry   *registry.Registry
	Reconciler *reconcile.Reconciler
	Sweeper    *expiry.Sweeper
	Limiter    *RateLimiter // shared by public endpoints; created when nil
	Version    string
}

// NewHandler builds the full HTTP handler: routes plus request logging.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return RequestLogger(mux)
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	if deps.Limiter == nil {
		deps.Limiter = NewRateLimiter(defaultRateLimit, time.Minute)
	}
	limited := deps.Limiter.Middleware

	// Health and readiness checks are unauthenticated.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Registry))
	mux.Handle("/status", adminAuth(admin.HandleStatus(deps.Registry, deps.Version)))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Payment provider webhooks (signature-authenticated)
	mux.Handle("/api/webhooks/lemonsqueezy", limited(webhook.NewLemonSqueezyHandler(deps.Config.LemonSqueezyWebhookSecret, deps.Reconciler)))
	mux.Handle("/api/webhooks/payhip", limited(webhook.NewPayhipHandler(deps.Config.PayhipAPIKey, deps.Reconciler)))
	mux.Handle("/api/webhooks/stripe", limited(webhook.NewStripeHandler(deps.Config.StripeWebhookSecret, deps.Reconciler)))

	// Public signup
	accountHandlers := accounts.NewHandlers(accounts.NewService(deps.Registry, deps.Reconciler))
	mux.Handle("/api/signup", limited(http.HandlerFunc(accountHandlers.HandleSignup)))
	mux.Handle("/api/purchases/verify", limited(http.HandlerFunc(accountHandlers.HandleVerifyPurchase)))

	// Scheduled expiry (cron-secret authenticated)
	mux.Handle("/api/cron/expire-subscriptions", expiry.NewCronHandler(deps.Config.CronSecret, deps.Sweeper))

	// Admin API (key-authenticated)
	mux.Handle("GET /admin/users", adminAuth(admin.HandleListUsers(deps.Registry)))
	mux.Handle("GET /admin/pending", adminAuth(admin.HandleListPending(deps.Registry)))
	mux.Handle("POST /admin/pending/{id}/activate", adminAuth(admin.HandleActivatePending(deps.Reconciler)))
	mux.Handle("DELETE /admin/pending/{id}", adminAuth(admin.HandleDeletePending(deps.Registry)))
}
