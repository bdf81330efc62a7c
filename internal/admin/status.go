package admin

import (
	"net/http"

	"github.com/fitjourney/subscriptions/internal/metrics"
	"github.com/fitjourney/subscriptions/internal/registry"
)

type statusResponse struct {
	Version           string                              `json:"version"`
	Driver            string                              `json:"driver"`
	TotalAccounts     int                                 `json:"total_accounts"`
	ByStatus          map[registry.SubscriptionStatus]int `json:"by_status"`
	PendingUnresolved int                                 `json:"pending_unresolved"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness check).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness check).
func HandleReadyz(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg == nil || reg.Ping(r.Context()) != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate subscription status.
func HandleStatus(reg *registry.Registry, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := reg.CountUsersByStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		for status, c := range counts {
			metrics.AccountsByStatus.WithLabelValues(string(status)).Set(float64(c))
		}

		total := 0
		for _, c := range counts {
			total += c
		}

		pending, err := reg.CountUnresolvedPending(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		metrics.PendingUnresolved.Set(float64(pending))

		writeJSON(w, http.StatusOK, statusResponse{
			Version:           version,
			Driver:            reg.Driver(),
			TotalAccounts:     total,
			ByStatus:          counts,
			PendingUnresolved: pending,
		})
	}
}
