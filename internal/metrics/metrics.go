package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subscriptions"

var (
	// WebhookRequestsTotal counts provider webhook requests by provider and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_requests_total",
		Help:      "Total payment provider webhook requests by provider and HTTP status.",
	}, []string{"provider", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "webhook_duration_seconds",
		Help:      "Payment provider webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// ReconcileOutcomes counts purchase reconciliation results.
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_outcomes_total",
		Help:      "Purchase reconciliation results by outcome (activated, pending, skipped, error).",
	}, []string{"outcome"})

	// PendingApplied counts pending activations applied at signup, by an admin or by the expiry sweep.
	PendingApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_applied_total",
		Help:      "Pending activations applied to an account.",
	})

	// SubscriptionsExpired counts accounts moved from active to expired.
	SubscriptionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "expired_total",
		Help:      "Subscriptions expired by the expiry sweep.",
	})

	// AccountsByStatus tracks the number of accounts in each subscription status.
	AccountsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "accounts_by_status",
		Help:      "Number of accounts by subscription status.",
	}, []string{"status"})

	// PendingUnresolved tracks paid purchases still waiting for a signup.
	PendingUnresolved = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_activations_unresolved",
		Help:      "Pending activations not yet applied to an account.",
	})
)
