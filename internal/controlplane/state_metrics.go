package controlplane

import (
	"context"
	"time"

	"github.com/fitjourney/subscriptions/internal/metrics"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/rs/zerolog/log"
)

const stateMetricsInterval = 30 * time.Second

// gaugeSource is the subset of the registry the gauge loop reads.
type gaugeSource interface {
	CountUsersByStatus(ctx context.Context) (map[registry.SubscriptionStatus]int, error)
	CountUnresolvedPending(ctx context.Context) (int, error)
}

func runStateMetrics(ctx context.Context, src gaugeSource) {
	ticker := time.NewTicker(stateMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for these gauges.
	updateStateGauges(ctx, src)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStateGauges(ctx, src)
		}
	}
}

func updateStateGauges(ctx context.Context, src gaugeSource) {
	counts, err := src.CountUsersByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update account status metrics")
		return
	}

	known := []registry.SubscriptionStatus{
		registry.StatusNone,
		registry.StatusActive,
		registry.StatusExpired,
		registry.StatusCancelled,
	}
	seen := make(map[registry.SubscriptionStatus]struct{}, len(known))

	// Ensure stable label set for known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		metrics.AccountsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		metrics.AccountsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}

	pending, err := src.CountUnresolvedPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update pending activation metrics")
		return
	}
	metrics.PendingUnresolved.Set(float64(pending))
}
