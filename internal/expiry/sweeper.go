// Package expiry moves lapsed subscriptions from active to expired.
package expiry

import (
	"context"
	"time"

	"github.com/fitjourney/subscriptions/internal/metrics"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is how often Run sweeps when no interval is configured.
const DefaultInterval = 1 * time.Hour

// Store expires subscriptions whose period has ended.
type Store interface {
	ExpireSubscriptions(ctx context.Context, now time.Time) ([]*registry.User, error)
}

// PendingResolver settles pending activations whose buyer has since signed up.
type PendingResolver interface {
	ResolveOrphanedPending(ctx context.Context) (int, error)
}

// Sweeper periodically expires active subscriptions past their period end.
type Sweeper struct {
	store    Store
	pending  PendingResolver
	interval time.Duration
	now      func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithPendingResolver makes each sweep first settle orphaned pending
// activations, so a record whose buyer already has an account is applied
// before that account's expiry is evaluated.
func WithPendingResolver(p PendingResolver) SweeperOption {
	return func(s *Sweeper) { s.pending = p }
}

// NewSweeper creates a Sweeper. A non-positive interval uses DefaultInterval.
func NewSweeper(store Store, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sweeper{store: store, interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the time between sweeps.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// SweepOnce expires every active subscription whose period ended before now
// and returns the accounts it changed. A failure to settle orphaned pending
// activations is logged and does not stop the expiry pass.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]*registry.User, error) {
	if s.pending != nil {
		if n, err := s.pending.ResolveOrphanedPending(ctx); err != nil {
			log.Warn().Err(err).Msg("Expiry sweeper: resolving orphaned pending activations failed")
		} else if n > 0 {
			log.Info().Int("settled", n).Msg("Resolved orphaned pending activations")
		}
	}
	expired, err := s.store.ExpireSubscriptions(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}
	metrics.SubscriptionsExpired.Add(float64(len(expired)))
	for _, u := range expired {
		log.Info().
			Str("user_id", u.ID).
			Str("email", u.Email).
			Str("tier", string(u.Tier)).
			Msg("Subscription expired")
	}
	return expired, nil
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Expiry sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry sweeper stopped")
			return
		case <-ticker.C:
			if expired, err := s.SweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Expiry sweeper: sweep failed")
			} else if len(expired) > 0 {
				log.Info().Int("expired", len(expired)).Msg("Expiry sweep complete")
			}
		}
	}
}
