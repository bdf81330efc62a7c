package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitjourney/subscriptions/internal/expiry"
	"github.com/fitjourney/subscriptions/internal/logging"
	"github.com/fitjourney/subscriptions/internal/notify"
	"github.com/fitjourney/subscriptions/internal/reconcile"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/fitjourney/subscriptions/internal/tiers"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Run starts the subscription HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "subscriptions",
	})

	log.Info().Str("version", version).Msg("Starting subscription service")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "subscriptions",
	})

	reg, err := OpenRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	reconciler, err := NewReconciler(cfg, reg)
	if err != nil {
		return err
	}
	sweeper := expiry.NewSweeper(reg, cfg.ExpiryInterval, expiry.WithPendingResolver(reconciler))
	limiter := NewRateLimiter(defaultRateLimit, defaultRateWindow)

	handler := NewHandler(&Deps{
		Config:     cfg,
		Registry:   reg,
		Reconciler: reconciler,
		Sweeper:    sweeper,
		Limiter:    limiter,
		Version:    version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runStateMetrics(gctx, reg)
		return nil
	})
	g.Go(func() error {
		runLimiterPrune(gctx, limiter)
		return nil
	})
	g.Go(func() error {
		notify.RefreshDNS(gctx, notify.DNSRefreshInterval)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("driver", reg.Driver()).Msg("Subscription service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-gctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	runErr := g.Wait()
	if runErr != nil {
		log.Error().Err(runErr).Msg("Server failed")
	}
	log.Info().Msg("Subscription service stopped")
	return runErr
}

// RunExpire runs a single expiry sweep and returns the number of accounts it
// expired. It needs only the storage settings, so it can run from a cron job
// that has no webhook secrets. Orphaned pending activations are settled
// first, as in the server's sweep loop.
func RunExpire(ctx context.Context) (int, error) {
	cfg, err := LoadStorageConfig()
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "subscriptions",
	})

	reg, err := OpenRegistry(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer reg.Close()

	reconciler := reconcile.New(reg, nil)
	sweeper := expiry.NewSweeper(reg, cfg.ExpiryInterval, expiry.WithPendingResolver(reconciler))
	expired, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}

// OpenRegistry ensures the data directory exists and opens the registry.
func OpenRegistry(ctx context.Context, cfg *Config) (*registry.Registry, error) {
	if cfg.DBDriver == registry.DriverSQLite {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	reg, err := registry.New(ctx, cfg.RegistryOptions())
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return reg, nil
}

// LoadResolver builds the tier resolver from the configured plan file, or
// the built-in plans when none is set.
func LoadResolver(plansFile string) (*tiers.Resolver, error) {
	if plansFile == "" {
		return tiers.NewResolver(tiers.DefaultPlans())
	}
	plans, err := tiers.LoadPlans(plansFile)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	resolver, err := tiers.NewResolver(plans)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	log.Info().Str("file", plansFile).Int("plans", len(plans)).Msg("Loaded plan table")
	return resolver, nil
}

// NewReconciler wires the reconciler with the configured plan table and
// pending-activation emails.
func NewReconciler(cfg *Config, reg *registry.Registry) (*reconcile.Reconciler, error) {
	resolver, err := LoadResolver(cfg.PlansFile)
	if err != nil {
		return nil, err
	}
	notifier := notify.NewPendingNotifier(newEmailSender(cfg), cfg.EmailFrom, cfg.SignupURL)
	return reconcile.New(reg, resolver, reconcile.WithNotifier(notifier)), nil
}

func newEmailSender(cfg *Config) notify.Sender {
	if cfg.PostmarkServerToken != "" {
		log.Info().Msg("Email sender configured (Postmark)")
		return notify.NewPostmarkSender(cfg.PostmarkServerToken)
	}
	log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	return notify.NewLogSender(func(to, subject, body string) {
		const maxBody = 4096
		bodyForLog := body
		if len(bodyForLog) > maxBody {
			bodyForLog = bodyForLog[:maxBody] + "...(truncated)"
		}
		log.Info().
			Str("to", to).
			Str("subject", subject).
			Str("body", bodyForLog).
			Msg("Email (log-only, no email provider configured)")
	})
}

func runLimiterPrune(ctx context.Context, rl *RateLimiter) {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}
