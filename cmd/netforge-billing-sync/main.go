package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/netforge/pkg/billing"
	"github.com/platinummonkey/netforge/pkg/config"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/storage/postgres"
)

var (
	envFile            = flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	dbURL              = flag.String("db-url", "", "PostgreSQL connection URL (default: $NETFORGE_POSTGRES_URL)")
	stripeKey          = flag.String("stripe-key", "", "Stripe secret key (default: $NETFORGE_STRIPE_SECRET_KEY)")
	stripeAPIBase      = flag.String("stripe-api-base", "", "Stripe API base URL (default: $NETFORGE_STRIPE_API_BASE or https://api.stripe.com)")
	syncSchedule       = flag.String("sync-schedule", "", "Cron schedule for plan sync (default: $NETFORGE_BILLING_SYNC_SCHEDULE or @every 6h)")
	usageResetSchedule = flag.String("usage-reset-schedule", "", "Cron schedule for the monthly usage reset (default: $NETFORGE_USAGE_RESET_SCHEDULE or 0 0 1 * *)")
	logLevel           = flag.String("log-level", "", "Log level (default: $NETFORGE_LOG_LEVEL or info)")
	runOnce            = flag.Bool("run-once", false, "Sync plans once and exit")
	resetUsage         = flag.Bool("reset-usage", false, "With --run-once, also reset monthly usage")
)

// planSyncer is the part of billing.Service the job drives
type planSyncer interface {
	SyncPlans(ctx context.Context) (*billing.SyncResult, error)
}

// usageResetter is the part of orgs.Service the job drives
type usageResetter interface {
	ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error)
}

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogLevel(firstNonEmpty(*logLevel, os.Getenv("NETFORGE_LOG_LEVEL"), "info")), os.Stdout).
		WithField("service", "netforge-billing-sync")

	if err := run(logger); err != nil {
		logger.WithError(err).Error("billing sync exited with error")
		os.Exit(1)
	}
}

func run(logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := firstNonEmpty(*stripeKey, os.Getenv("NETFORGE_STRIPE_SECRET_KEY"))
	if key == "" {
		return errors.New("a Stripe secret key is required")
	}

	db, err := postgres.Open(ctx, config.PostgresConfig{
		URL:             firstNonEmpty(*dbURL, os.Getenv("NETFORGE_POSTGRES_URL")),
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: 30 * time.Minute,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	orgService := orgs.NewPostgresService(db)
	billingService := billing.NewService(billing.ServiceDeps{
		Store:     billing.NewPostgresStore(db),
		Provider:  billing.NewStripeClient(firstNonEmpty(*stripeAPIBase, os.Getenv("NETFORGE_STRIPE_API_BASE"), "https://api.stripe.com"), key, nil),
		Directory: orgService,
		Logger:    logger,
	})

	if *runOnce {
		if err := syncPlans(ctx, billingService, logger); err != nil {
			return err
		}
		if *resetUsage {
			return resetMonthlyUsage(ctx, orgService, time.Now().UTC(), logger)
		}
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if err := schedule(ctx, c, billingService, orgService, logger,
		firstNonEmpty(*syncSchedule, os.Getenv("NETFORGE_BILLING_SYNC_SCHEDULE"), "@every 6h"),
		firstNonEmpty(*usageResetSchedule, os.Getenv("NETFORGE_USAGE_RESET_SCHEDULE"), "0 0 1 * *"),
	); err != nil {
		return err
	}

	// Sync immediately so a fresh deploy does not wait for the first tick.
	if err := syncPlans(ctx, billingService, logger); err != nil {
		logger.WithError(err).Warn("initial plan sync failed")
	}

	c.Start()
	logger.Info("billing sync started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down gracefully")

	cancel()
	<-c.Stop().Done()
	logger.Info("billing sync stopped")
	return nil
}

// schedule registers the plan sync and the usage reset on c
func schedule(ctx context.Context, c *cron.Cron, syncer planSyncer, resetter usageResetter, logger *observability.Logger, syncSpec, resetSpec string) error {
	if _, err := c.AddFunc(syncSpec, func() {
		if err := syncPlans(ctx, syncer, logger); err != nil {
			logger.WithError(err).Error("scheduled plan sync failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", syncSpec, err)
	}

	if _, err := c.AddFunc(resetSpec, func() {
		if err := resetMonthlyUsage(ctx, resetter, time.Now().UTC(), logger); err != nil {
			logger.WithError(err).Error("scheduled usage reset failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid usage reset schedule %q: %w", resetSpec, err)
	}

	logger.WithFields(map[string]interface{}{
		"sync_schedule":  syncSpec,
		"reset_schedule": resetSpec,
	}).Info("jobs scheduled")
	return nil
}

func syncPlans(ctx context.Context, syncer planSyncer, logger *observability.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	res, err := syncer.SyncPlans(ctx)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"upserted":    res.Upserted,
		"deactivated": res.Deactivated,
		"skipped":     res.Skipped,
	}).Info("plan sync completed")
	return nil
}

func resetMonthlyUsage(ctx context.Context, resetter usageResetter, now time.Time, logger *observability.Logger) error {
	n, err := resetter.ResetMonthlyUsage(ctx, now)
	if err != nil {
		return fmt.Errorf("usage reset: %w", err)
	}
	logger.WithField("orgs", n).Info("monthly usage reset")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
