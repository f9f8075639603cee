package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/netforge/pkg/api"
	"github.com/platinummonkey/netforge/pkg/async"
	"github.com/platinummonkey/netforge/pkg/audit"
	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/billing"
	"github.com/platinummonkey/netforge/pkg/collab"
	"github.com/platinummonkey/netforge/pkg/config"
	"github.com/platinummonkey/netforge/pkg/designs"
	"github.com/platinummonkey/netforge/pkg/equipment"
	"github.com/platinummonkey/netforge/pkg/middleware"
	"github.com/platinummonkey/netforge/pkg/notifications"
	"github.com/platinummonkey/netforge/pkg/observability"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/rbac"
	"github.com/platinummonkey/netforge/pkg/reports"
	"github.com/platinummonkey/netforge/pkg/sso"
	"github.com/platinummonkey/netforge/pkg/storage"
	"github.com/platinummonkey/netforge/pkg/storage/mongostore"
	"github.com/platinummonkey/netforge/pkg/storage/postgres"
	"github.com/platinummonkey/netforge/pkg/storage/redisstore"
	"github.com/platinummonkey/netforge/pkg/webhooks"
)

var version = "dev"

const (
	webhookRetryInterval = 30 * time.Second
	userRateLimit        = 1000 // per hour, for routes outside an org
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	skipMigrations := flag.Bool("skip-migrations", false, "Do not apply database migrations on startup")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "netforge")
	if err := run(cfg, logger, *skipMigrations); err != nil {
		logger.WithError(err).Error("netforge exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, skipMigrations bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanups []observability.ShutdownFunc
	cleanup := func(fn observability.ShutdownFunc) { cleanups = append(cleanups, fn) }

	otel, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	if otel != nil {
		cleanup(otel.Shutdown)
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	// Storage
	db, err := postgres.Open(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	cleanup(func(context.Context) error { return db.Close() })
	if !skipMigrations {
		if err := postgres.Migrate(ctx, db, logger); err != nil {
			return err
		}
	}

	mongoClient, mongoDB, err := mongostore.Connect(ctx, cfg.Mongo, logger)
	if err != nil {
		return err
	}
	cleanup(mongoClient.Disconnect)
	if err := mongostore.EnsureIndexes(ctx, mongoDB, mongostore.DefaultIndexes(), logger); err != nil {
		return err
	}

	checks := []observability.DependencyCheck{
		observability.PostgresCheck(db),
		observability.MongoCheck(mongoClient),
	}

	var redisClient *redisstore.Client
	if cfg.Redis.URL != "" {
		redisClient, err = redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		cleanup(func(context.Context) error { return redisClient.Close() })
		checks = append(checks, observability.RedisCheck(redisClient.Redis()))
	} else {
		logger.Warn("Redis is not configured, caching and rate limits are local to this instance")
	}

	objects, err := storage.NewObjectStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	// Worker pools
	notifyPool := async.NewWorkerPool(ctx, "notifications", 4, 256, 30*time.Second)
	webhookPool := async.NewWorkerPool(ctx, "webhooks", 8, 512, 30*time.Second)
	reportPool := async.NewWorkerPool(ctx, "reports", cfg.Reports.Workers, cfg.Reports.QueueSize, cfg.Reports.RenderTimeout)
	for _, p := range []*async.WorkerPool{notifyPool, webhookPool, reportPool} {
		pool := p
		cleanup(func(context.Context) error { return pool.Shutdown(cfg.Server.ShutdownTimeout / 2) })
	}

	// Audit
	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}
	var auditLog audit.Logger = dbAudit
	if cfg.Observability.AuditLogDir != "" {
		fileAudit, err := audit.NewFileLogger(audit.FileLoggerConfig{Dir: cfg.Observability.AuditLogDir}, logger)
		if err != nil {
			return err
		}
		multi := audit.NewMultiLogger(dbAudit, fileAudit)
		multi.SetAsync(true)
		auditLog = multi
	}
	cleanup(func(context.Context) error { return auditLog.Close() })

	// Identity
	orgService := orgs.NewPostgresService(db)
	users := auth.NewUserStore(db)
	tokens := auth.NewTokenManager(db)
	sessions, err := auth.NewSessionIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.SessionTTL)
	if err != nil {
		return err
	}
	authMW := middleware.NewAuthMiddleware(tokens, sessions, users)

	provisioner := sso.NewProvisioner(db, users, logger)
	ssoCfg := sso.HandlersConfig{
		Provisioner:   provisioner,
		Sessions:      sessions,
		Users:         users,
		StateSecret:   []byte(cfg.Auth.JWTSecret),
		SecureCookies: !strings.HasPrefix(cfg.OIDC.RedirectURL, "http://"),
	}
	if cfg.OIDC.Enabled {
		provider, err := sso.NewOIDCProvider(ctx, cfg.OIDC)
		if err != nil {
			return err
		}
		ssoCfg.Provider = provider
		authMW.WithIDTokens(sso.NewAuthenticator(provider, provisioner))
	}

	teams := rbac.NewStore(db)
	checker := rbac.NewChecker(orgService, teams, rbac.CheckerConfig{CacheSize: 10000, CacheTTL: 30 * time.Second})
	cleanup(func(context.Context) error { checker.Close(); return nil })

	// Rate limiting
	var limiter middleware.Limiter
	if redisClient != nil {
		limiter = middleware.NewDistributedRateLimiter(redisClient.Redis(), "netforge:ratelimit")
	} else {
		local := middleware.NewRateLimiter()
		local.StartCleanup(ctx, 10*time.Minute)
		limiter = local
	}

	// Real-time and notifications
	hubCfg := collab.HubConfig{
		PingInterval: cfg.Collab.PingInterval,
		SendBuffer:   cfg.Collab.SendBuffer,
		Metrics:      metrics,
		Logger:       logger,
	}
	if redisClient != nil {
		hubCfg.Bus = collab.NewRedisBus(redisClient.Redis(), logger)
	}
	hub := collab.NewHub(hubCfg)
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("collaboration hub stopped")
		}
	}()
	cleanup(func(context.Context) error {
		hub.Close()
		return nil
	})

	notifier := notifications.NewService(notifications.NewPostgresStore(db), notifyPool, nil, metrics, logger)
	notifier.SetPusher(hub)

	webhookService := webhooks.NewService(webhooks.ServiceDeps{
		Store:     webhooks.NewPostgresStore(db),
		Retry:     webhooks.NewRetryPolicy(webhooks.DefaultRetryConfig()),
		Pool:      webhookPool,
		Limiter:   limiter,
		Directory: orgService,
		Notifier:  notifier,
		Metrics:   metrics,
		Logger:    logger,
	})
	go webhookService.Run(ctx, webhookRetryInterval)

	// Domain services
	designService := designs.NewService(designs.ServiceDeps{
		Repo: designs.NewMongoRepository(mongoDB),
		Cache: designs.NewCache(designs.CacheConfig{
			L1Size: cfg.Redis.L1Size,
			L1TTL:  30 * time.Second,
			L2TTL:  cfg.Redis.CacheTTL,
		}, redisClient, metrics, logger),
		Objects:  objects,
		Quotas:   orgService,
		Usage:    orgService,
		Grants:   teams,
		Events:   designs.Publishers(hub, webhookService),
		Notifier: notifier,
		Metrics:  metrics,
		Logger:   logger,
	})

	equipmentService := equipment.NewService(equipment.NewMongoRepository(mongoDB), designService, objects, orgService, orgService, logger)

	renderer := reports.NewRodRenderer(cfg.Reports, logger)
	cleanup(func(context.Context) error { return renderer.Close() })
	reportService := reports.NewService(reports.ServiceDeps{
		Store:    reports.NewPostgresStore(db),
		Designs:  designService,
		Builder:  reports.NewBuilder(equipmentService),
		PDF:      renderer,
		Objects:  objects,
		Pool:     reportPool,
		Quotas:   orgService,
		Usage:    orgService,
		Notifier: notifier,
		Events:   reports.Publishers(hub, webhookService),
		Metrics:  metrics,
		Logger:   logger,
	})

	var biller billing.Biller
	if cfg.Billing.StripeSecretKey != "" {
		biller = billing.NewService(billing.ServiceDeps{
			Store:         billing.NewPostgresStore(db),
			Provider:      billing.NewStripeClient(cfg.Billing.StripeAPIBase, cfg.Billing.StripeSecretKey, nil),
			Directory:     orgService,
			Notifier:      notifier,
			WebhookSecret: cfg.Billing.StripeWebhookSecret,
			Metrics:       metrics,
			Logger:        logger,
		})
	} else {
		logger.Warn("Stripe is not configured, billing routes are disabled")
	}

	srv := api.NewServer(api.Deps{
		Orgs:          orgService,
		Auth:          authMW,
		Authz:         checker,
		RateLimit:     middleware.NewRateLimitMiddleware(limiter, time.Hour, middleware.OrgKey(userRateLimit), metrics),
		Quota:         middleware.NewQuotaMiddleware(orgService, metrics),
		AuditLog:      auditLog,
		Tokens:        tokens,
		SSO:           sso.NewHandlers(ssoCfg),
		Designs:       designService,
		Equipment:     equipmentService,
		Reports:       reportService,
		Teams:         rbac.NewHandlers(teams, checker),
		Billing:       biller,
		Notifications: notifier,
		Collab:        collab.NewHandlers(hub, designService, checker, cfg.Collab.AllowedOrigins),
		Webhooks:      webhookService,
		AuditSearch:   dbAudit,
		CORSOrigins:   cfg.Server.CORSOrigins,
		MaxBodyBytes:  cfg.Storage.MaxUploadBytes + 1<<20,
		Tracing:       cfg.Observability.OTelEnabled,
		Metrics:       metrics,
		Logger:        logger,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	var gatherer prometheus.Gatherer
	if registry != nil {
		gatherer = registry
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           api.NewHealthHandler(observability.NewHealthChecker(version, checks...), gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	for _, fn := range cleanups {
		shutdown.Register("cleanup", fn)
	}
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{apiServer, healthServer} {
		server := s
		go func() {
			logger.WithField("addr", server.Addr).Info("listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", server.Addr, err)
			}
		}()
	}

	logger.WithField("version", version).Info("NetForge started")

	waitErr := make(chan error, 1)
	go func() { waitErr <- shutdown.WaitForShutdown() }()
	select {
	case err := <-errCh:
		_ = shutdown.Shutdown()
		return err
	case err := <-waitErr:
		return err
	}
}
