// Package observability carries the ambient runtime concerns of the API:
// structured logrus logging with request-scoped fields, Prometheus metrics,
// dependency health probes, OpenTelemetry export and graceful shutdown.
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	ctx = observability.WithLogger(ctx, logger.WithField("component", "reports"))
//	observability.FromContext(ctx).Info("report queued")
//
//	checker := observability.NewHealthChecker(version,
//		observability.PostgresCheck(db),
//		observability.MongoCheck(mongoClient),
//		observability.RedisCheck(redisClient),
//	)
package observability
