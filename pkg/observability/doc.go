// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing for keygate.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("issuer", issuer).Info("Discovered OIDC provider")
//
// Request handlers use FromContext, which adds the request id.
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordGuardDecision(observability.OutcomeGranted)
//
// The Record methods are safe on a nil *Metrics, so components accept metrics
// as an optional dependency. WithOTel mirrors the gate metrics to an
// OpenTelemetry meter.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("session_store", true, observability.RedisCheck(client))
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:  true,
//		Endpoint: "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: observability settings
//   - pkg/httputil: request logging middleware
package observability
