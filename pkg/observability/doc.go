// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and shutdown hooks for BookFlow.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("subscription_id", id).Info("charge approved")
//
// Loggers travel through the billing run on the context:
//
//	ctx = observability.WithRunID(observability.WithLogger(ctx, logger), runID)
//	observability.FromContext(ctx).Warn("retry budget exhausted")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.BillingChargesTotal.WithLabelValues("retry", "failed").Inc()
//
// # Tracing
//
// InitOTel installs OTLP/gRPC trace and metric exporters. When disabled the
// global no-op provider stays in place, so StartSpan is always safe to call.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version).
//		AddCritical("store", store).
//		AddOptional("redis", redisPinger)
package observability
