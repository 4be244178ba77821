package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing run metrics
	BillingRunsTotal        *prometheus.CounterVec
	BillingRunDuration      prometheus.Histogram
	BillingChargesTotal     *prometheus.CounterVec
	BillingTransitionsTotal *prometheus.CounterVec
	BillingStageErrorsTotal *prometheus.CounterVec
	ReconciliationRequired  prometheus.Counter
	LastRunTimestamp        prometheus.Gauge

	// Payment gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Notification and alert metrics
	NotificationsTotal *prometheus.CounterVec
	AlertsTotal        *prometheus.CounterVec
	AlertDeliveries    *prometheus.CounterVec

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		BillingRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_billing_runs_total",
				Help: "Total number of daily billing runs",
			},
			[]string{"status"},
		),
		BillingRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bookflow_billing_run_duration_seconds",
				Help:    "Daily billing run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
			},
		),
		BillingChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_billing_charges_total",
				Help: "Total number of charge attempts by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		BillingTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_billing_transitions_total",
				Help: "Total number of subscription status transitions",
			},
			[]string{"from", "to"},
		),
		BillingStageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_billing_stage_errors_total",
				Help: "Total number of errors recorded per billing stage",
			},
			[]string{"stage"},
		),
		ReconciliationRequired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bookflow_billing_reconciliation_required_total",
				Help: "Charges whose gateway outcome and local state could not be matched",
			},
		),
		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bookflow_billing_last_run_timestamp_seconds",
				Help: "Unix time of the last completed billing run",
			},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_gateway_requests_total",
				Help: "Total number of payment gateway requests",
			},
			[]string{"operation", "status"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookflow_gateway_request_duration_seconds",
				Help:    "Payment gateway request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_notifications_total",
				Help: "Total number of billing notifications by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_alerts_total",
				Help: "Total number of critical alerts raised",
			},
			[]string{"type", "severity"},
		),
		AlertDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_alert_deliveries_total",
				Help: "Total number of alert deliveries by outcome",
			},
			[]string{"outcome"},
		),

		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookflow_store_operations_total",
				Help: "Total number of subscription store operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookflow_store_operation_duration_seconds",
				Help:    "Subscription store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BillingRunsTotal,
		m.BillingRunDuration,
		m.BillingChargesTotal,
		m.BillingTransitionsTotal,
		m.BillingStageErrorsTotal,
		m.ReconciliationRequired,
		m.LastRunTimestamp,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.NotificationsTotal,
		m.AlertsTotal,
		m.AlertDeliveries,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
	)

	return m
}

// NewTestMetrics returns metrics registered on a private registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveStoreOperation records the outcome of a store call started at start
func (m *Metrics) ObserveStoreOperation(operation, backend string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation, backend).Observe(time.Since(start).Seconds())
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// ObserveCharge counts one charge attempt made by a billing stage
func (m *Metrics) ObserveCharge(stage string, success bool) {
	if m == nil {
		return
	}
	m.BillingChargesTotal.WithLabelValues(stage, outcomeLabel(success)).Inc()
}

// ObserveTransition counts a subscription status change
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.BillingTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveStageError counts a stage that could not load its candidates
func (m *Metrics) ObserveStageError(stage string) {
	if m == nil {
		return
	}
	m.BillingStageErrorsTotal.WithLabelValues(stage).Inc()
}

// ObserveReconciliation counts a charge that needs manual reconciliation:
// it succeeded without a matching local update, or its outcome is unknown
func (m *Metrics) ObserveReconciliation() {
	if m == nil {
		return
	}
	m.ReconciliationRequired.Inc()
}

// ObserveRun records a finished billing run
func (m *Metrics) ObserveRun(status string, duration time.Duration, completedAt time.Time) {
	if m == nil {
		return
	}
	m.BillingRunsTotal.WithLabelValues(status).Inc()
	m.BillingRunDuration.Observe(duration.Seconds())
	m.LastRunTimestamp.Set(float64(completedAt.Unix()))
}

// ObserveNotification counts one notification delivery
func (m *Metrics) ObserveNotification(eventType string, success bool) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(eventType, outcomeLabel(success)).Inc()
}

// ObserveAlert counts a raised alert and its delivery outcome
func (m *Metrics) ObserveAlert(alertType, severity string, delivered bool) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(alertType, severity).Inc()
	m.AlertDeliveries.WithLabelValues(outcomeLabel(delivered)).Inc()
}

// ObserveGatewayRequest records the outcome of a gateway call started at start
func (m *Metrics) ObserveGatewayRequest(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.GatewayRequestsTotal.WithLabelValues(operation, status).Inc()
	m.GatewayRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler returns the /metrics handler for registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
