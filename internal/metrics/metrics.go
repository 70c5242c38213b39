// Package metrics holds the Prometheus collectors shared by the CLI, the
// server and the core services.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	hodlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	hodlRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hodl_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	hodlEntriesAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_entries_appended_total",
		Help: "Total entries anchored and appended, by logbook.",
	}, []string{"logbook"})

	hodlAnchorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_anchor_failures_total",
		Help: "Total failed ledger anchor calls by reason.",
	}, []string{"reason"})

	hodlReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_reconciliations_total",
		Help: "Total reconciliation runs by final state.",
	}, []string{"state"})

	hodlValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_chain_validations_total",
		Help: "Total chain validations by verdict.",
	}, []string{"verdict"})

	hodlBundleVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hodl_bundle_verifications_total",
		Help: "Total bundle verifications by verdict.",
	}, []string{"verdict"})

	hodlPlaceholdersWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hodl_placeholders_written_total",
		Help: "Total placeholder notes synthesized during reconstruction.",
	})

	hodlBackendUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hodl_backend_up",
		Help: "1 when the last health probe of a backend succeeded, 0 otherwise.",
	}, []string{"component"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		hodlRequestsTotal.WithLabelValues(method, path, status).Inc()
		hodlRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records an anchored and appended entry.
func RecordAppend(logbook string) {
	hodlEntriesAppendedTotal.WithLabelValues(logbook).Inc()
}

// RecordAnchorFailure records a failed anchor call. reason is "conflict",
// "unavailable" or "error".
func RecordAnchorFailure(reason string) {
	hodlAnchorFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordReconciliation records the terminal state of a reconciliation.
func RecordReconciliation(state string) {
	hodlReconciliationsTotal.WithLabelValues(state).Inc()
}

// RecordValidation records a chain validation verdict.
func RecordValidation(verdict string) {
	hodlValidationsTotal.WithLabelValues(verdict).Inc()
}

// RecordBundleVerification records a bundle verification verdict.
func RecordBundleVerification(verdict string) {
	hodlBundleVerificationsTotal.WithLabelValues(verdict).Inc()
}

// AddPlaceholders records n synthesized placeholder notes.
func AddPlaceholders(n int) {
	hodlPlaceholdersWrittenTotal.Add(float64(n))
}

// SetBackendUp records the outcome of a backend health probe.
func SetBackendUp(component string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	hodlBackendUp.WithLabelValues(component).Set(v)
}
