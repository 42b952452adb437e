// Package metrics provides Prometheus instrumentation for the Praxis billing service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "praxis",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "praxis",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhookEventsReceivedTotal counts inbound provider notifications by event type.
	WebhookEventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "praxis",
			Name:      "webhook_events_received_total",
			Help:      "Total provider webhook notifications received by event type.",
		},
		[]string{"type"},
	)

	// WebhookEventsProcessedTotal counts processing outcomes by event type.
	WebhookEventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "praxis",
			Name:      "webhook_events_processed_total",
			Help:      "Total webhook processing outcomes by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// WebhookDuplicatesTotal counts redeliveries short-circuited by the idempotency guard.
	WebhookDuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "praxis",
		Name:      "webhook_duplicates_total",
		Help:      "Total webhook redeliveries short-circuited as already processed.",
	})

	// WebhookSignatureFailuresTotal counts rejected signatures.
	WebhookSignatureFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "praxis",
		Name:      "webhook_signature_failures_total",
		Help:      "Total webhook payloads rejected for an invalid signature.",
	})

	// WebhookDispatchDuration observes end-to-end processing time per event type.
	WebhookDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "praxis",
			Name:      "webhook_dispatch_duration_seconds",
			Help:      "Webhook dispatch duration in seconds by event type.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// LedgerEntriesTotal counts ledger writes by status.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "praxis",
			Name:      "ledger_entries_total",
			Help:      "Total ledger entries recorded by status.",
		},
		[]string{"status"},
	)

	// NotificationsTotal counts activation email dispatch attempts by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "praxis",
			Name:      "notifications_total",
			Help:      "Total notification dispatch attempts by result.",
		},
		[]string{"result"},
	)

	// ReconciliationMismatch is 1 when the last reconciliation run found a
	// ledger/provider discrepancy beyond the threshold.
	ReconciliationMismatch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "praxis",
			Name:      "reconciliation_mismatch",
			Help:      "Whether the last reconciliation run found a mismatch, per currency.",
		},
		[]string{"currency"},
	)

	// ActiveWebSocketClients tracks connected back-office feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "praxis",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "praxis", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "praxis", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "praxis", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "praxis", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookEventsReceivedTotal,
		WebhookEventsProcessedTotal,
		WebhookDuplicatesTotal,
		WebhookSignatureFailuresTotal,
		WebhookDispatchDuration,
		LedgerEntriesTotal,
		NotificationsTotal,
		ReconciliationMismatch,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
