// Package metrics provides Prometheus instrumentation for the settlement core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlecore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlecore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WalletCallsTotal counts outbound wallet service calls by operation and result.
	WalletCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlecore",
			Name:      "wallet_calls_total",
			Help:      "Total wallet service calls by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// WalletCallDuration observes wallet call latency by operation.
	WalletCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlecore",
			Name:      "wallet_call_duration_seconds",
			Help:      "Wallet service call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// EscrowsTotal counts escrow transitions by final status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlecore",
			Name:      "escrows_total",
			Help:      "Total escrow operations by status.",
		},
		[]string{"status"},
	)

	// EscrowTimeoutsSwept counts escrows refunded by the timeout sweeper.
	EscrowTimeoutsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlecore",
		Name:      "escrow_timeouts_swept_total",
		Help:      "Total escrows timed out and refunded by the sweeper.",
	})

	// TreasuryTransactionsTotal counts committed treasury transactions by type.
	TreasuryTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlecore",
			Name:      "treasury_transactions_total",
			Help:      "Total committed treasury transactions by type.",
		},
		[]string{"type"},
	)

	// SplitPaymentsTotal counts split payment executions by outcome.
	SplitPaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlecore",
			Name:      "split_payments_total",
			Help:      "Total split payment executions by outcome.",
		},
		[]string{"outcome"},
	)

	// EventsPublishedTotal counts domain events published by type and bus.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlecore",
			Name:      "events_published_total",
			Help:      "Total domain events published by type and bus.",
		},
		[]string{"event_type", "bus"},
	)

	// IdempotencyHitsTotal counts idempotency cache lookups by outcome.
	IdempotencyHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlecore",
			Name:      "idempotency_lookups_total",
			Help:      "Total idempotency key lookups by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveWebSocketClients tracks connected WebSocket feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settlecore",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlecore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlecore", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlecore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WalletCallsTotal,
		WalletCallDuration,
		EscrowsTotal,
		EscrowTimeoutsSwept,
		TreasuryTransactionsTotal,
		SplitPaymentsTotal,
		EventsPublishedTotal,
		IdempotencyHitsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		GoroutineCount,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware instruments HTTP requests with count and duration metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
