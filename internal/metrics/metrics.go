// Package metrics provides Prometheus instrumentation for the Tradeloop platform.
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
			Namespace: "tradeloop",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradeloop",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Offer metrics ---

	OffersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "offers_created_total",
		Help:      "Total offers created.",
	})

	OffersResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeloop",
			Name:      "offers_resolved_total",
			Help:      "Total offers resolved by terminal status.",
		},
		[]string{"status"},
	)

	// --- Escrow metrics ---

	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "escrow_created_total",
		Help:      "Total escrows created and funded.",
	})

	EscrowReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "escrow_released_total",
		Help:      "Total escrows released to seller.",
	})

	EscrowRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "escrow_refunded_total",
		Help:      "Total escrows refunded to buyer.",
	})

	EscrowDisputedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "escrow_disputed_total",
		Help:      "Total escrows disputed.",
	})

	EscrowAutoReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradeloop",
		Name:      "escrow_auto_released_total",
		Help:      "Total escrows auto-released after the hold window.",
	})

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradeloop",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800},
	})

	// --- Payment webhook metrics ---

	PaymentWebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeloop",
			Name:      "payment_webhooks_total",
			Help:      "Inbound payment provider webhooks by outcome.",
		},
		[]string{"outcome"},
	)

	// NotifyDeliveriesTotal counts outbound notification deliveries by result.
	NotifyDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradeloop",
			Name:      "notify_deliveries_total",
			Help:      "Total outbound notification deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradeloop",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeloop", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeloop", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeloop", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradeloop", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OffersCreatedTotal,
		OffersResolvedTotal,
		EscrowCreatedTotal,
		EscrowReleasedTotal,
		EscrowRefundedTotal,
		EscrowDisputedTotal,
		EscrowAutoReleasedTotal,
		EscrowDuration,
		PaymentWebhooksTotal,
		NotifyDeliveriesTotal,
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
