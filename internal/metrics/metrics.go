// Package metrics provides Prometheus instrumentation for the Parashield platform.
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
			Namespace: "parashield",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parashield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Detection pipeline ---

	// LogsObserved counts chain log records by decoded signature.
	LogsObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "logs_observed_total",
		Help:      "Chain log records consumed by the classifier, by signature.",
	}, []string{"signature"})

	// LogsDroppedStale counts records dropped by the monotonic-timestamp guard.
	LogsDroppedStale = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "logs_dropped_stale_total",
		Help:      "Out-of-order log records dropped without mutating detection state.",
	}, []string{"kind"})

	// SignalsDetected counts risk signals emitted by the classifier.
	SignalsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "signals_detected_total",
		Help:      "Risk signals emitted by the classifier, by kind.",
	}, []string{"kind"})

	// ClaimsDispatched counts signals accepted and forwarded to the claims engine.
	ClaimsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "claims_dispatched_total",
		Help:      "Claims forwarded to the claims engine, by kind.",
	}, []string{"kind"})

	// ClaimsSuppressed counts signals suppressed by the dispatcher.
	ClaimsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "claims_suppressed_total",
		Help:      "Signals suppressed by the dispatcher, by reason (cooldown).",
	}, []string{"reason"})

	// --- Claims engine ---

	// PoliciesCreated counts purchased policies by risk kind.
	PoliciesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "policies_created_total",
		Help:      "Policies purchased, by risk kind.",
	}, []string{"kind"})

	// PoliciesSettled counts policies reaching a terminal state.
	PoliciesSettled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "policies_settled_total",
		Help:      "Policies reaching a terminal state, by status.",
	}, []string{"status"})

	// PremiumQuotes counts premium quote computations by result.
	PremiumQuotes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "premium_quotes_total",
		Help:      "Premium quotes computed, by result.",
	}, []string{"result"})

	// --- Capital pools ---

	// PoolTotalCapital tracks total capital per asset pool (whole tokens).
	PoolTotalCapital = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parashield",
		Name:      "pool_total_capital",
		Help:      "Total capital per asset pool, in whole tokens.",
	}, []string{"asset"})

	// PoolAllocatedCapital tracks reserved capital per asset pool (whole tokens).
	PoolAllocatedCapital = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parashield",
		Name:      "pool_allocated_capital",
		Help:      "Capital reserved against active policies per asset pool, in whole tokens.",
	}, []string{"asset"})

	// PayoutsExecuted counts claim payouts by asset.
	PayoutsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parashield",
		Name:      "payouts_executed_total",
		Help:      "Claim payouts executed against the capital pool, by asset.",
	}, []string{"asset"})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "parashield",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parashield", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parashield", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parashield", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "parashield", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LogsObserved,
		LogsDroppedStale,
		SignalsDetected,
		ClaimsDispatched,
		ClaimsSuppressed,
		PoliciesCreated,
		PoliciesSettled,
		PremiumQuotes,
		PoolTotalCapital,
		PoolAllocatedCapital,
		PayoutsExecuted,
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
