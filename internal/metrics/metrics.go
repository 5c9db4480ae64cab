// Package metrics provides Prometheus instrumentation for the Q402 copilot backend.
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
			Namespace: "q402",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "q402",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PolicyDecisionsTotal counts policy evaluations by outcome (allowed/blocked).
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "q402",
			Name:      "policy_decisions_total",
			Help:      "Total policy evaluations by decision outcome.",
		},
		[]string{"decision"},
	)

	// PolicyUpdatesTotal counts policy mutations via the API.
	PolicyUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "q402",
		Name:      "policy_updates_total",
		Help:      "Total policy updates applied.",
	})

	// RequestsPreparedTotal counts typed-data prepare calls that issued a request.
	RequestsPreparedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "q402",
		Name:      "requests_prepared_total",
		Help:      "Total prepared payment requests issued.",
	})

	// VerificationsTotal counts witness verification attempts by result.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "q402",
			Name:      "verifications_total",
			Help:      "Total witness verifications by result (valid/invalid).",
		},
		[]string{"result"},
	)

	// SettlementsTotal counts settlement executions by terminal status.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "q402",
			Name:      "settlements_total",
			Help:      "Total on-chain settlements by status (executed/failed/rejected/expired).",
		},
		[]string{"status"},
	)

	// SettlementDuration observes time from prepare to on-chain confirmation.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "q402",
		Name:      "settlement_duration_seconds",
		Help:      "Time from request preparation to confirmed settlement in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// SponsoredGasWei accumulates gas paid by the facilitator, per network.
	SponsoredGasWei = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "q402",
			Name:      "sponsored_gas_wei_total",
			Help:      "Total gas cost in wei sponsored by the facilitator, per network.",
		},
		[]string{"network"},
	)

	// FacilitatorBalanceWei tracks the facilitator wallet balance per network.
	FacilitatorBalanceWei = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "q402",
			Name:      "facilitator_balance_wei",
			Help:      "Facilitator wallet native balance in wei, per network.",
		},
		[]string{"network"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "q402",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "q402", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "q402", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "q402", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "q402", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "q402", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "q402", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PolicyDecisionsTotal,
		PolicyUpdatesTotal,
		RequestsPreparedTotal,
		VerificationsTotal,
		SettlementsTotal,
		SettlementDuration,
		SponsoredGasWei,
		FacilitatorBalanceWei,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
