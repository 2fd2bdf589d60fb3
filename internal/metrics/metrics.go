// Package metrics provides Prometheus instrumentation for the farming engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsTotal counts recorded transactions by type and currency.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifarm_transactions_total",
		Help: "Total transactions recorded",
	}, []string{"type", "currency"})

	// DuplicateReplays counts record calls resolved by idempotent replay.
	DuplicateReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unifarm_duplicate_replays_total",
		Help: "Record calls that returned an existing transaction",
	})

	// InsufficientBalanceRejections counts rejected over-debits.
	InsufficientBalanceRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unifarm_insufficient_balance_rejections_total",
		Help: "Debits rejected because the balance would go negative",
	})

	// SchedulerTicks counts scheduler tick outcomes per position type.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifarm_scheduler_ticks_total",
		Help: "Scheduler ticks by position type and result",
	}, []string{"position_type", "result"})

	// SchedulerTickDuration tracks tick duration per position type.
	SchedulerTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unifarm_scheduler_tick_duration_seconds",
		Help:    "Scheduler tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"position_type"})

	// AccrualsCredited counts successful per-position yield credits.
	AccrualsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifarm_accruals_credited_total",
		Help: "Yield credits applied by the scheduler",
	}, []string{"position_type"})

	// AccrualFailures counts per-position crediting failures (bulkhead).
	AccrualFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifarm_accrual_failures_total",
		Help: "Per-position crediting failures isolated by the scheduler",
	}, []string{"position_type"})

	// ReferralRewards counts referral credits by level.
	ReferralRewards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifarm_referral_rewards_total",
		Help: "Referral reward credits by upline level",
	}, []string{"level"})

	// ReferralFanoutFailures counts failed levels during distribution.
	ReferralFanoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unifarm_referral_fanout_failures_total",
		Help: "Referral levels that failed to credit",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "unifarm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unifarm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unifarm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
