// Package observability provides Prometheus metrics and health probes
// for the tutorgo service.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorgo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutorgo_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorgo_turns_total",
			Help: "Total number of conversation turns",
		},
		[]string{"status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutorgo_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	deltasFolded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorgo_deltas_folded_total",
			Help: "Total number of state deltas folded by the merge engine",
		},
	)

	// Session cache metrics
	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tutorgo_sessions_live",
			Help: "Number of sessions currently resident in the cache",
		},
	)

	sessionResolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutorgo_session_resolves_total",
			Help: "Total number of session cache resolutions",
		},
		[]string{"outcome"}, // hit, resumed, created, error
	)

	// Sweep metrics
	generationsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorgo_generations_swept_total",
			Help: "Total number of expired generations deleted by sweeps",
		},
	)

	sweepSkipsLive = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorgo_sweep_skips_live_total",
			Help: "Expired generations skipped because they were bound to a live session",
		},
	)

	sweepErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutorgo_sweep_errors_total",
			Help: "Generation deletions that failed during sweeps",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all tutorgo metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			turnsTotal,
			turnDuration,
			deltasFolded,
			sessionsLive,
			sessionResolves,
			generationsSwept,
			sweepSkipsLive,
			sweepErrors,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTurn records a completed conversation turn.
func RecordTurn(status string, duration time.Duration) {
	turnsTotal.WithLabelValues(status).Inc()
	turnDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDeltaFolded counts one delta folded into authoritative state.
func RecordDeltaFolded() {
	deltasFolded.Inc()
}

// RecordSessionResolve records a cache resolution outcome.
func RecordSessionResolve(outcome string) {
	sessionResolves.WithLabelValues(outcome).Inc()
}

// SetSessionsLive sets the live-session gauge.
func SetSessionsLive(n int) {
	sessionsLive.Set(float64(n))
}

// RecordGenerationSwept counts one deleted expired generation.
func RecordGenerationSwept() {
	generationsSwept.Inc()
}

// RecordSweepSkipLive counts one expired generation spared because it was
// live in the cache.
func RecordSweepSkipLive() {
	sweepSkipsLive.Inc()
}

// RecordSweepError counts one failed deletion during a sweep.
func RecordSweepError() {
	sweepErrors.Inc()
}
