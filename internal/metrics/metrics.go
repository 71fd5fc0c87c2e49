// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateWaitSeconds            *prometheus.HistogramVec
	cooldownSeconds            *prometheus.HistogramVec
	escalationsTotal           *prometheus.CounterVec
	targetMode                 *prometheus.GaugeVec
	sessionsTotal              *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_fetch_total",
				Help: "Fetch attempts, labeled by target and classified outcome.",
			},
			[]string{"target", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_fetch_duration_seconds",
				Help:    "Latency of network fetch attempts.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"target"},
		)

		rateWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_wait_seconds",
				Help:    "Time spent waiting for the rate governor.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 15, 30, 60},
			},
			[]string{"target"},
		)

		cooldownSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_cooldown_seconds",
				Help:    "Cooldown windows imposed after ban signals.",
				Buckets: prometheus.ExponentialBuckets(60, 2, 10),
			},
			[]string{"target"},
		)

		escalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_escalations_total",
				Help: "Backoff escalations, labeled by target.",
			},
			[]string{"target"},
		)

		targetMode = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_target_mode",
				Help: "Current backoff mode per target (0 normal, 1 cooldown, 2 suspended).",
			},
			[]string{"target"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_sessions_total",
				Help: "Finished harvest sessions, labeled by target and final status.",
			},
			[]string{"target", "status"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_records_total",
				Help: "Harvested records, labeled by target and result.",
			},
			[]string{"target", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one classified fetch attempt.
func ObserveFetch(target, outcome string, duration time.Duration) {
	Init()
	fetchTotal.WithLabelValues(target, outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(target).Observe(duration.Seconds())
	}
}

// ObserveRateWait records the delay introduced by the rate governor.
func ObserveRateWait(target string, wait time.Duration) {
	Init()
	rateWaitSeconds.WithLabelValues(target).Observe(wait.Seconds())
}

// ObserveCooldown records an escalation and the cooldown it imposed.
func ObserveCooldown(target string, cooldown time.Duration) {
	Init()
	escalationsTotal.WithLabelValues(target).Inc()
	cooldownSeconds.WithLabelValues(target).Observe(cooldown.Seconds())
}

// SetTargetMode publishes the backoff mode of a target.
func SetTargetMode(target string, mode string) {
	Init()
	var v float64
	switch mode {
	case "cooldown":
		v = 1
	case "suspended":
		v = 2
	}
	targetMode.WithLabelValues(target).Set(v)
}

// ObserveSession counts a finished session.
func ObserveSession(target, status string) {
	Init()
	sessionsTotal.WithLabelValues(target, status).Inc()
}

// ObserveRecords adds n records with the given result (published, failed, skipped, malformed).
func ObserveRecords(target, result string, n int) {
	Init()
	if n <= 0 {
		return
	}
	recordsTotal.WithLabelValues(target, result).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
