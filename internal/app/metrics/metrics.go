// Package metrics exposes the application's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "safety_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safety_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "safety_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	proposalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safety_layer",
			Subsystem: "proposals",
			Name:      "transitions_total",
			Help:      "Total number of committed proposal transitions.",
		},
		[]string{"status"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safety_layer",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of sweep passes.",
		},
		[]string{"kind"},
	)

	sweepAdvanced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "safety_layer",
			Subsystem: "sweep",
			Name:      "records_advanced_total",
			Help:      "Total number of records advanced by the sweep.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		proposalTransitions,
		sweepRuns,
		sweepAdvanced,
	)
}

// IncrementInFlight increments the in-flight HTTP gauge.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight decrements the in-flight HTTP gauge.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTransition records a committed proposal transition by resulting
// status.
func RecordTransition(status string) {
	proposalTransitions.WithLabelValues(status).Inc()
}

// RecordSweep records one sweep pass and how many records it advanced.
func RecordSweep(kind string, advanced int) {
	sweepRuns.WithLabelValues(kind).Inc()
	sweepAdvanced.WithLabelValues(kind).Add(float64(advanced))
}

// Handler returns an HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
