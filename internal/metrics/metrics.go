// Package metrics exposes the Prometheus collectors and middleware for the
// HTTP relay. Session-level metrics live in the progress PrometheusSink.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	httpStreamsActive          prometheus.Gauge
	httpRateLimitedTotal       prometheus.Counter

	once sync.Once
)

// Init registers the HTTP collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "videre_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route, and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "videre_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		httpStreamsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "videre_http_event_streams_active",
				Help: "Number of open server-sent event streams.",
			},
		)

		httpRateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "videre_http_rate_limited_total",
				Help: "Total number of session starts rejected by the per-client rate limit.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StreamOpened tracks a new event stream and returns the func that closes it.
func StreamOpened() (closed func()) {
	Init()
	httpStreamsActive.Inc()
	return httpStreamsActive.Dec
}

// ObserveRateLimited counts a rejected session start.
func ObserveRateLimited() {
	Init()
	httpRateLimitedTotal.Inc()
}
