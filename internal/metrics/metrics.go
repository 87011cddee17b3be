// Package metrics exposes Prometheus collectors for the polling service.
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
	pollRunsTotal           *prometheus.CounterVec
	pollRunDurationSeconds  *prometheus.HistogramVec
	pollInFlightRuns        prometheus.Gauge
	pollPausedSources       prometheus.Gauge
	busSubscribers          *prometheus.GaugeVec
	busDroppedTotal         *prometheus.CounterVec
	sweeperDeletedRowsTotal prometheus.Counter
	sweeperErrorsTotal      prometheus.Counter
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		pollRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcewatch_poll_runs_total",
				Help: "Total poll runs, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		pollRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sourcewatch_poll_run_duration_seconds",
				Help:    "Histogram of end-to-end poll run latencies.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)

		pollInFlightRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sourcewatch_in_flight_runs",
				Help: "Number of poll runs currently executing.",
			},
		)

		pollPausedSources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sourcewatch_paused_sources",
				Help: "Number of sources currently paused after repeated failures.",
			},
		)

		busSubscribers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sourcewatch_bus_subscribers",
				Help: "Live event bus subscribers, labeled by source.",
			},
			[]string{"source"},
		)

		busDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcewatch_bus_dropped_messages_total",
				Help: "Messages dropped because a subscriber buffer was full.",
			},
			[]string{"source"},
		)

		sweeperDeletedRowsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sourcewatch_sweeper_deleted_rows_total",
				Help: "Rows removed by the retention sweeper.",
			},
		)

		sweeperErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sourcewatch_sweeper_errors_total",
				Help: "Sweep cycles that failed and will be retried.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sourcewatch_http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sourcewatch_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun records one finished poll run.
func ObserveRun(sourceID, outcome string, duration time.Duration) {
	if pollRunsTotal == nil {
		return
	}
	pollRunsTotal.WithLabelValues(sourceID, outcome).Inc()
	pollRunDurationSeconds.WithLabelValues(sourceID).Observe(duration.Seconds())
}

// IncInFlightRuns increments the in-flight gauge.
func IncInFlightRuns() {
	if pollInFlightRuns != nil {
		pollInFlightRuns.Inc()
	}
}

// DecInFlightRuns decrements the in-flight gauge.
func DecInFlightRuns() {
	if pollInFlightRuns != nil {
		pollInFlightRuns.Dec()
	}
}

// IncPausedSources increments the paused-source gauge.
func IncPausedSources() {
	if pollPausedSources != nil {
		pollPausedSources.Inc()
	}
}

// DecPausedSources decrements the paused-source gauge.
func DecPausedSources() {
	if pollPausedSources != nil {
		pollPausedSources.Dec()
	}
}

// SetSubscribers records the live subscriber count for a source.
func SetSubscribers(sourceID string, count int) {
	if busSubscribers != nil {
		busSubscribers.WithLabelValues(sourceID).Set(float64(count))
	}
}

// ObserveBusDrop counts a message dropped on a full subscriber buffer.
func ObserveBusDrop(sourceID string) {
	if busDroppedTotal != nil {
		busDroppedTotal.WithLabelValues(sourceID).Inc()
	}
}

// ObserveSweep records the outcome of one sweep cycle.
func ObserveSweep(deleted int64, err error) {
	if sweeperDeletedRowsTotal == nil {
		return
	}
	if err != nil {
		sweeperErrorsTotal.Inc()
		return
	}
	sweeperDeletedRowsTotal.Add(float64(deleted))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
