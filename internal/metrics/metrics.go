// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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

// Cycle and fetch result labels.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

var (
	cyclesTotal                *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	recordsParsedTotal         *prometheus.CounterVec
	recordsSkippedTotal        *prometheus.CounterVec
	recordsStoredTotal         prometheus.Counter
	storeErrorsTotal           prometheus.Counter
	retrainsTotal              *prometheus.CounterVec
	observerDropsTotal         prometheus.Counter
	lastCycleTimestamp         prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times; the Observe helpers call it
// on first use.
func Init() {
	once.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsn_cycles_total",
				Help: "Fetch cycles completed, labeled by result.",
			},
			[]string{"result"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsn_fetches_total",
				Help: "Feed fetches, labeled by source (primary/backup) and result.",
			},
			[]string{"source", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dsn_fetch_duration_seconds",
				Help:    "Histogram of feed fetch latencies, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"source"},
		)

		recordsParsedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsn_records_parsed_total",
				Help: "Records decoded from feed bodies, labeled by format.",
			},
			[]string{"format"},
		)

		recordsSkippedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsn_records_skipped_total",
				Help: "Feed elements rejected during decoding, labeled by format.",
			},
			[]string{"format"},
		)

		recordsStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dsn_records_stored_total",
				Help: "Records committed to the store.",
			},
		)

		storeErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dsn_store_errors_total",
				Help: "Batches rolled back because of a storage failure.",
			},
		)

		retrainsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsn_retrains_total",
				Help: "Predictor training passes, labeled by result.",
			},
			[]string{"result"},
		)

		observerDropsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dsn_observer_drops_total",
				Help: "Batches dropped because the broadcast buffer was full.",
			},
		)

		lastCycleTimestamp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dsn_last_cycle_timestamp_seconds",
				Help: "Unix time of the most recently completed cycle.",
			},
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
	return promhttp.Handler()
}

// ObserveCycle counts a finished cycle and stamps its completion time.
func ObserveCycle(result string, at time.Time) {
	Init()
	cyclesTotal.WithLabelValues(result).Inc()
	lastCycleTimestamp.Set(float64(at.Unix()))
}

// ObserveFetch records one fetch attempt against a feed.
func ObserveFetch(source string, ok bool, duration time.Duration) {
	Init()
	result := ResultSuccess
	if !ok {
		result = ResultFailed
	}
	fetchesTotal.WithLabelValues(source, result).Inc()
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveDecode counts kept and rejected elements for one decode.
func ObserveDecode(format string, parsed, skipped int) {
	Init()
	if parsed > 0 {
		recordsParsedTotal.WithLabelValues(format).Add(float64(parsed))
	}
	if skipped > 0 {
		recordsSkippedTotal.WithLabelValues(format).Add(float64(skipped))
	}
}

// ObserveStored counts committed records.
func ObserveStored(n int) {
	Init()
	if n > 0 {
		recordsStoredTotal.Add(float64(n))
	}
}

// ObserveStoreError counts a rolled-back batch.
func ObserveStoreError() {
	Init()
	storeErrorsTotal.Inc()
}

// ObserveRetrain counts a training pass.
func ObserveRetrain(ok bool) {
	Init()
	result := ResultSuccess
	if !ok {
		result = ResultFailed
	}
	retrainsTotal.WithLabelValues(result).Inc()
}

// ObserveObserverDrop counts a batch the broadcast hub could not enqueue.
func ObserveObserverDrop() {
	Init()
	observerDropsTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
