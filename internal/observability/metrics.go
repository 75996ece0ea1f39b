package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Refresh cycle outcomes. Watch for: anything other than success/unchanged
	// trending up means the published file is going stale.
	CycleRunsTotal *prometheus.CounterVec

	// Per-phase cycle latency (fetch, generate, publish). Watch for: fetch p95
	// growth = upstream degradation.
	CyclePhaseDurationSeconds *prometheus.HistogramVec

	// Whole-cycle latency.
	CycleDurationSeconds prometheus.Histogram

	// NDFD WMS call rate. Watch for: error vs success ratio.
	WMSCallsTotal *prometheus.CounterVec

	// NDFD WMS latency per request. Watch for: p95 > 5s (capabilities documents
	// are large), p99 near timeout.
	WMSCallDurationSeconds *prometheus.HistogramVec

	// Retry attempts for WMS calls. High retries = unstable upstream.
	WMSRetriesTotal prometheus.Counter

	// Cycles that fell back to the current UTC hour because the capabilities
	// document carried no usable time dimension.
	WMSTimeFallbacksTotal prometheus.Counter

	// Timestamp cache hits by backend type.
	CacheHitsTotal *prometheus.CounterVec

	// Cache operation failures by operation and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Unix time of the last successful publish. Alert when now() minus this
	// exceeds a few refresh intervals.
	LastPublishSuccessTimestamp prometheus.Gauge

	// Unix time of the upstream data timestamp currently published.
	PublishedLayerTimestamp prometheus.Gauge

	// Size of the last written KML document.
	PublishedBytes prometheus.Gauge

	// HTTP request rate for the status server.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency for the status server.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent status-server requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Rate limit denials on the status server.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state transitions, labeled from/to.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Current circuit breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	CycleRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cycleRunsTotal",
			Help: "Refresh cycles by result (success, unchanged, fetch_error, generate_error, write_error, overlap_skipped)",
		},
		[]string{"result"},
	)
	CyclePhaseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyclePhaseDurationSeconds",
			Help:    "Refresh cycle phase latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"phase"},
	)
	CycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cycleDurationSeconds",
			Help:    "Whole refresh cycle latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	WMSCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wmsCallsTotal",
			Help: "Total number of NDFD WMS capability calls",
		},
		[]string{"status"},
	)
	WMSCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wmsCallDurationSeconds",
			Help:    "NDFD WMS call latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
		},
		[]string{"status"},
	)
	WMSRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wmsRetriesTotal",
			Help: "Total number of retry attempts for WMS calls",
		},
	)
	WMSTimeFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wmsTimeFallbacksTotal",
			Help: "Cycles that used the current UTC hour because no time dimension was advertised",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Timestamp cache hits by backend type",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Timestamp cache operation failures by operation and category",
		},
		[]string{"operation", "category"},
	)
	LastPublishSuccessTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastPublishSuccessTimestamp",
			Help: "Unix time of the last successful publish; alert on staleness",
		},
	)
	PublishedLayerTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "publishedLayerTimestamp",
			Help: "Unix time of the upstream layer timestamp currently published",
		},
	)
	PublishedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "publishedBytes",
			Help: "Size in bytes of the last written KML document",
		},
	)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests to the status server",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "Status server request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)

	registry.MustRegister(
		CycleRunsTotal, CyclePhaseDurationSeconds, CycleDurationSeconds,
		WMSCallsTotal, WMSCallDurationSeconds, WMSRetriesTotal, WMSTimeFallbacksTotal,
		CacheHitsTotal, CacheErrorsTotal,
		LastPublishSuccessTimestamp, PublishedLayerTimestamp, PublishedBytes,
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		RateLimitDeniedTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
	)
}

// RecordPublish updates the publish gauges after a successful cycle.
func RecordPublish(layerTime, publishedAt time.Time, size int) {
	PublishedLayerTimestamp.Set(float64(layerTime.Unix()))
	LastPublishSuccessTimestamp.Set(float64(publishedAt.Unix()))
	PublishedBytes.Set(float64(size))
}

// RecordCircuitBreakerTransition records a state change for the component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the numeric state gauge for the component.
func SetCircuitBreakerStateGauge(component string, state int) {
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
