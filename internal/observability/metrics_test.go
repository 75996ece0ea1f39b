package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestMetrics_Usable verifies that all Prometheus metrics can be used without
// panic, ensuring label dimensions match usage across the wms, job, cache, and http packages.
func TestMetrics_Usable(t *testing.T) {
	CycleRunsTotal.WithLabelValues("success").Inc()
	CycleRunsTotal.WithLabelValues("fetch_error").Inc()
	CyclePhaseDurationSeconds.WithLabelValues("fetch").Observe(0.2)
	CyclePhaseDurationSeconds.WithLabelValues("generate").Observe(0.001)
	CyclePhaseDurationSeconds.WithLabelValues("publish").Observe(0.01)
	CycleDurationSeconds.Observe(0.25)
	WMSCallsTotal.WithLabelValues("success").Inc()
	WMSCallsTotal.WithLabelValues("error").Inc()
	WMSCallDurationSeconds.WithLabelValues("success").Observe(0.5)
	WMSRetriesTotal.Inc()
	WMSTimeFallbacksTotal.Inc()
	CacheHitsTotal.WithLabelValues("in_memory").Inc()
	CacheErrorsTotal.WithLabelValues("get", "timeout").Inc()
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.01)
	RateLimitDeniedTotal.Inc()
}

// TestRecordPublish verifies the publish gauges accept a snapshot without panic.
func TestRecordPublish(t *testing.T) {
	layerTime := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	RecordPublish(layerTime, layerTime.Add(5*time.Minute), 1234)
}

// TestCircuitBreakerMetrics verifies transition and state helpers.
func TestCircuitBreakerMetrics(t *testing.T) {
	RecordCircuitBreakerTransition("wms", "closed", "open")
	SetCircuitBreakerStateGauge("wms", 1)
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "cycleRunsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
