// Package http exposes the status surface: health, metrics, the published
// snapshot, the KML document itself, and a manual refresh trigger.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/ndfd-kml-publisher/internal/job"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/models"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/publish"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/wms"
)

// PublishState is the slice of the job the handlers read and poke.
type PublishState interface {
	Snapshot() (models.Snapshot, bool)
	LastSuccess() (time.Time, bool)
	RunCycle(ctx context.Context) error
}

// HealthConfig holds the staleness thresholds for the health handler.
type HealthConfig struct {
	RefreshInterval time.Duration
	StalenessFactor int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	state        PublishState
	kmlPath      string
	healthConfig *HealthConfig
	logger       *zap.Logger
	clock        clockwork.Clock

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. clock may be nil for the real clock.
func NewHandler(state PublishState, kmlPath string, healthConfig *HealthConfig, logger *zap.Logger, clock clockwork.Clock) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		state:        state,
		kmlPath:      kmlPath,
		healthConfig: healthConfig,
		logger:       logger,
		clock:        clock,
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health. A process that has never published reports
// unpublished; one whose last success is older than StalenessFactor refresh
// intervals reports degraded.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "ok" {
		checks["publisher"] = "healthy"
	} else {
		checks["publisher"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "ndfd-kml-publisher",
		"version":   "dev",
		"checks":    checks,
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
	}
	if last, ok := h.state.LastSuccess(); ok {
		resp["lastSuccess"] = last.Format(time.RFC3339)
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates publish freshness. Decision order:
// never published > stale > ok.
func (h *Handler) computeHealthStatus() healthResult {
	last, ok := h.state.LastSuccess()
	if !ok {
		return healthResult{"unpublished", http.StatusServiceUnavailable, "no_successful_cycle"}
	}
	if h.healthConfig != nil && h.healthConfig.StalenessFactor > 0 && h.healthConfig.RefreshInterval > 0 {
		limit := time.Duration(h.healthConfig.StalenessFactor) * h.healthConfig.RefreshInterval
		if h.clock.Now().UTC().Sub(last) > limit {
			return healthResult{"degraded", http.StatusServiceUnavailable, "publish_stale"}
		}
	}
	return healthResult{"ok", http.StatusOK, ""}
}

// GetSnapshot handles GET /snapshot.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.state.Snapshot()
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_PUBLISHED", "no document has been published yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetKML handles GET /kml, serving the file most recently renamed into place.
func (h *Handler) GetKML(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(h.kmlPath); err != nil {
		writeError(w, r, http.StatusNotFound, "NOT_PUBLISHED", "no document has been published yet")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.google-earth.kml+xml")
	http.ServeFile(w, r, h.kmlPath)
}

// PostRefresh handles POST /refresh, running one cycle outside the schedule.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	err := h.state.RunCycle(r.Context())
	switch {
	case err == nil:
		resp := map[string]interface{}{"ok": true}
		if snap, ok := h.state.Snapshot(); ok {
			resp["timestamp"] = snap.Timestamp.Format(time.RFC3339)
		}
		writeJSON(w, http.StatusAccepted, resp)
	case errors.Is(err, job.ErrCycleInProgress):
		writeError(w, r, http.StatusConflict, "CYCLE_IN_PROGRESS", "a refresh cycle is already running")
	case errors.Is(err, publish.ErrWriteFailure):
		writeError(w, r, http.StatusInternalServerError, "WRITE_FAILURE", "unable to persist the document")
	default:
		writeError(w, r, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "unable to fetch upstream data")
		if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
			logger.Debug("manual refresh failed",
				zap.Error(err),
				zap.String("category", string(wms.CategorizeError(err))))
		}
	}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}
