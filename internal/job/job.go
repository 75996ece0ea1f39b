// Package job implements the refresh-and-publish cycle: fetch the latest
// upstream timestamp, regenerate the KML document, write it over the output
// file. The cycle runs Idle -> Fetching -> Generating -> Published and never
// overlaps itself.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/ndfd-kml-publisher/internal/models"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/observability"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/wms"
)

// ErrCycleInProgress is returned when a cycle is requested while another is
// still running. The caller should simply wait for the next tick.
var ErrCycleInProgress = errors.New("refresh cycle already in progress")

// Renderer builds the output document for a snapshot.
type Renderer func(snap models.Snapshot) ([]byte, error)

// Publisher persists the rendered document.
type Publisher interface {
	Write(data []byte) error
}

// Job owns the published state and executes refresh cycles. A failed cycle
// leaves the previously published file in place; the job retries at the next
// scheduled tick.
type Job struct {
	source wms.TimeSource
	render Renderer
	writer Publisher
	layer  string
	logger *zap.Logger
	clock  clockwork.Clock

	running atomic.Bool

	mu          sync.RWMutex
	last        *models.Snapshot
	lastSuccess time.Time
}

// New creates a Job. clock may be nil for the real clock.
func New(source wms.TimeSource, render Renderer, writer Publisher, layer string, logger *zap.Logger, clock clockwork.Clock) *Job {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Job{
		source: source,
		render: render,
		writer: writer,
		layer:  layer,
		logger: logger,
		clock:  clock,
	}
}

// Snapshot returns the currently published snapshot, if any.
func (j *Job) Snapshot() (models.Snapshot, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.last == nil {
		return models.Snapshot{}, false
	}
	return *j.last, true
}

// LastSuccess returns the time of the last cycle that confirmed upstream
// state (publish or unchanged), if any.
func (j *Job) LastSuccess() (time.Time, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.lastSuccess.IsZero() {
		return time.Time{}, false
	}
	return j.lastSuccess, true
}

// RunCycle executes one refresh cycle. Concurrent calls beyond the first
// return ErrCycleInProgress without touching upstream or the output file.
func (j *Job) RunCycle(ctx context.Context) error {
	if !j.running.CompareAndSwap(false, true) {
		observability.CycleRunsTotal.WithLabelValues("overlap_skipped").Inc()
		return ErrCycleInProgress
	}
	defer j.running.Store(false)

	cycleID := uuid.New().String()
	logger := j.logger.With(zap.String("cycle_id", cycleID), zap.String("layer", j.layer))
	cycleStart := time.Now()

	fetchStart := time.Now()
	ts, err := j.source.LatestTimestamp(ctx, j.layer)
	observability.CyclePhaseDurationSeconds.WithLabelValues("fetch").Observe(time.Since(fetchStart).Seconds())
	if err != nil {
		observability.CycleRunsTotal.WithLabelValues("fetch_error").Inc()
		logger.Error("latest timestamp fetch failed",
			zap.Error(err),
			zap.String("category", string(wms.CategorizeError(err))))
		return fmt.Errorf("fetch latest timestamp: %w", err)
	}
	ts = ts.UTC()

	if prev, ok := j.Snapshot(); ok && prev.Timestamp.Equal(ts) {
		// Nothing new upstream; the published bytes are already current.
		j.markSuccess()
		observability.CycleRunsTotal.WithLabelValues("unchanged").Inc()
		logger.Info("upstream timestamp unchanged, publish skipped", zap.Time("timestamp", ts))
		return nil
	}

	snap := models.Snapshot{
		Layer:         j.layer,
		Timestamp:     ts,
		Region:        models.RegionCONUS,
		Projection:    models.ProjectionWebMercator,
		LegendPresent: true,
		PublishedAt:   j.clock.Now().UTC(),
		CycleID:       cycleID,
	}

	genStart := time.Now()
	data, err := j.render(snap)
	observability.CyclePhaseDurationSeconds.WithLabelValues("generate").Observe(time.Since(genStart).Seconds())
	if err != nil {
		observability.CycleRunsTotal.WithLabelValues("generate_error").Inc()
		logger.Error("document generation failed", zap.Error(err))
		return fmt.Errorf("generate document: %w", err)
	}

	pubStart := time.Now()
	if err := j.writer.Write(data); err != nil {
		observability.CyclePhaseDurationSeconds.WithLabelValues("publish").Observe(time.Since(pubStart).Seconds())
		observability.CycleRunsTotal.WithLabelValues("write_error").Inc()
		logger.Error("publish failed", zap.Error(err))
		return fmt.Errorf("publish document: %w", err)
	}
	observability.CyclePhaseDurationSeconds.WithLabelValues("publish").Observe(time.Since(pubStart).Seconds())

	j.setSnapshot(snap)
	observability.CycleRunsTotal.WithLabelValues("success").Inc()
	observability.CycleDurationSeconds.Observe(time.Since(cycleStart).Seconds())
	observability.RecordPublish(snap.Timestamp, snap.PublishedAt, len(data))
	logger.Info("published",
		zap.Time("timestamp", ts),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(cycleStart)))
	return nil
}

func (j *Job) markSuccess() {
	j.mu.Lock()
	j.lastSuccess = j.clock.Now().UTC()
	j.mu.Unlock()
}

func (j *Job) setSnapshot(snap models.Snapshot) {
	j.mu.Lock()
	j.last = &snap
	j.lastSuccess = j.clock.Now().UTC()
	j.mu.Unlock()
}
