package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/ndfd-kml-publisher/internal/kml"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/models"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/publish"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/testhelpers"
	"github.com/kjstillabower/ndfd-kml-publisher/internal/wms"
)

const testLayer = "ndfd.conus.temp"

type fakeSource struct {
	mu    sync.Mutex
	ts    time.Time
	err   error
	calls int

	// blockCh, when set, makes LatestTimestamp wait until the channel closes.
	blockCh chan struct{}
	started chan struct{}
}

func (f *fakeSource) LatestTimestamp(ctx context.Context, layer string) (time.Time, error) {
	f.mu.Lock()
	f.calls++
	block := f.blockCh
	started := f.started
	ts, err := f.ts, f.err
	f.mu.Unlock()

	if started != nil {
		close(started)
		f.mu.Lock()
		f.started = nil
		f.mu.Unlock()
	}
	if block != nil {
		<-block
	}
	return ts, err
}

func (f *fakeSource) set(ts time.Time, err error) {
	f.mu.Lock()
	f.ts, f.err = ts, err
	f.mu.Unlock()
}

type memWriter struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
}

func (m *memWriter) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes = append(m.writes, append([]byte(nil), data...))
	return nil
}

func (m *memWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func passthroughRender(snap models.Snapshot) ([]byte, error) {
	return []byte(fmt.Sprintf("layer=%s time=%s region=%s crs=%s",
		snap.Layer, snap.Timestamp.Format(time.RFC3339), snap.Region, snap.Projection)), nil
}

func newTestJob(source wms.TimeSource, render Renderer, writer Publisher, clock clockwork.Clock) *Job {
	return New(source, render, writer, testLayer, zap.NewNop(), clock)
}

func TestRunCycle_PublishesLatestTimestamp(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{ts: ts}
	writer := &memWriter{}
	clock := clockwork.NewFakeClockAt(ts.Add(30 * time.Minute))
	j := newTestJob(source, passthroughRender, writer, clock)

	if err := j.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if writer.count() != 1 {
		t.Fatalf("writes = %d, want 1", writer.count())
	}
	out := string(writer.writes[0])
	if !strings.Contains(out, "time=2024-06-01T12:00:00Z") {
		t.Errorf("output = %q, want upstream timestamp embedded", out)
	}
	if !strings.Contains(out, "layer=ndfd.conus.temp") {
		t.Errorf("output = %q, want layer name", out)
	}
	if !strings.Contains(out, "region=CONUS") || !strings.Contains(out, "crs=EPSG:3857") {
		t.Errorf("output = %q, want fixed region and projection", out)
	}

	snap, ok := j.Snapshot()
	if !ok {
		t.Fatal("Snapshot() = none, want published snapshot")
	}
	if !snap.Timestamp.Equal(ts) {
		t.Errorf("snapshot timestamp = %v, want %v", snap.Timestamp, ts)
	}
	if !snap.LegendPresent {
		t.Error("snapshot should record the legend as present")
	}
	if snap.CycleID == "" {
		t.Error("snapshot should carry a cycle ID")
	}
	if _, ok := j.LastSuccess(); !ok {
		t.Error("LastSuccess() = none after successful cycle")
	}
}

func TestRunCycle_UnchangedTimestampSkipsWrite(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{ts: ts}
	writer := &memWriter{}
	clock := clockwork.NewFakeClockAt(ts)
	j := newTestJob(source, passthroughRender, writer, clock)

	if err := j.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle() error = %v", err)
	}
	clock.Advance(30 * time.Minute)
	if err := j.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}

	if writer.count() != 1 {
		t.Errorf("writes = %d, want 1 (second cycle unchanged)", writer.count())
	}

	last, ok := j.LastSuccess()
	if !ok {
		t.Fatal("LastSuccess() = none")
	}
	if !last.Equal(clock.Now().UTC()) {
		t.Errorf("LastSuccess() = %v, want refreshed to %v by unchanged cycle", last, clock.Now().UTC())
	}
}

func TestRunCycle_NewTimestampRepublishes(t *testing.T) {
	first := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{ts: first}
	writer := &memWriter{}
	j := newTestJob(source, passthroughRender, writer, clockwork.NewFakeClockAt(first))

	if err := j.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	source.set(first.Add(time.Hour), nil)
	if err := j.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if writer.count() != 2 {
		t.Fatalf("writes = %d, want 2", writer.count())
	}
	if !strings.Contains(string(writer.writes[1]), "time=2024-06-01T13:00:00Z") {
		t.Errorf("second output = %q, want advanced timestamp", writer.writes[1])
	}
}

func TestRunCycle_FetchFailureFirstRun(t *testing.T) {
	source := &fakeSource{err: wms.ErrUpstreamUnavailable}
	writer := &memWriter{}
	j := newTestJob(source, passthroughRender, writer, nil)

	err := j.RunCycle(context.Background())
	if !errors.Is(err, wms.ErrUpstreamUnavailable) {
		t.Fatalf("RunCycle() error = %v, want ErrUpstreamUnavailable", err)
	}
	if writer.count() != 0 {
		t.Errorf("writes = %d, want 0 (nothing to publish on first-run failure)", writer.count())
	}
	if _, ok := j.Snapshot(); ok {
		t.Error("Snapshot() should be empty after failed first run")
	}
	if _, ok := j.LastSuccess(); ok {
		t.Error("LastSuccess() should be unset after failed first run")
	}
}

func TestRunCycle_FetchFailureKeepsPriorSnapshot(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{ts: ts}
	writer := &memWriter{}
	j := newTestJob(source, passthroughRender, writer, clockwork.NewFakeClockAt(ts))

	if err := j.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	source.set(time.Time{}, wms.ErrUpstreamUnavailable)
	if err := j.RunCycle(context.Background()); err == nil {
		t.Fatal("RunCycle() expected fetch error")
	}

	snap, ok := j.Snapshot()
	if !ok {
		t.Fatal("Snapshot() lost after failed refresh")
	}
	if !snap.Timestamp.Equal(ts) {
		t.Errorf("snapshot timestamp = %v, want prior %v", snap.Timestamp, ts)
	}
	if writer.count() != 1 {
		t.Errorf("writes = %d, want 1 (failed cycle must not rewrite)", writer.count())
	}
}

func TestRunCycle_WriteFailure(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{ts: ts}
	writer := &memWriter{err: publish.ErrWriteFailure}
	j := newTestJob(source, passthroughRender, writer, nil)

	err := j.RunCycle(context.Background())
	if !errors.Is(err, publish.ErrWriteFailure) {
		t.Fatalf("RunCycle() error = %v, want ErrWriteFailure", err)
	}
	if _, ok := j.Snapshot(); ok {
		t.Error("Snapshot() should not advance on write failure")
	}
}

func TestRunCycle_GenerateFailure(t *testing.T) {
	source := &fakeSource{ts: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	writer := &memWriter{}
	renderErr := errors.New("render exploded")
	j := newTestJob(source, func(models.Snapshot) ([]byte, error) { return nil, renderErr }, writer, nil)

	err := j.RunCycle(context.Background())
	if !errors.Is(err, renderErr) {
		t.Fatalf("RunCycle() error = %v, want render error", err)
	}
	if writer.count() != 0 {
		t.Errorf("writes = %d, want 0", writer.count())
	}
}

func TestRunCycle_OverlapGuard(t *testing.T) {
	source := &fakeSource{
		ts:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		blockCh: make(chan struct{}),
		started: make(chan struct{}),
	}
	writer := &memWriter{}
	j := newTestJob(source, passthroughRender, writer, nil)

	done := make(chan error, 1)
	go func() { done <- j.RunCycle(context.Background()) }()
	<-source.started

	if err := j.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("concurrent RunCycle() error = %v, want ErrCycleInProgress", err)
	}

	close(source.blockCh)
	if err := <-done; err != nil {
		t.Fatalf("blocked RunCycle() error = %v", err)
	}
	if writer.count() != 1 {
		t.Errorf("writes = %d, want 1 (overlapping call must not publish)", writer.count())
	}
}

// TestRunCycle_EndToEnd wires the real WMS client, cache-less, through the
// real KML renderer and atomic writer against a fake capabilities server.
func TestRunCycle_EndToEnd(t *testing.T) {
	srv := testhelpers.NewCapabilitiesServer(t,
		testhelpers.CapabilitiesXML(testLayer, "2024-06-01T00:00:00Z,2024-06-01T12:00:00Z", ""))

	client, err := wms.NewClient(srv.URL, 2*time.Second)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	bounds, err := kml.BoundsFromBBox("-14200679.12,2500000,-7400000,6505689.94")
	if err != nil {
		t.Fatalf("BoundsFromBBox() error = %v", err)
	}
	params := wms.MapParams{
		Layer:  testLayer,
		BBox:   "-14200679.12,2500000,-7400000,6505689.94",
		Width:  1024,
		Height: 768,
	}
	render := func(snap models.Snapshot) ([]byte, error) {
		return kml.Build(kml.Options{
			DocumentName: "Live CONUS Temperature (NDFD)",
			OverlayName:  "Current Temperature (NDFD)",
			MapHref:      wms.MapURL(srv.URL, params, snap.Timestamp),
			LegendHref:   "https://digital.weather.gov/staticpages/legend/tempscale_conus.png",
			Bounds:       bounds,
		})
	}

	outPath := filepath.Join(t.TempDir(), "conus_temp_live.kml")
	j := New(client, render, publish.NewWriter(outPath), testLayer, zap.NewNop(), nil)

	if err := j.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	first, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	// The GetMap href query-encodes the colon in the timestamp.
	if !bytes.Contains(first, []byte("time=2024-06-01T12%3A00%3A00Z")) {
		t.Error("output should reference the upstream latest timestamp")
	}
	if !bytes.Contains(first, []byte("ndfd.conus.temp")) {
		t.Error("output should reference the layer name")
	}
	if n := bytes.Count(first, []byte("<ScreenOverlay>")); n != 1 {
		t.Errorf("ScreenOverlay count = %d, want exactly 1", n)
	}
	if n := bytes.Count(first, []byte("<GroundOverlay>")); n != 1 {
		t.Errorf("GroundOverlay count = %d, want exactly 1", n)
	}

	// A second cycle with unchanged upstream data leaves identical bytes.
	if err := j.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}
	second, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("output changed across cycles with unchanged upstream timestamp")
	}
}
