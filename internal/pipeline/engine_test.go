package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spectracam/internal/camera"
	"spectracam/internal/catalog"
	"spectracam/internal/frame"
	"spectracam/internal/stream"
	"spectracam/internal/tiles"
	"spectracam/internal/types"
)

// testLayout places 8x8 tiles at x 6,16,26,36,46 and y 4,16,28 in a 60x40
// frame.
func testLayout() tiles.Layout {
	l := tiles.DefaultLayout()
	l.EntireWidth, l.EntireHeight = 60, 40
	l.TileWidth, l.TileHeight = 8, 8
	l.PitchX, l.PitchY = 10, 12
	return l
}

// mosaic fills tile i with 20+10*i and leaves the gaps black.
func mosaic(l tiles.Layout) []byte {
	buf := make([]byte, l.EntireWidth*l.EntireHeight)
	for i, r := range l.BaseRects() {
		for y := r.Y; y < r.Bottom(); y++ {
			for x := r.X; x < r.Right(); x++ {
				buf[y*l.EntireWidth+x] = byte(20 + 10*i)
			}
		}
	}
	return buf
}

// fakeCamera streams the same mosaic every few milliseconds.
type fakeCamera struct {
	layout tiles.Layout
	pix    []byte

	mu        sync.Mutex
	connected bool
	params    camera.Params
	cancel    context.CancelFunc
	done      chan struct{}
}

func newFakeCamera(l tiles.Layout) *fakeCamera {
	return &fakeCamera{layout: l, pix: mosaic(l), params: camera.Params{ExposureUS: 1000, Gamma: 1}}
}

func (c *fakeCamera) List(context.Context) ([]camera.Info, error) {
	return []camera.Info{{ID: "fake", Model: "Fake"}}, nil
}

func (c *fakeCamera) Connect(_ context.Context, id string) error {
	if id != "fake" {
		return camera.ErrUnknownCamera
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) Disconnect(ctx context.Context) error {
	_ = c.StopStream(ctx)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeCamera) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *fakeCamera) StartStream(_ context.Context, sink stream.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return camera.ErrNotConnected
	}
	if c.cancel != nil {
		return camera.ErrStreaming
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			sink(c.pix, c.layout.EntireWidth, c.layout.EntireHeight, c.layout.EntireWidth)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (c *fakeCamera) StopStream(context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *fakeCamera) Params(context.Context) (camera.Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params, nil
}

func (c *fakeCamera) SetParams(_ context.Context, p camera.Params) (camera.Params, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = p
	return p, nil
}

type memIndex struct {
	mu      sync.Mutex
	entries []catalog.CaptureEntry
}

func (m *memIndex) AddCapture(_ context.Context, e catalog.CaptureEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return int64(len(m.entries)), nil
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *recordingReporter) {
	t.Helper()
	rep := &recordingReporter{}
	l := testLayout()
	cfg := Config{
		Layout:         l,
		OutputDir:      t.TempDir(),
		CaptureTimeout: 2 * time.Second,
		MatchRadius:    3,
	}
	e := NewEngine(cfg, startQueue(t), newFakeCamera(l), frame.NewBytePool(), append([]EngineOption{WithReporter(rep)}, opts...)...)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	if err := e.Connect(context.Background(), "fake"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return e, rep
}

func pixelAt(t *testing.T, e *Engine, kind string, index, x, y int) byte {
	t.Helper()
	var v byte
	if err := e.WithFrame(kind, index, func(f *frame.Frame) error {
		v = f.At(x, y)
		return nil
	}); err != nil {
		t.Fatalf("WithFrame(%s, %d): %v", kind, index, err)
	}
	return v
}

func TestCaptureTilesCurrentDistance(t *testing.T) {
	e, rep := newTestEngine(t)
	ctx := context.Background()

	if err := e.Capture(ctx); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if got := pixelAt(t, e, KindEntire, 0, 6, 4); got != 20 {
		t.Fatalf("entire pixel = %d, want 20", got)
	}
	for i := 0; i < 15; i++ {
		if got := pixelAt(t, e, KindTile, i, 3, 3); got != byte(20+10*i) {
			t.Fatalf("tile %d pixel = %d, want %d", i, got, 20+10*i)
		}
	}
	kinds := rep.frameKinds()
	if kinds[KindEntire] != 1 || kinds[KindTile] != 1 {
		t.Fatalf("unexpected frame events %v", kinds)
	}
	if e.Status().Streaming {
		t.Fatalf("one-shot capture should stop the stream")
	}
}

func TestTileRejectsUnknownDistance(t *testing.T) {
	e, _ := newTestEngine(t)
	if err := e.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	err := e.Tile(context.Background(), 15)
	if !errors.Is(err, ErrUnknownDistance) {
		t.Fatalf("expected ErrUnknownDistance, got %v", err)
	}
}

func TestApplyExpression(t *testing.T) {
	e, rep := newTestEngine(t)
	ctx := context.Background()
	if err := e.Capture(ctx); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	// 550 nm is tile 7 (90), 530 nm is tile 8 (100)
	if err := e.ApplyExpression(ctx, "550 + 530"); err != nil {
		t.Fatalf("ApplyExpression: %v", err)
	}
	if got := pixelAt(t, e, KindExpression, 0, 0, 0); got != 190 {
		t.Fatalf("expression pixel = %d, want 190", got)
	}
	if got := e.Status().Workspace.Expression; got != "550 + 530" {
		t.Fatalf("workspace expression = %q", got)
	}
	if rep.frameKinds()[KindExpression] != 1 {
		t.Fatalf("expected an expression frame event")
	}

	if err := e.ApplyExpression(ctx, "550 +"); err == nil {
		t.Fatalf("expected a parse failure")
	}
	if err := e.ApplyExpression(ctx, "551"); err == nil {
		t.Fatalf("expected failure for an unknown wavelength")
	}
	if e.Evaluator().Live() != 0 {
		t.Fatalf("evaluator leaked %d temporaries", e.Evaluator().Live())
	}

	if err := e.Tile(ctx, 0); err != nil {
		t.Fatalf("Tile: %v", err)
	}
	if err := e.WithFrame(KindExpression, 0, func(*frame.Frame) error { return nil }); err == nil {
		t.Fatalf("re-tiling should drop the expression result")
	}
}

func TestNormalizeAndStitch(t *testing.T) {
	e, rep := newTestEngine(t)
	ctx := context.Background()
	if err := e.Capture(ctx); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := e.NormalizeAndStitch(ctx, 0); err != nil {
		t.Fatalf("NormalizeAndStitch: %v", err)
	}
	if got := pixelAt(t, e, KindProcessed, 3, 0, 0); got != 128 {
		t.Fatalf("processed pixel = %d, want 128", got)
	}
	if got := pixelAt(t, e, KindStitched, 0, 46, 28); got != 128 {
		t.Fatalf("stitched tile pixel = %d, want 128", got)
	}
	if got := pixelAt(t, e, KindStitched, 0, 0, 0); got != 0 {
		t.Fatalf("stitched gap pixel = %d, want 0", got)
	}
	if rep.frameKinds()[KindStitched] != 1 {
		t.Fatalf("expected a stitched frame event")
	}

	if err := e.NormalizeAndStitch(ctx, 64); err != nil {
		t.Fatalf("NormalizeAndStitch: %v", err)
	}
	if got := pixelAt(t, e, KindProcessed, 0, 0, 0); got != 64 {
		t.Fatalf("processed pixel = %d, want 64", got)
	}
}

func TestRegions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Capture(ctx); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	r, err := e.AddRegion(ctx, types.Rect{X: -2, Y: 0, Width: 4, Height: 20})
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if r.Index != 0 || r.Rect != (types.Rect{X: 0, Y: 0, Width: 2, Height: 8}) {
		t.Fatalf("unexpected region %+v", r)
	}
	_, intensity := e.Regions()
	rows := intensity[0]
	if len(rows) != 15 {
		t.Fatalf("expected 15 wavelengths, got %d", len(rows))
	}
	for _, in := range rows {
		idx, _ := tiles.TileIndex(in.Wavelength)
		if in.Mean != byte(20+10*idx) || in.StdDev != 0 {
			t.Fatalf("wavelength %d: %+v", in.Wavelength, in)
		}
	}

	if _, err := e.AddRegion(ctx, types.Rect{X: 20, Y: 20, Width: 4, Height: 4}); err == nil {
		t.Fatalf("a region outside the tile should be rejected")
	}
	if err := e.RemoveRegion(ctx, 0); err != nil {
		t.Fatalf("RemoveRegion: %v", err)
	}
	if err := e.RemoveRegion(ctx, 0); err == nil {
		t.Fatalf("removing a missing region should fail")
	}
	got, err := e.AnalyzeRegions(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("AnalyzeRegions: %v %v", got, err)
	}
}

func TestCalibrateOffsets(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Capture(ctx); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	offsets, err := e.CalibrateOffsets(ctx, types.Rect{X: 1, Y: 1, Width: 4, Height: 4})
	if err != nil {
		t.Fatalf("CalibrateOffsets: %v", err)
	}
	if len(offsets) != 15 {
		t.Fatalf("expected 15 offsets, got %d", len(offsets))
	}
	if !e.Status().Calibrated {
		t.Fatalf("calibration should be recorded for the current distance")
	}
	if got := pixelAt(t, e, KindTile, 4, 0, 0); got != 60 {
		t.Fatalf("re-cropped tile pixel = %d, want 60", got)
	}
	e.ResetOffsets(0)
	if e.Status().Calibrated {
		t.Fatalf("ResetOffsets should drop the calibration")
	}
}

func TestSaveCapture(t *testing.T) {
	idx := &memIndex{}
	var saved string
	e, _ := newTestEngine(t, WithCaptureIndex(idx), WithSavedHook(func(dir string) { saved = dir }))
	ctx := context.Background()
	if err := e.Capture(ctx); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if _, err := e.AddRegion(ctx, types.Rect{X: 0, Y: 0, Width: 2, Height: 2}); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	dir, err := e.SaveCapture(ctx)
	if err != nil {
		t.Fatalf("SaveCapture: %v", err)
	}
	if saved != dir {
		t.Fatalf("saved hook got %q, want %q", saved, dir)
	}
	for _, name := range []string{"full_original.tif", "orig_tile_00.tif", "orig_tile_14.tif", "regions.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if len(idx.entries) != 1 || idx.entries[0].Dir != dir || idx.entries[0].Regions != 1 {
		t.Fatalf("unexpected index entries %+v", idx.entries)
	}
}

func TestApplyParamsValidates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.ApplyParams(ctx, camera.Params{ExposureUS: 1, Gamma: 1}); !errors.Is(err, camera.ErrParamRange) {
		t.Fatalf("expected ErrParamRange, got %v", err)
	}
	p, err := e.ApplyParams(ctx, camera.Params{ExposureUS: 5000, GainDB: 3, Gamma: 1.2})
	if err != nil {
		t.Fatalf("ApplyParams: %v", err)
	}
	loaded, err := e.LoadParams(ctx)
	if err != nil || loaded != p {
		t.Fatalf("LoadParams = %+v, %v; want %+v", loaded, err, p)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPreview(t *testing.T) {
	var recorded sync.WaitGroup
	recorded.Add(1)
	var once sync.Once
	e, rep := newTestEngine(t, WithFrameRecorder(recorderFunc(func(*frame.Frame) error { return nil })),
		WithRecordedHook(func() { once.Do(recorded.Done) }))
	ctx := context.Background()

	if err := e.StartPreview(ctx); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	if err := e.StartPreview(ctx); err != nil {
		t.Fatalf("second StartPreview should be a no-op: %v", err)
	}
	waitFor(t, "preview frame", func() bool {
		return e.WithFrame(KindPreview, 0, func(*frame.Frame) error { return nil }) == nil
	})
	recorded.Wait()

	if err := e.SetPreviewOptions(PreviewOptions{Tile: 99}); err == nil {
		t.Fatalf("out of range preview tile accepted")
	}
	if err := e.SetPreviewOptions(PreviewOptions{Tile: 2, Normalize: true, Target: 100}); err != nil {
		t.Fatalf("SetPreviewOptions: %v", err)
	}
	waitFor(t, "preview tile", func() bool {
		var v byte
		err := e.WithFrame(KindPreviewTile, 0, func(f *frame.Frame) error {
			v = f.At(0, 0)
			return nil
		})
		return err == nil && v == 100
	})

	if err := e.Capture(ctx); err != nil {
		t.Fatalf("Capture during preview: %v", err)
	}
	if got := pixelAt(t, e, KindTile, 1, 0, 0); got != 30 {
		t.Fatalf("tile pixel = %d, want 30", got)
	}
	if !e.Status().Previewing {
		t.Fatalf("capture should leave the preview running")
	}

	if err := e.StopPreview(ctx); err != nil {
		t.Fatalf("StopPreview: %v", err)
	}
	st := e.Status()
	if st.Previewing || st.Streaming {
		t.Fatalf("preview still running: %+v", st)
	}
	if rep.frameKinds()[KindPreview] == 0 {
		t.Fatalf("expected preview frame events")
	}
}

func TestPreviewRequiresConnection(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := e.StartPreview(ctx); !errors.Is(err, camera.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := e.Capture(ctx); !errors.Is(err, camera.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

type recorderFunc func(*frame.Frame) error

func (fn recorderFunc) RecordFrame(f *frame.Frame) error { return fn(f) }

func TestBlockedFrameReaderDoesNotStallEngine(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Capture(ctx); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if err := e.StartPreview(ctx); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	waitFor(t, "preview frame", func() bool {
		return e.WithFrame(KindPreview, 0, func(*frame.Frame) error { return nil }) == nil
	})

	unblock := make(chan struct{})
	var readers sync.WaitGroup
	pixels := make(chan byte, 2)
	for _, kind := range []string{KindPreview, KindEntire} {
		entered := make(chan struct{})
		readers.Add(1)
		go func() {
			defer readers.Done()
			_ = e.WithFrame(kind, 0, func(f *frame.Frame) error {
				close(entered)
				<-unblock
				pixels <- f.At(6, 4)
				return nil
			})
		}()
		<-entered
	}

	statusDone := make(chan Status, 1)
	go func() { statusDone <- e.Status() }()
	select {
	case st := <-statusDone:
		if !st.Previewing {
			t.Fatalf("status lost the preview: %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatalf("Status blocked behind a frame reader")
	}

	opCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := e.StopPreview(opCtx); err != nil {
		t.Fatalf("StopPreview: %v", err)
	}
	if err := e.Capture(opCtx); err != nil {
		t.Fatalf("Capture with a reader outstanding: %v", err)
	}
	if e.Status().Previewing {
		t.Fatalf("preview still set after StopPreview")
	}

	close(unblock)
	readers.Wait()
	close(pixels)
	for v := range pixels {
		if v != 20 {
			t.Fatalf("snapshot pixel = %d, want 20", v)
		}
	}
}

func TestCaptureFallsBackWhenPreviewLoopExited(t *testing.T) {
	e, _ := newTestEngine(t)

	done := make(chan struct{})
	close(done)
	e.mu.Lock()
	e.preview = &previewState{cancel: func() {}, done: done}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.preview = nil
		e.mu.Unlock()
	}()

	start := time.Now()
	if err := e.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("capture waited %v for a dead preview loop", elapsed)
	}
	if got := pixelAt(t, e, KindEntire, 0, 6, 4); got != 20 {
		t.Fatalf("entire pixel = %d, want 20", got)
	}
}
