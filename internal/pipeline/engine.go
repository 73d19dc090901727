package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"spectracam/internal/calc"
	"spectracam/internal/camera"
	"spectracam/internal/catalog"
	"spectracam/internal/frame"
	"spectracam/internal/jobs"
	"spectracam/internal/processing"
	"spectracam/internal/stream"
	"spectracam/internal/tiles"
	"spectracam/internal/types"
	"spectracam/internal/workspace"
)

var (
	ErrUnknownDistance = errors.New("pipeline: unknown working distance")
	ErrUnknownFrame    = errors.New("pipeline: unknown frame kind")
	ErrNoPreview       = errors.New("pipeline: no preview frame")
)

// Frame kinds served by WithFrame.
const (
	KindPreview     = "preview"
	KindPreviewTile = "preview-tile"
	KindEntire      = "entire"
	KindTile        = "tile"
	KindProcessed   = "processed"
	KindStitched    = "stitched"
	KindExpression  = "expression"
)

type Config struct {
	Layout          tiles.Layout
	NormalizeTarget byte
	OutputDir       string
	CaptureTimeout  time.Duration
	// MatchRadius bounds the offset calibration search, in pixels.
	MatchRadius int
}

// CaptureIndex records saved capture sets.
type CaptureIndex interface {
	AddCapture(ctx context.Context, e catalog.CaptureEntry) (int64, error)
}

// FrameRecorder persists preview frames.
type FrameRecorder interface {
	RecordFrame(f *frame.Frame) error
}

type EngineOption func(*Engine)

func WithReporter(r Reporter) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithCaptureIndex(idx CaptureIndex) EngineOption {
	return func(e *Engine) { e.captures = idx }
}

func WithFrameRecorder(rec FrameRecorder) EngineOption {
	return func(e *Engine) { e.recorder = rec }
}

// WithSavedHook is called after every successful SaveCapture.
func WithSavedHook(fn func(dir string)) EngineOption {
	return func(e *Engine) { e.onSaved = fn }
}

// WithRecordedHook is called after every frame written to the recorder.
func WithRecordedHook(fn func()) EngineOption {
	return func(e *Engine) { e.onRecorded = fn }
}

// PreviewOptions select what the preview loop derives from each frame.
// Tile < 0 disables the preview tile.
type PreviewOptions struct {
	Tile      int  `json:"tile"`
	Normalize bool `json:"normalize"`
	Target    byte `json:"target"`
}

type captureResult struct {
	frame *frame.Frame
	err   error
}

type previewState struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine is the application core. Every operation runs as a job on the
// shared queue; the preview loop is the only work that runs beside it.
type Engine struct {
	cfg        Config
	runner     *Runner
	queue      *jobs.Queue
	cam        camera.Camera
	producer   *stream.Producer
	pool       frame.Pool
	workspaces *workspace.Service
	evaluator  *calc.Evaluator
	offsets    *tiles.OffsetTable
	reporter   Reporter
	logger     *slog.Logger
	captures   CaptureIndex
	recorder   FrameRecorder
	onSaved    func(string)
	onRecorded func()

	captureReq chan chan captureResult
	seq        atomic.Uint64
	recordErrs atomic.Uint64

	mu          sync.Mutex
	preview     *previewState
	previewOpts PreviewOptions
	latest      *frame.Frame
	latestTile  *frame.Frame
}

func NewEngine(cfg Config, q *jobs.Queue, cam camera.Camera, pool frame.Pool, opts ...EngineOption) *Engine {
	if pool == nil {
		pool = frame.Shared
	}
	if cfg.NormalizeTarget == 0 {
		cfg.NormalizeTarget = 128
	}
	if cfg.MatchRadius <= 0 {
		cfg.MatchRadius = 64
	}
	e := &Engine{
		cfg:         cfg,
		queue:       q,
		cam:         cam,
		pool:        pool,
		evaluator:   calc.NewEvaluator(pool),
		offsets:     tiles.NewOffsetTable(),
		reporter:    nopReporter{},
		logger:      slog.Default(),
		captureReq:  make(chan chan captureResult),
		previewOpts: PreviewOptions{Tile: -1, Target: cfg.NormalizeTarget},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	e.runner = NewRunner(q, e.reporter, e.logger)
	e.producer = stream.NewProducer(pool, stream.WithLogger(e.logger))
	e.workspaces = workspace.NewService(cfg.Layout.MaxRegions, e.logger)
	return e
}

func (e *Engine) Layout() tiles.Layout           { return e.cfg.Layout }
func (e *Engine) Producer() *stream.Producer     { return e.producer }
func (e *Engine) Evaluator() *calc.Evaluator     { return e.evaluator }
func (e *Engine) Workspace() *workspace.Workspace { return e.workspaces.Current() }

// Status is a point-in-time summary for the UI.
type Status struct {
	Connected   bool              `json:"connected"`
	Streaming   bool              `json:"streaming"`
	Previewing  bool              `json:"previewing"`
	QueueLength int               `json:"queue_length"`
	Preview     PreviewOptions    `json:"preview"`
	Stream      stream.Stats      `json:"stream"`
	Workspace   workspace.Summary `json:"workspace"`
	Calibrated  bool              `json:"calibrated"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	previewing := e.preview != nil
	opts := e.previewOpts
	e.mu.Unlock()

	st := Status{
		Connected:   e.cam.Connected(),
		Streaming:   e.cam.Streaming(),
		Previewing:  previewing,
		QueueLength: e.queue.Len(),
		Preview:     opts,
		Stream:      e.producer.Stats(),
	}
	if ws := e.workspaces.Current(); ws != nil {
		st.Workspace = ws.Summary()
		st.Calibrated = e.offsets.Calibrated(st.Workspace.WorkingDistance)
	}
	return st
}

func (e *Engine) ListCameras(ctx context.Context) ([]camera.Info, error) {
	var list []camera.Info
	err := e.runner.Run(ctx, Options{Name: "list-cameras", StartMessage: "Searching for cameras"},
		func(ctx context.Context, op *Operation) error {
			l, err := e.cam.List(ctx)
			list = l
			return err
		})
	return list, err
}

func (e *Engine) Connect(ctx context.Context, id string) error {
	return e.runner.Run(ctx, Options{Name: "connect", StartMessage: "Connecting " + id},
		func(ctx context.Context, op *Operation) error {
			return e.cam.Connect(ctx, id)
		})
}

func (e *Engine) Disconnect(ctx context.Context) error {
	return e.runner.Run(ctx, Options{Name: "disconnect", StartMessage: "Disconnecting"},
		func(ctx context.Context, op *Operation) error {
			if err := e.stopPreview(ctx); err != nil {
				return err
			}
			return e.cam.Disconnect(ctx)
		})
}

func (e *Engine) LoadParams(ctx context.Context) (camera.Params, error) {
	var p camera.Params
	err := e.runner.Run(ctx, Options{Name: "load-params", StartMessage: "Reading camera parameters"},
		func(ctx context.Context, op *Operation) error {
			var err error
			p, err = e.cam.Params(ctx)
			return err
		})
	return p, err
}

// ApplyParams validates p against the layout ranges before touching the
// camera and returns the values the camera applied.
func (e *Engine) ApplyParams(ctx context.Context, p camera.Params) (camera.Params, error) {
	var applied camera.Params
	err := e.runner.Run(ctx, Options{Name: "apply-params", StartMessage: "Applying camera parameters", FailureMessage: "parameters rejected"},
		func(ctx context.Context, op *Operation) error {
			if err := camera.ValidateParams(e.cfg.Layout, p); err != nil {
				return err
			}
			var err error
			applied, err = e.cam.SetParams(ctx, p)
			return err
		})
	return applied, err
}

// SetPreviewOptions changes what the preview loop derives from new frames.
func (e *Engine) SetPreviewOptions(opts PreviewOptions) error {
	if opts.Tile >= e.cfg.Layout.TileCount() {
		return fmt.Errorf("pipeline: preview tile %d out of range", opts.Tile)
	}
	if opts.Target == 0 {
		opts.Target = e.cfg.NormalizeTarget
	}
	e.mu.Lock()
	e.previewOpts = opts
	var stale *frame.Frame
	if opts.Tile < 0 {
		stale, e.latestTile = e.latestTile, nil
	}
	e.mu.Unlock()
	stale.Release()
	return nil
}

func (e *Engine) StartPreview(ctx context.Context) error {
	return e.runner.Run(ctx, Options{Name: "start-preview", StartMessage: "Starting preview"},
		func(ctx context.Context, op *Operation) error {
			return e.startPreview(ctx)
		})
}

func (e *Engine) StopPreview(ctx context.Context) error {
	return e.runner.Run(ctx, Options{Name: "stop-preview", StartMessage: "Stopping preview"},
		func(ctx context.Context, op *Operation) error {
			return e.stopPreview(ctx)
		})
}

func (e *Engine) startPreview(ctx context.Context) error {
	if !e.cam.Connected() {
		return camera.ErrNotConnected
	}
	e.mu.Lock()
	running := e.preview != nil
	e.mu.Unlock()
	if running {
		return nil
	}

	gen := e.producer.Start()
	if err := e.cam.StartStream(ctx, e.producer.Sink(gen)); err != nil {
		e.producer.Stop()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	st := &previewState{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.preview = st
	e.mu.Unlock()
	go e.previewLoop(loopCtx, st.done)
	e.logger.Info("preview started", "generation", gen)
	return nil
}

func (e *Engine) stopPreview(ctx context.Context) error {
	e.mu.Lock()
	st := e.preview
	e.preview = nil
	e.mu.Unlock()
	if st == nil {
		return nil
	}

	err := e.cam.StopStream(ctx)
	e.producer.Stop()
	st.cancel()
	<-st.done
	e.logger.Info("preview stopped")
	return err
}

func (e *Engine) previewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		f, err := e.producer.Next(ctx)
		if err != nil {
			return
		}
		e.handlePreviewFrame(f)
	}
}

// handlePreviewFrame takes ownership of f.
func (e *Engine) handlePreviewFrame(f *frame.Frame) {
	seq := e.seq.Add(1)

	if e.recorder != nil {
		if err := e.recorder.RecordFrame(f); err != nil {
			if n := e.recordErrs.Add(1); n == 1 || n%100 == 0 {
				e.logger.Warn("frame log write failed", "err", err, "failures", n)
			}
		} else if e.onRecorded != nil {
			e.onRecorded()
		}
	}

	select {
	case req := <-e.captureReq:
		clone, err := frame.CloneOwned(f)
		req <- captureResult{frame: clone, err: err}
	default:
	}

	e.mu.Lock()
	opts := e.previewOpts
	e.mu.Unlock()
	var tile *frame.Frame
	if opts.Tile >= 0 {
		tile = e.previewTile(f, opts)
	}

	e.mu.Lock()
	oldFrame, oldTile := e.latest, e.latestTile
	e.latest = f
	if tile != nil {
		e.latestTile = tile
	} else {
		oldTile = nil
	}
	e.mu.Unlock()
	oldFrame.Release()
	oldTile.Release()

	e.reporter.Frame(types.FrameEvent{Type: "frame", Kind: KindPreview, Width: f.Width(), Height: f.Height(), Sequence: seq})
	if tile != nil {
		e.reporter.Frame(types.FrameEvent{Type: "frame", Kind: KindPreviewTile, Width: tile.Width(), Height: tile.Height(), Sequence: seq})
	}
}

func (e *Engine) previewTile(f *frame.Frame, opts PreviewOptions) *frame.Frame {
	wd := 0
	if ws := e.workspaces.Current(); ws != nil {
		wd = ws.WorkingDistance()
	}
	coords := e.cfg.Layout.CoordinatesFor(e.offsets.Offsets(wd))
	if opts.Tile >= len(coords) {
		return nil
	}
	tile, err := frame.CropCopyOwned(f, coords[opts.Tile])
	if err != nil {
		return nil
	}
	if !opts.Normalize {
		return tile
	}
	norm, err := processing.Normalize(tile, opts.Target)
	tile.Release()
	if err != nil {
		return nil
	}
	return norm
}

// Close stops the preview and releases every frame the engine holds.
func (e *Engine) Close(ctx context.Context) error {
	err := e.stopPreview(ctx)
	e.mu.Lock()
	latest, tile := e.latest, e.latestTile
	e.latest, e.latestTile = nil, nil
	e.mu.Unlock()
	latest.Release()
	tile.Release()
	e.workspaces.Close()
	return err
}

// WithFrame calls fn with a snapshot of the frame of the given kind. index
// selects the tile for KindTile and KindProcessed. The snapshot is copied
// under the lock and released when fn returns, so fn may block without
// stalling the preview loop or the workspace.
func (e *Engine) WithFrame(kind string, index int, fn func(f *frame.Frame) error) error {
	f, err := e.snapshot(kind, index)
	if err != nil {
		return err
	}
	defer f.Release()
	return fn(f)
}

func (e *Engine) snapshot(kind string, index int) (*frame.Frame, error) {
	switch kind {
	case KindPreview, KindPreviewTile:
		e.mu.Lock()
		defer e.mu.Unlock()
		f := e.latest
		if kind == KindPreviewTile {
			f = e.latestTile
		}
		if f == nil {
			return nil, ErrNoPreview
		}
		return frame.CloneOwned(f)
	}

	ws := e.workspaces.Current()
	if ws == nil {
		return nil, workspace.ErrClosed
	}
	var snap *frame.Frame
	err := ws.View(func(v workspace.View) error {
		var f *frame.Frame
		var err error
		switch kind {
		case KindEntire:
			f, err = v.Entire()
		case KindStitched:
			f, err = v.Stitched()
		case KindExpression:
			f, err = v.Result()
		case KindTile:
			f, err = v.Crop(index)
		case KindProcessed:
			processed := v.Processed()
			if index < 0 || index >= len(processed) || processed[index] == nil {
				err = fmt.Errorf("%w: processed %d", workspace.ErrNoFrame, index)
			} else {
				f = processed[index]
			}
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownFrame, kind)
		}
		if err != nil {
			return err
		}
		snap, err = frame.CloneOwned(f)
		return err
	})
	return snap, err
}

// Regions lists the regions of the current workspace with their last
// measured intensities.
func (e *Engine) Regions() ([]workspace.Region, map[int][]types.Intensity) {
	ws := e.workspaces.Current()
	if ws == nil {
		return nil, nil
	}
	return ws.Regions(), ws.Intensity()
}

func validDistance(wd int) bool {
	return slices.Contains(tiles.WorkingDistances(), wd)
}
