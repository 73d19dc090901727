package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"spectracam/internal/camera"
	"spectracam/internal/catalog"
	"spectracam/internal/config"
	"spectracam/internal/control"
	"spectracam/internal/frame"
	"spectracam/internal/ingest"
	"spectracam/internal/jobs"
	"spectracam/internal/metrics"
	"spectracam/internal/output"
	"spectracam/internal/pipeline"
	"spectracam/internal/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		port       = flag.Int("port", 0, "HTTP port for the web UI (overrides config)")
		source     = flag.String("source", "", "Camera source: simulator or remote (overrides config)")
		endpoint   = flag.String("endpoint", "", "ZMQ frame endpoint for the remote camera (overrides config)")
		controlURL = flag.String("control-url", "", "Control API base URL for the remote camera (overrides config)")
		outputDir  = flag.String("output-dir", "", "Directory for capture sets (overrides config)")
		record     = flag.Bool("record", false, "Append every streamed frame to a frame log")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
		autostart  = flag.Bool("autostart", false, "Connect the first camera and start the preview on launch")
		retention  = flag.Duration("retention", 30*24*time.Hour, "Drop catalog entries older than this")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *source != "" {
		cfg.Camera.Source = *source
	}
	if *endpoint != "" {
		cfg.Camera.Endpoint = *endpoint
	}
	if *controlURL != "" {
		cfg.Camera.ControlURL = *controlURL
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *record {
		cfg.RecordFrames = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *autostart, *retention); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.AppConfig, logger *slog.Logger, autostart bool, retention time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.CatalogPath), 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}

	met := metrics.New()
	cat, err := catalog.Open(cfg.CatalogPath, catalog.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := cat.Close(); err != nil {
			logger.Warn("catalog close failed", "err", err)
		}
	}()

	q := jobs.NewQueue(cfg.Jobs.QueueCapacity,
		jobs.WithObserver(func(rec jobs.Record) {
			met.ObserveJob(rec)
			cat.RecordJob(rec)
		}),
		jobs.WithQueueLogger(logger),
	)
	worker, err := jobs.NewWorker(q,
		jobs.WithDefaultTimeout(cfg.Jobs.DefaultTimeout),
		jobs.WithAbandonGrace(cfg.Jobs.AbandonGrace),
		jobs.WithWorkerLogger(logger),
	)
	if err != nil {
		return err
	}

	var frameLog *output.FrameLog
	if cfg.RecordFrames {
		frameLog, err = output.NewFrameLog(filepath.Join(cfg.OutputDir, "framelog"), "frames")
		if err != nil {
			return fmt.Errorf("start frame log: %w", err)
		}
		defer func() {
			if err := frameLog.Close(); err != nil {
				logger.Warn("frame log close failed", "err", err)
			}
		}()
		logger.Info("recording frames", "path", frameLog.Path())
	}

	hub := server.NewHub(256, logger)
	engineOpts := []pipeline.EngineOption{
		pipeline.WithReporter(hub),
		pipeline.WithLogger(logger),
		pipeline.WithCaptureIndex(cat),
		pipeline.WithSavedHook(func(string) { met.Captures.Inc() }),
	}

	var cam camera.Camera
	var controlClient *control.Client
	switch cfg.Camera.Source {
	case config.SourceRemote:
		controlClient = control.NewClient(cfg.Camera.ControlURL, cfg.Camera.ControlAPIVersion, cfg.Camera.ControlTimeout)
		recvOpts := []ingest.Option{ingest.WithLogEvery(cfg.Camera.IngestLogEvery), ingest.WithLogger(logger)}
		if frameLog != nil {
			// raw messages are logged as received
			recvOpts = append(recvOpts, ingest.WithRecorder(frameLog))
		}
		receiver := ingest.NewReceiver(cfg.Camera.Endpoint, recvOpts...)
		met.Counter("ingest_messages_total", "CBOR messages received.", func() float64 { return float64(receiver.Received()) })
		met.Counter("ingest_decode_failures_total", "CBOR messages that failed to decode.", func() float64 { return float64(receiver.DecodeFailures()) })
		cam = camera.NewRemote(controlClient, receiver, logger)
	default:
		sim := camera.NewSimulator(cfg.Layout, cfg.Camera.SimulatorFPS, logger)
		met.Counter("simulator_frames_total", "Frames rendered by the simulator.", func() float64 { return float64(sim.Frames()) })
		cam = sim
		if frameLog != nil {
			engineOpts = append(engineOpts,
				pipeline.WithFrameRecorder(frameLog),
				pipeline.WithRecordedHook(met.FramesSaved.Inc),
			)
		}
	}

	engine := pipeline.NewEngine(pipeline.Config{
		Layout:          cfg.Layout,
		NormalizeTarget: cfg.NormalizeTarget,
		MatchRadius:     cfg.MatchRadius,
		OutputDir:       cfg.OutputDir,
		CaptureTimeout:  cfg.Jobs.CaptureTimeout,
	}, q, cam, frame.Shared, engineOpts...)

	met.Gauge("job_queue_length", "Jobs waiting for the worker.", func() float64 { return float64(q.Len()) })
	met.Gauge("worker_busy", "1 while the worker runs a job.", func() float64 {
		if worker.Busy() {
			return 1
		}
		return 0
	})
	met.Gauge("ws_clients", "Connected websocket clients.", func() float64 { return float64(hub.Clients()) })
	met.Gauge("frame_pool_outstanding", "Pooled frame buffers not yet returned.", func() float64 {
		return float64(frame.Shared.Stats().Outstanding)
	})
	met.Gauge("calc_live_temporaries", "Expression temporaries currently allocated.", func() float64 {
		return float64(engine.Evaluator().Live())
	})
	met.Counter("stream_frames_published_total", "Frames accepted from the camera.", func() float64 {
		return float64(engine.Producer().Stats().Published)
	})
	met.Counter("stream_frames_evicted_total", "Unread frames replaced by newer ones.", func() float64 {
		return float64(engine.Producer().Stats().Evicted)
	})
	met.Counter("ui_events_dropped_total", "UI events dropped because the hub queue was full.", func() float64 {
		return float64(hub.Dropped())
	})
	met.Counter("catalog_records_dropped_total", "Job records dropped because the catalog buffer was full.", func() float64 {
		return float64(cat.Dropped())
	})

	srv := server.New(cfg, engine, hub,
		server.WithMetrics(met.Handler()),
		server.WithHistory(cat),
		server.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		cleanupLoop(gctx, cat, retention, logger)
		return nil
	})
	if controlClient != nil {
		g.Go(func() error {
			var last control.Status
			control.Poll(gctx, controlClient, time.Second, func(st control.Status) {
				if st != last {
					logger.Info("camera host state", "camera", st.Camera, "stream", st.Stream)
					last = st
				}
			})
			return nil
		})
	}
	if autostart {
		g.Go(func() error {
			startCamera(gctx, engine, cfg.Camera.Defaults, logger)
			return nil
		})
	}

	logger.Info("spectracam started", "port", cfg.Port, "source", cfg.Camera.Source)
	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := engine.Close(closeCtx); cerr != nil {
		logger.Warn("engine close failed", "err", cerr)
	}
	if ferr := cat.Flush(closeCtx); ferr != nil && !errors.Is(ferr, catalog.ErrClosed) {
		logger.Warn("catalog flush failed", "err", ferr)
	}
	return err
}

// startCamera connects the first listed camera, applies the configured
// defaults and starts the preview.
func startCamera(ctx context.Context, engine *pipeline.Engine, defaults camera.Params, logger *slog.Logger) {
	list, err := engine.ListCameras(ctx)
	if err != nil || len(list) == 0 {
		logger.Warn("autostart: no camera", "err", err)
		return
	}
	if err := engine.Connect(ctx, list[0].ID); err != nil {
		logger.Warn("autostart: connect failed", "camera", list[0].ID, "err", err)
		return
	}
	if _, err := engine.ApplyParams(ctx, defaults); err != nil {
		logger.Warn("autostart: camera defaults rejected", "err", err)
	}
	if err := engine.StartPreview(ctx); err != nil {
		logger.Warn("autostart: preview failed", "err", err)
	}
}

func cleanupLoop(ctx context.Context, cat *catalog.Catalog, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := cat.Cleanup(ctx, retention)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("catalog cleanup failed", "err", err)
		} else if n > 0 {
			logger.Info("catalog cleanup", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
