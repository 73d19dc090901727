package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/image/tiff"

	"spectracam/internal/calc"
	"spectracam/internal/camera"
	"spectracam/internal/catalog"
	"spectracam/internal/config"
	"spectracam/internal/frame"
	"spectracam/internal/jobs"
	"spectracam/internal/pipeline"
	"spectracam/internal/tiles"
	"spectracam/internal/workspace"
)

// History is the read side of the job and capture catalog.
type History interface {
	RecentJobs(ctx context.Context, limit int) ([]catalog.JobEntry, error)
	Captures(ctx context.Context, limit int) ([]catalog.CaptureEntry, error)
}

type Option func(*Server)

func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

type Server struct {
	upgrader websocket.Upgrader
	cfg      config.AppConfig
	engine   *pipeline.Engine
	hub      *Hub
	metrics  http.Handler
	history  History
	logger   *slog.Logger
}

func New(cfg config.AppConfig, engine *pipeline.Engine, hub *Hub, opts ...Option) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cfg:    cfg,
		engine: engine,
		hub:    hub,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/config", s.handleConfig)
	r.Get("/status", s.handleStatus)
	r.Get("/regions", s.handleRegions)
	r.Get("/frames/{kind}", s.handleFrame)
	r.Get("/jobs", s.handleJobs)
	r.Get("/captures", s.handleCaptures)
	r.Post("/actions/{action}", s.handleAction)
	r.Get("/ws", s.handleWS)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.cfg.Port)),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) configPayload() map[string]any {
	return map[string]any{
		"type":              "config",
		"port":              s.cfg.Port,
		"source":            s.cfg.Camera.Source,
		"layout":            s.cfg.Layout,
		"wavelengths":       tiles.Wavelengths(),
		"working_distances": tiles.WorkingDistances(),
		"normalize_target":  s.cfg.NormalizeTarget,
		"camera_defaults":   s.cfg.Camera.Defaults,
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.configPayload())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"engine":         s.engine.Status(),
		"ws_clients":     s.hub.Clients(),
		"events_dropped": s.hub.Dropped(),
		"calc_live":      s.engine.Evaluator().Live(),
	})
}

func (s *Server) handleRegions(w http.ResponseWriter, _ *http.Request) {
	regions, intensity := s.engine.Regions()
	respondJSON(w, http.StatusOK, map[string]any{"regions": regions, "intensity": intensity})
}

// handleFrame encodes a snapshot of an engine frame as PNG, or TIFF with
// ?format=tiff. ?index selects the tile for tile kinds. The image is encoded
// in full before anything is written.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	index := 0
	if v := r.URL.Query().Get("index"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		index = n
	}
	format := r.URL.Query().Get("format")
	contentType, ok := frameContentTypes[format]
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", ErrUnknownFormat, format))
		return
	}

	var buf bytes.Buffer
	err := s.engine.WithFrame(kind, index, func(f *frame.Frame) error {
		return encodeFrame(&buf, f, format)
	})
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		s.logger.Debug("frame write aborted", "kind", kind, "err", err)
	}
}

var frameContentTypes = map[string]string{
	"":     "image/png",
	"png":  "image/png",
	"tiff": "image/tiff",
}

func encodeFrame(w io.Writer, f *frame.Frame, format string) error {
	img := f.Gray()
	if format == "tiff" {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Uncompressed})
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, http.StatusOK, []catalog.JobEntry{})
		return
	}
	entries, err := s.history.RecentJobs(r.Context(), limitParam(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, http.StatusOK, []catalog.CaptureEntry{})
		return
	}
	entries, err := s.history.Captures(r.Context(), limitParam(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req.Action = chi.URLParam(r, "action")
	data, err := s.dispatch(r.Context(), req)
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	respondJSON(w, status, resultFor(req, data, err))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := s.hub.add(conn)
	_ = writeJSON(conn, writeMu, s.configPayload())

	go s.serveConn(r.Context(), conn, writeMu)
}

// serveConn reads action requests until the connection drops. Each action
// runs in its own goroutine under a context that a "cancel" request with the
// same id, or the disconnect, cancels.
func (s *Server) serveConn(parent context.Context, conn *websocket.Conn, writeMu *sync.Mutex) {
	ctx, cancelAll := context.WithCancel(context.WithoutCancel(parent))
	var inflight sync.Map
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer close(done)
	defer cancelAll()
	defer s.hub.remove(conn)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var req actionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			continue
		}
		switch req.Type {
		case "cancel":
			if cancel, ok := inflight.Load(req.ID); ok {
				cancel.(context.CancelFunc)()
			}
		case "status_request":
			_ = writeJSON(conn, writeMu, map[string]any{"type": "status", "engine": s.engine.Status()})
		case "action":
			reqCtx, cancel := context.WithCancel(ctx)
			if req.ID != "" {
				inflight.Store(req.ID, cancel)
			}
			go func() {
				defer cancel()
				defer inflight.Delete(req.ID)
				data, err := s.dispatch(reqCtx, req)
				_ = writeJSON(conn, writeMu, resultFor(req, data, err))
			}()
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrUnknownFrame), errors.Is(err, ErrUnknownAction),
		errors.Is(err, pipeline.ErrUnknownDistance), errors.Is(err, camera.ErrParamRange),
		errors.Is(err, calc.ErrNoResult), errors.Is(err, jobs.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoPreview), errors.Is(err, workspace.ErrNoFrame),
		errors.Is(err, workspace.ErrNoRegion), errors.Is(err, camera.ErrUnknownCamera):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrNotConnected), errors.Is(err, camera.ErrStreaming),
		errors.Is(err, workspace.ErrRegionLimit), errors.Is(err, jobs.ErrReentrant):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed), errors.Is(err, workspace.ErrClosed),
		errors.Is(err, camera.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, jobs.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, jobs.ErrCanceled), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	var fail *pipeline.Failure
	if errors.As(err, &fail) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
