package camera

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"spectracam/internal/stream"
	"spectracam/internal/tiles"
)

const simulatorID = "sim-0"

// Simulator renders a synthetic mosaic: each tile gets its own brightness
// with a soft vignette, then exposure, gain and gamma are applied through a
// lookup table and a little noise is added.
type Simulator struct {
	layout tiles.Layout
	fps    float64
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	params    Params
	base      []byte
	cancel    context.CancelFunc
	done      chan struct{}

	lut    atomic.Pointer[[256]byte]
	frames atomic.Uint64
}

func NewSimulator(layout tiles.Layout, fps float64, logger *slog.Logger) *Simulator {
	if fps <= 0 {
		fps = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulator{
		layout: layout,
		fps:    fps,
		logger: logger.With("component", "camera", "camera", simulatorID),
		params: Params{ExposureUS: 10_000, GainDB: 0, Gamma: 1},
	}
	s.lut.Store(buildLUT(s.params))
	return s
}

// Frames reports how many frames the driver loop has delivered.
func (s *Simulator) Frames() uint64 { return s.frames.Load() }

func (s *Simulator) List(ctx context.Context) ([]Info, error) {
	return []Info{{ID: simulatorID, Model: "Simulated mosaic", Serial: "SIM0001"}}, nil
}

func (s *Simulator) Connect(ctx context.Context, id string) error {
	if id != simulatorID {
		return ErrUnknownCamera
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		s.base = renderBase(s.layout)
	}
	s.connected = true
	s.logger.Info("connected")
	return nil
}

func (s *Simulator) Disconnect(ctx context.Context) error {
	if err := s.StopStream(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.logger.Info("disconnected")
	return nil
}

func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Simulator) StartStream(ctx context.Context, sink stream.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.cancel != nil {
		return ErrStreaming
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done, sink)
	return nil
}

func (s *Simulator) StopStream(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) Params(ctx context.Context) (Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Params{}, ErrNotConnected
	}
	return s.params, nil
}

func (s *Simulator) SetParams(ctx context.Context, p Params) (Params, error) {
	if err := ValidateParams(s.layout, p); err != nil {
		return Params{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Params{}, ErrNotConnected
	}
	// the sensor only takes whole microseconds
	p.ExposureUS = math.Round(p.ExposureUS)
	s.params = p
	s.lut.Store(buildLUT(p))
	return p, nil
}

func (s *Simulator) run(ctx context.Context, done chan struct{}, sink stream.Sink) {
	defer close(done)

	w, h := s.layout.EntireWidth, s.layout.EntireHeight
	interval := time.Duration(float64(time.Second) / s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// driver-owned buffer, overwritten for every frame
	buf := make([]byte, w*h)
	noise := make([]byte, 4093)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range noise {
		noise[i] = byte(rng.Intn(7))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lut := s.lut.Load()
			off := rng.Intn(len(noise))
			for i, v := range s.base {
				buf[i] = lut[v] + noise[(i+off)%len(noise)]
			}
			sink(buf, w, h, w)
			s.frames.Add(1)
		}
	}
}

func renderBase(l tiles.Layout) []byte {
	w, h := l.EntireWidth, l.EntireHeight
	base := make([]byte, w*h)
	for i := range base {
		base[i] = 8
	}
	count := l.TileCount()
	for idx, r := range l.BaseRects() {
		level := 60 + float64(idx)*140/float64(max(count-1, 1))
		cx := float64(r.Width) / 2
		cy := float64(r.Height) / 2
		radius := math.Hypot(cx, cy)
		for y := 0; y < r.Height; y++ {
			row := base[(r.Y+y)*w+r.X : (r.Y+y)*w+r.X+r.Width]
			for x := range row {
				d := math.Hypot(float64(x)-cx, float64(y)-cy) / radius
				row[x] = byte(level * (1 - 0.35*d*d))
			}
		}
	}
	return base
}

// buildLUT maps base intensity through exposure (relative to 10 ms), gain
// and gamma. Output is capped below 249 so the added noise cannot wrap.
func buildLUT(p Params) *[256]byte {
	var lut [256]byte
	scale := p.ExposureUS / 10_000 * math.Pow(10, p.GainDB/20)
	gamma := p.Gamma
	if gamma <= 0 {
		gamma = 1
	}
	for i := range lut {
		v := math.Min(float64(i)*scale, 255) / 255
		lut[i] = byte(math.Min(math.Pow(v, 1/gamma)*255, 248))
	}
	return &lut
}
