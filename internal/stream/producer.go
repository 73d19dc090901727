package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"spectracam/internal/frame"
)

var ErrStopped = errors.New("stream: producer stopped")

// Sink is the acquisition callback handed to a camera. data belongs to the
// driver and is only valid for the duration of the call.
type Sink func(data []byte, width, height, stride int)

// Stats are cumulative counters since the producer was created.
type Stats struct {
	Published uint64 `json:"published"`
	Evicted   uint64 `json:"evicted"`
	Stale     uint64 `json:"stale"`
	Rejected  uint64 `json:"rejected"`
	Delivered uint64 `json:"delivered"`
}

// Producer hands the most recent camera frame to a single consumer through
// a one-slot mailbox. A newer frame evicts an unread one, so the camera never
// blocks and memory stays bounded. Frames are stamped with the generation of
// the Start call that produced them; anything from an older generation is
// dropped.
type Producer struct {
	pool   frame.Pool
	logger *slog.Logger

	generation atomic.Uint64
	active     atomic.Uint64

	mu    sync.Mutex
	slot  *frame.Frame
	ready chan struct{}

	published atomic.Uint64
	evicted   atomic.Uint64
	stale     atomic.Uint64
	rejected  atomic.Uint64
	delivered atomic.Uint64

	onEvict func()
}

type Option func(*Producer)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Producer) { p.logger = logger }
}

// WithEvictHook is called whenever an unread frame is dropped for a newer one.
func WithEvictHook(fn func()) Option {
	return func(p *Producer) { p.onEvict = fn }
}

func NewProducer(pool frame.Pool, opts ...Option) *Producer {
	if pool == nil {
		pool = frame.Shared
	}
	p := &Producer{
		pool:   pool,
		logger: slog.Default(),
		ready:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start opens a new generation and returns it.
func (p *Producer) Start() uint64 {
	gen := p.generation.Add(1)
	p.active.Store(gen)
	p.logger.Debug("stream generation started", "generation", gen)
	return gen
}

// Stop invalidates the active generation and releases any unread frame.
// Callbacks already in flight for the old generation are discarded.
func (p *Producer) Stop() {
	p.active.Store(0)
	p.mu.Lock()
	old := p.slot
	p.slot = nil
	p.mu.Unlock()
	old.Release()
	p.logger.Debug("stream stopped", "generation", p.generation.Load())
}

// Active reports whether gen is the live generation.
func (p *Producer) Active(gen uint64) bool {
	return gen != 0 && p.active.Load() == gen
}

// Sink returns the acquisition callback for generation gen.
func (p *Producer) Sink(gen uint64) Sink {
	return func(data []byte, width, height, stride int) {
		p.Publish(gen, data, width, height, stride)
	}
}

// Publish copies data into a pooled frame and makes it the latest frame.
// It reports whether the frame was accepted.
func (p *Producer) Publish(gen uint64, data []byte, width, height, stride int) bool {
	if !p.Active(gen) {
		p.stale.Add(1)
		return false
	}
	length := stride * height
	if width <= 0 || height <= 0 || stride < width || len(data) < length {
		p.rejected.Add(1)
		return false
	}

	buf := p.pool.Rent(length)
	copy(buf, data[:length])
	f, err := frame.Wrap(p.pool, buf, width, height, stride, length)
	if err != nil {
		p.pool.Return(buf)
		p.rejected.Add(1)
		return false
	}

	p.mu.Lock()
	if !p.Active(gen) {
		p.mu.Unlock()
		f.Release()
		p.stale.Add(1)
		return false
	}
	old := p.slot
	p.slot = f
	p.mu.Unlock()

	if old != nil {
		old.Release()
		p.evicted.Add(1)
		if p.onEvict != nil {
			p.onEvict()
		}
	}
	p.published.Add(1)
	select {
	case p.ready <- struct{}{}:
	default:
	}
	return true
}

// TryNext takes the latest frame if there is one. The caller owns it.
func (p *Producer) TryNext() (*frame.Frame, bool) {
	p.mu.Lock()
	f := p.slot
	p.slot = nil
	p.mu.Unlock()
	if f == nil {
		return nil, false
	}
	p.delivered.Add(1)
	return f, true
}

// Next blocks until a frame is available or ctx is done. The caller owns the
// returned frame and must release it. Only one goroutine may consume.
func (p *Producer) Next(ctx context.Context) (*frame.Frame, error) {
	for {
		if f, ok := p.TryNext(); ok {
			return f, nil
		}
		select {
		case <-p.ready:
		case <-ctx.Done():
			return nil, fmt.Errorf("stream: waiting for frame: %w", ctx.Err())
		}
	}
}

func (p *Producer) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Evicted:   p.evicted.Load(),
		Stale:     p.stale.Load(),
		Rejected:  p.rejected.Load(),
		Delivered: p.delivered.Load(),
	}
}
