package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"spectracam/internal/wire"
)

// Recorder receives every raw message before it is decoded.
type Recorder interface {
	Record(payload []byte) error
}

type Option func(*Receiver)

// WithLogEvery logs only every n-th recoverable error.
func WithLogEvery(n int) Option {
	return func(r *Receiver) {
		if n > 0 {
			r.logEvery = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Receiver) { r.recorder = rec }
}

// WithPollInterval bounds how long a blocked receive waits before the
// context is checked again.
func WithPollInterval(d time.Duration) Option {
	return func(r *Receiver) {
		if d > 0 {
			r.poll = d
		}
	}
}

// Receiver pulls CBOR frame messages from a ZeroMQ PUSH endpoint.
type Receiver struct {
	endpoint string
	logEvery int
	poll     time.Duration
	logger   *slog.Logger
	recorder Recorder

	received atomic.Uint64
	failures atomic.Uint64
	ignored  atomic.Uint64
	logCount atomic.Uint64
}

func NewReceiver(endpoint string, opts ...Option) *Receiver {
	r := &Receiver{
		endpoint: endpoint,
		logEvery: 1,
		poll:     250 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "ingest", "endpoint", endpoint)
	return r
}

func (r *Receiver) Received() uint64       { return r.received.Load() }
func (r *Receiver) DecodeFailures() uint64 { return r.failures.Load() }
func (r *Receiver) Ignored() uint64        { return r.ignored.Load() }

// Stream connects and returns a channel of decoded frames. The channel is
// closed when ctx ends.
func (r *Receiver) Stream(ctx context.Context) (<-chan wire.Frame, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(r.poll); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(r.endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}

	out := make(chan wire.Frame, 8)
	go func() {
		defer close(out)
		defer socket.Close()

		for {
			if ctx.Err() != nil {
				return
			}

			msg, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
					continue
				}
				r.logEveryN("ingest recv error", "err", err)
				continue
			}

			frame, ok := r.handle(msg)
			if !ok {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
	}()

	return out, nil
}

func (r *Receiver) handle(msg []byte) (wire.Frame, bool) {
	if r.recorder != nil {
		if err := r.recorder.Record(msg); err != nil {
			r.logEveryN("frame log write failed", "err", err)
		}
	}

	m, err := wire.Decode(msg)
	if err != nil {
		r.failures.Add(1)
		r.logEveryN("ingest decode error", "err", err)
		return wire.Frame{}, false
	}
	if m.Type != wire.TypeImage {
		r.ignored.Add(1)
		r.logger.Debug("ingest ignoring message", "type", m.Type)
		return wire.Frame{}, false
	}
	r.received.Add(1)
	return m.Frame, true
}

func (r *Receiver) logEveryN(msg string, args ...any) {
	if r.logCount.Add(1)%uint64(r.logEvery) == 0 {
		r.logger.Warn(msg, args...)
	}
}
