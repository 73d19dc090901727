package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"spectracam/internal/control"
	"spectracam/internal/ingest"
	"spectracam/internal/stream"
)

// Control parameter names on the acquisition host.
const (
	paramExposure = "exposure_us"
	paramGain     = "gain_db"
	paramGamma    = "gamma"
)

// Remote is a camera attached to an acquisition host: parameters and
// commands go through the HTTP control API, frames arrive over ZeroMQ.
type Remote struct {
	client   *control.Client
	receiver *ingest.Receiver
	logger   *slog.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewRemote(client *control.Client, receiver *ingest.Receiver, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		client:   client,
		receiver: receiver,
		logger:   logger.With("component", "camera", "camera", client.BaseURL()),
	}
}

func (r *Remote) List(ctx context.Context) ([]Info, error) {
	state, err := r.client.LookupState(ctx, "state")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if state == "error" {
		return nil, fmt.Errorf("%w: host reports state error", ErrUnavailable)
	}
	return []Info{{ID: r.client.BaseURL(), Model: "Remote camera (" + state + ")"}}, nil
}

func (r *Remote) Connect(ctx context.Context, id string) error {
	if id != r.client.BaseURL() {
		return ErrUnknownCamera
	}
	if err := r.client.Command(ctx, "initialize"); err != nil && !errors.Is(err, control.ErrNotFound) {
		return fmt.Errorf("initialize: %w", err)
	}
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	r.logger.Info("connected")
	return nil
}

func (r *Remote) Disconnect(ctx context.Context) error {
	if err := r.StopStream(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.logger.Info("disconnected")
	return nil
}

func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *Remote) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

func (r *Remote) StartStream(ctx context.Context, sink stream.Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return ErrNotConnected
	}
	if r.cancel != nil {
		return ErrStreaming
	}

	runCtx, cancel := context.WithCancel(context.Background())
	frames, err := r.receiver.Stream(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("ingest: %w", err)
	}
	if err := r.client.Command(ctx, "start"); err != nil {
		cancel()
		return fmt.Errorf("start: %w", err)
	}

	r.cancel = cancel
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		for f := range frames {
			sink(f.Pix, f.Width, f.Height, f.Width)
		}
	}(r.done)
	return nil
}

func (r *Remote) StopStream(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if err := r.client.Command(ctx, "stop"); err != nil {
		r.logger.Warn("stop command failed", "err", err)
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Remote) Params(ctx context.Context) (Params, error) {
	if !r.Connected() {
		return Params{}, ErrNotConnected
	}
	var p Params
	var err error
	if p.ExposureUS, err = r.client.ConfigGet(ctx, paramExposure); err != nil {
		return Params{}, err
	}
	if p.GainDB, err = r.client.ConfigGet(ctx, paramGain); err != nil {
		return Params{}, err
	}
	if p.Gamma, err = r.client.ConfigGet(ctx, paramGamma); err != nil {
		return Params{}, err
	}
	return p, nil
}

func (r *Remote) SetParams(ctx context.Context, p Params) (Params, error) {
	if !r.Connected() {
		return Params{}, ErrNotConnected
	}
	var applied Params
	var err error
	if applied.ExposureUS, err = r.client.ConfigSet(ctx, paramExposure, p.ExposureUS); err != nil {
		return Params{}, err
	}
	if applied.GainDB, err = r.client.ConfigSet(ctx, paramGain, p.GainDB); err != nil {
		return Params{}, err
	}
	if applied.Gamma, err = r.client.ConfigSet(ctx, paramGamma, p.Gamma); err != nil {
		return Params{}, err
	}
	return applied, nil
}
