package camera

import (
	"context"
	"errors"
	"fmt"

	"spectracam/internal/stream"
	"spectracam/internal/tiles"
)

var (
	ErrNotConnected  = errors.New("camera: not connected")
	ErrStreaming     = errors.New("camera: already streaming")
	ErrUnknownCamera = errors.New("camera: unknown camera")
	ErrParamRange    = errors.New("camera: parameter out of range")
	ErrUnavailable   = errors.New("camera: host unavailable")
)

type Info struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Serial string `json:"serial"`
}

// Params are the acquisition settings exposed to the operator.
type Params struct {
	ExposureUS float64 `json:"exposure_us" yaml:"exposure_us"`
	GainDB     float64 `json:"gain_db" yaml:"gain_db"`
	Gamma      float64 `json:"gamma" yaml:"gamma"`
}

// Camera is the acquisition device. Frames are delivered on a thread owned
// by the implementation; the data slice passed to the sink is only valid for
// the duration of the call. No sink call starts after StopStream returns.
type Camera interface {
	List(ctx context.Context) ([]Info, error)
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context) error
	Connected() bool

	StartStream(ctx context.Context, sink stream.Sink) error
	StopStream(ctx context.Context) error
	Streaming() bool

	Params(ctx context.Context) (Params, error)
	// SetParams applies p and returns the values the device accepted.
	SetParams(ctx context.Context, p Params) (Params, error)
}

// ValidateParams checks p against the layout's allowed ranges.
func ValidateParams(l tiles.Layout, p Params) error {
	switch {
	case p.ExposureUS < l.MinExposureUS || p.ExposureUS > l.MaxExposureUS:
		return fmt.Errorf("%w: exposure %.0f us not in [%.0f, %.0f]", ErrParamRange, p.ExposureUS, l.MinExposureUS, l.MaxExposureUS)
	case p.GainDB < l.MinGain || p.GainDB > l.MaxGain:
		return fmt.Errorf("%w: gain %.1f dB not in [%.1f, %.1f]", ErrParamRange, p.GainDB, l.MinGain, l.MaxGain)
	case p.Gamma < l.MinGamma || p.Gamma > l.MaxGamma:
		return fmt.Errorf("%w: gamma %.2f not in [%.2f, %.2f]", ErrParamRange, p.Gamma, l.MinGamma, l.MaxGamma)
	}
	return nil
}
