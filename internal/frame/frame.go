package frame

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"spectracam/internal/types"
)

var (
	ErrInvalidGeometry = errors.New("frame: invalid geometry")
	ErrEmptyRegion     = errors.New("frame: region is empty after clamping")
	ErrReleased        = errors.New("frame: already released")
)

// Frame is a single-channel 8-bit raster over a backing buffer.
//
// A Frame is either pool-wrapped (Release hands the buffer back to its Pool)
// or exclusively owned (Release only marks it disposed). Release is safe to
// call any number of times from any goroutine; the buffer goes back to the
// pool at most once. Pixel data must not be touched after Release.
type Frame struct {
	width    int
	height   int
	stride   int
	length   int
	buf      []byte
	pool     Pool
	released atomic.Bool
}

// Wrap takes ownership of buf, which was rented from pool, for the life of
// the returned Frame.
func Wrap(pool Pool, buf []byte, width, height, stride, length int) (*Frame, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidGeometry)
	}
	if err := validate(buf, width, height, stride, length); err != nil {
		return nil, err
	}
	return &Frame{width: width, height: height, stride: stride, length: length, buf: buf, pool: pool}, nil
}

// Own wraps buf without any pool side effect on release.
func Own(buf []byte, width, height, stride, length int) (*Frame, error) {
	if err := validate(buf, width, height, stride, length); err != nil {
		return nil, err
	}
	return &Frame{width: width, height: height, stride: stride, length: length, buf: buf}, nil
}

// Rent returns a tightly packed pool-wrapped frame. Its contents are
// unspecified.
func Rent(pool Pool, width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	size := width * height
	buf := pool.Rent(size)
	f, err := Wrap(pool, buf, width, height, width, size)
	if err != nil {
		pool.Return(buf)
		return nil, err
	}
	return f, nil
}

// New returns a zeroed, tightly packed, exclusively owned frame.
func New(width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	return Own(make([]byte, width*height), width, height, width, width*height)
}

func validate(buf []byte, width, height, stride, length int) error {
	switch {
	case width <= 0 || height <= 0:
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	case stride < width:
		return fmt.Errorf("%w: stride %d < width %d", ErrInvalidGeometry, stride, width)
	case length > cap(buf):
		return fmt.Errorf("%w: length %d exceeds capacity %d", ErrInvalidGeometry, length, cap(buf))
	case length < stride*(height-1)+width:
		return fmt.Errorf("%w: length %d too short for %dx%d stride %d", ErrInvalidGeometry, length, width, height, stride)
	}
	return nil
}

func (f *Frame) Width() int  { return f.width }
func (f *Frame) Height() int { return f.height }
func (f *Frame) Stride() int { return f.stride }
func (f *Frame) Len() int    { return f.length }

// Pooled reports whether Release returns the buffer to a pool.
func (f *Frame) Pooled() bool { return f.pool != nil }

func (f *Frame) Released() bool { return f.released.Load() }

func (f *Frame) Bounds() types.Rect {
	return types.Rect{Width: f.width, Height: f.height}
}

// Bytes returns the payload, including any row padding.
func (f *Frame) Bytes() []byte {
	return f.buf[:f.length]
}

// Row returns the width visible pixels of row y.
func (f *Frame) Row(y int) []byte {
	off := y * f.stride
	return f.buf[off : off+f.width]
}

func (f *Frame) At(x, y int) byte {
	return f.buf[y*f.stride+x]
}

// Gray exposes the frame as an image without copying.
func (f *Frame) Gray() *image.Gray {
	return &image.Gray{
		Pix:    f.buf[:f.length],
		Stride: f.stride,
		Rect:   image.Rect(0, 0, f.width, f.height),
	}
}

func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.pool != nil {
		f.pool.Return(f.buf)
	}
}

// ReleaseAll releases every non-nil frame in frames.
func ReleaseAll(frames []*Frame) {
	for _, f := range frames {
		f.Release()
	}
}
