package frame

import (
	"fmt"

	"spectracam/internal/types"
)

// CloneOwned copies src into a freshly allocated, exclusively owned frame
// with the same geometry, so the copy can outlive the source's pool buffer.
func CloneOwned(src *Frame) (*Frame, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidGeometry)
	}
	if src.Released() {
		return nil, ErrReleased
	}
	buf := make([]byte, src.length)
	copy(buf, src.buf[:src.length])
	return Own(buf, src.width, src.height, src.stride, src.length)
}

// CropCopyOwned clamps roi to the source bounds and copies it row by row into
// a tightly packed, exclusively owned frame.
func CropCopyOwned(src *Frame, roi types.Rect) (*Frame, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidGeometry)
	}
	if src.Released() {
		return nil, ErrReleased
	}
	clamped := roi.Intersect(src.width, src.height)
	if clamped.Empty() {
		return nil, fmt.Errorf("%w: %+v in %dx%d", ErrEmptyRegion, roi, src.width, src.height)
	}
	w, h := clamped.Width, clamped.Height
	buf := make([]byte, w*h)
	for y := 0; y < h; y++ {
		off := (clamped.Y+y)*src.stride + clamped.X
		copy(buf[y*w:(y+1)*w], src.buf[off:off+w])
	}
	return Own(buf, w, h, w, w*h)
}
