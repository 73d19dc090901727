package processing

import (
	"math"

	"spectracam/internal/frame"
)

// Normalize returns an owned copy of src scaled so its mean intensity lands
// on target. A black tile is copied unchanged.
func Normalize(src *frame.Frame, target byte) (*frame.Frame, error) {
	out, err := frame.CloneOwned(src)
	if err != nil {
		return nil, err
	}
	mean := Mean(out)
	if mean <= 0 {
		return out, nil
	}
	scale := float64(target) / mean
	for y := 0; y < out.Height(); y++ {
		row := out.Row(y)
		for x, v := range row {
			row[x] = saturate(float64(v) * scale)
		}
	}
	return out, nil
}

// Translate returns an owned copy of src shifted by (dx, dy). Uncovered
// pixels are zero.
func Translate(src *frame.Frame, dx, dy int) (*frame.Frame, error) {
	if src.Released() {
		return nil, frame.ErrReleased
	}
	w, h := src.Width(), src.Height()
	out, err := frame.New(w, h)
	if err != nil {
		return nil, err
	}
	for y := 0; y < h; y++ {
		sy := y - dy
		if sy < 0 || sy >= h {
			continue
		}
		x0 := max(0, dx)
		x1 := min(w, w+dx)
		if x1 <= x0 {
			break
		}
		copy(out.Row(y)[x0:x1], src.Row(sy)[x0-dx:x1-dx])
	}
	return out, nil
}

// Mean is the average of the visible pixels.
func Mean(f *frame.Frame) float64 {
	var sum uint64
	for y := 0; y < f.Height(); y++ {
		for _, v := range f.Row(y) {
			sum += uint64(v)
		}
	}
	return float64(sum) / float64(f.Width()*f.Height())
}

func saturate(v float64) byte {
	r := math.RoundToEven(v)
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return byte(r)
}
