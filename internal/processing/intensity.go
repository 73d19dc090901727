package processing

import (
	"math"

	"spectracam/internal/frame"
	"spectracam/internal/tiles"
	"spectracam/internal/types"
)

// RegionIntensities measures the region roi, given in tile-local
// coordinates, inside every wavelength tile of the full frame. coords are
// the full-frame tile rects indexed by tile. Results are sorted by
// wavelength. An empty roi yields nil.
func RegionIntensities(full *frame.Frame, roi types.Rect, coords []types.Rect, tileW, tileH int) []types.Intensity {
	local := roi
	local.X = clamp(local.X, 0, tileW-1)
	local.Y = clamp(local.Y, 0, tileH-1)
	local = local.Intersect(tileW, tileH)
	if roi.Empty() || local.Empty() {
		return nil
	}

	wavelengths := tiles.Wavelengths()
	out := make([]types.Intensity, 0, len(wavelengths))
	for _, wl := range wavelengths {
		entry := types.Intensity{Wavelength: wl}
		idx, _ := tiles.TileIndex(wl)
		if idx < len(coords) {
			tile := coords[idx]
			r := local.Translate(tile.X, tile.Y)
			r = intersectRect(r, tile)
			r = r.Intersect(full.Width(), full.Height())
			if !r.Empty() {
				entry.Mean, entry.StdDev = MeanStdDev(full, r)
			}
		}
		out = append(out, entry)
	}
	return out
}

// MeanStdDev returns the rounded mean and population standard deviation of
// the pixels in r, which must lie inside f.
func MeanStdDev(f *frame.Frame, r types.Rect) (byte, byte) {
	var sum, sumSq uint64
	for y := r.Y; y < r.Bottom(); y++ {
		for _, v := range f.Row(y)[r.X:r.Right()] {
			sum += uint64(v)
			sumSq += uint64(v) * uint64(v)
		}
	}
	n := float64(r.Width * r.Height)
	mean := float64(sum) / n
	variance := float64(sumSq)/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return saturate(mean), saturate(math.Sqrt(variance))
}

func intersectRect(r, bound types.Rect) types.Rect {
	x0 := max(r.X, bound.X)
	y0 := max(r.Y, bound.Y)
	x1 := min(r.Right(), bound.Right())
	y1 := min(r.Bottom(), bound.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return types.Rect{}
	}
	return types.Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
