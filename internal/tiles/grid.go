package tiles

import (
	"math"

	"spectracam/internal/types"
)

// GenerateTileGrid lays out columns x rows tiles of tileW x tileH centered on
// the image, with cell centers pitchX/pitchY apart. Tiles keep their size;
// only the top-left corner is clamped into the image. Output is row-major.
// Invalid input yields nil.
func GenerateTileGrid(imageW, imageH, tileW, tileH, pitchX, pitchY, columns, rows int) []types.Rect {
	if imageW <= 0 || imageH <= 0 || tileW <= 0 || tileH <= 0 {
		return nil
	}
	if pitchX <= 0 || pitchY <= 0 || columns <= 0 || rows <= 0 {
		return nil
	}
	if tileW > imageW || tileH > imageH {
		return nil
	}

	cx := float64(imageW / 2)
	cy := float64(imageH / 2)
	maxX := imageW - tileW
	maxY := imageH - tileH

	rects := make([]types.Rect, 0, columns*rows)
	for i := 0; i < rows; i++ {
		rowOff := float64(i) - float64(rows-1)*0.5
		y := int(math.RoundToEven(cy - float64(tileH)*0.5 + rowOff*float64(pitchY)))
		for j := 0; j < columns; j++ {
			colOff := float64(j) - float64(columns-1)*0.5
			x := int(math.RoundToEven(cx - float64(tileW)*0.5 + colOff*float64(pitchX)))
			rects = append(rects, types.Rect{
				X:      clamp(x, 0, maxX),
				Y:      clamp(y, 0, maxY),
				Width:  tileW,
				Height: tileH,
			})
		}
	}
	return rects
}

// ApplyOffsets shifts rects[i] by offsets[i] and clamps the result into the
// image. Missing offsets count as zero. A rect larger than the image becomes
// the zero rect. imageW and imageH are required; non-positive bounds panic.
func ApplyOffsets(rects []types.Rect, offsets []types.Offset, imageW, imageH int) []types.Rect {
	if imageW <= 0 || imageH <= 0 {
		panic("tiles: ApplyOffsets requires positive image bounds")
	}
	out := make([]types.Rect, len(rects))
	for i, r := range rects {
		if r.Width > imageW || r.Height > imageH {
			out[i] = types.Rect{}
			continue
		}
		var off types.Offset
		if i < len(offsets) {
			off = offsets[i]
		}
		shifted := r.Translate(off.DX, off.DY)
		shifted.X = clamp(shifted.X, 0, imageW-r.Width)
		shifted.Y = clamp(shifted.Y, 0, imageH-r.Height)
		out[i] = shifted
	}
	return out
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
