package processing

import (
	"spectracam/internal/frame"
	"spectracam/internal/types"
)

// Stitch composes tiles onto a zeroed canvasW x canvasH canvas, placing
// tiles[i] at coords[i].X/Y. Extra tiles or coords are ignored and each copy
// is clipped to the canvas. The tiles are not released. Returns nil when
// there is nothing to stitch.
func Stitch(tiles []*frame.Frame, coords []types.Rect, canvasW, canvasH int) *frame.Frame {
	if len(tiles) == 0 || canvasW <= 0 || canvasH <= 0 {
		return nil
	}
	out, err := frame.New(canvasW, canvasH)
	if err != nil {
		return nil
	}
	dst := out.Bytes()

	n := min(len(tiles), len(coords))
	for i := 0; i < n; i++ {
		tile := tiles[i]
		if tile == nil || tile.Released() {
			continue
		}
		r := coords[i]
		srcX := max(0, -r.X)
		srcY := max(0, -r.Y)
		dstX := r.X + srcX
		dstY := r.Y + srcY
		w := min(tile.Width()-srcX, canvasW-dstX)
		h := min(tile.Height()-srcY, canvasH-dstY)
		if w <= 0 || h <= 0 {
			continue
		}
		for y := 0; y < h; y++ {
			row := tile.Row(srcY + y)[srcX : srcX+w]
			off := (dstY+y)*canvasW + dstX
			copy(dst[off:off+w], row)
		}
	}
	return out
}
