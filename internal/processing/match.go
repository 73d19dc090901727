package processing

import (
	"math"

	"spectracam/internal/frame"
	"spectracam/internal/types"
)

// MatchOffset finds where the patch tpl of ref reappears in target, searching
// up to radius pixels around its original position, and returns the
// displacement together with its normalized cross-correlation score in
// [-1, 1]. A degenerate template (empty or flat) yields a zero offset and
// score 0. On ties the smallest displacement in scan order wins, with (0, 0)
// checked first.
func MatchOffset(ref *frame.Frame, tpl types.Rect, target *frame.Frame, radius int) (types.Offset, float64) {
	tpl = tpl.Intersect(ref.Width(), ref.Height())
	if tpl.Empty() || radius < 0 {
		return types.Offset{}, 0
	}

	n := float64(tpl.Width * tpl.Height)
	centered := make([]float64, 0, tpl.Width*tpl.Height)
	var sum float64
	for y := tpl.Y; y < tpl.Bottom(); y++ {
		for _, v := range ref.Row(y)[tpl.X:tpl.Right()] {
			sum += float64(v)
		}
	}
	mean := sum / n
	var tplNorm float64
	for y := tpl.Y; y < tpl.Bottom(); y++ {
		for _, v := range ref.Row(y)[tpl.X:tpl.Right()] {
			c := float64(v) - mean
			centered = append(centered, c)
			tplNorm += c * c
		}
	}
	if tplNorm == 0 {
		return types.Offset{}, 0
	}

	score := func(dx, dy int) (float64, bool) {
		x0, y0 := tpl.X+dx, tpl.Y+dy
		if x0 < 0 || y0 < 0 || x0+tpl.Width > target.Width() || y0+tpl.Height > target.Height() {
			return 0, false
		}
		var sumI, sumI2, cross float64
		i := 0
		for y := 0; y < tpl.Height; y++ {
			row := target.Row(y0 + y)[x0 : x0+tpl.Width]
			for _, v := range row {
				fv := float64(v)
				sumI += fv
				sumI2 += fv * fv
				cross += centered[i] * fv
				i++
			}
		}
		varI := sumI2 - sumI*sumI/n
		if varI <= 0 {
			return 0, true
		}
		return cross / math.Sqrt(tplNorm*varI), true
	}

	best := types.Offset{}
	bestScore := math.Inf(-1)
	if s, ok := score(0, 0); ok {
		bestScore = s
	}
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			s, ok := score(dx, dy)
			if ok && s > bestScore {
				best, bestScore = types.Offset{DX: dx, DY: dy}, s
			}
		}
	}
	if math.IsInf(bestScore, -1) {
		return types.Offset{}, 0
	}
	return best, bestScore
}
