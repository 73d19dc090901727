package tiles

import (
	"math/rand"
	"testing"

	"spectracam/internal/types"
)

func TestGenerateTileGridStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 2000; n++ {
		imageW := 1 + rng.Intn(400)
		imageH := 1 + rng.Intn(400)
		tileW := 1 + rng.Intn(imageW)
		tileH := 1 + rng.Intn(imageH)
		pitchX := 1 + rng.Intn(300)
		pitchY := 1 + rng.Intn(300)
		cols := 1 + rng.Intn(6)
		rows := 1 + rng.Intn(6)

		rects := GenerateTileGrid(imageW, imageH, tileW, tileH, pitchX, pitchY, cols, rows)
		if len(rects) != cols*rows {
			t.Fatalf("got %d rects, want %d", len(rects), cols*rows)
		}
		for _, r := range rects {
			if r.X < 0 || r.Y < 0 || r.X+tileW > imageW || r.Y+tileH > imageH {
				t.Fatalf("rect %+v escapes %dx%d", r, imageW, imageH)
			}
			if r.Width != tileW || r.Height != tileH {
				t.Fatalf("rect %+v was resized", r)
			}
		}
	}
}

func TestGenerateTileGridCentered(t *testing.T) {
	rects := GenerateTileGrid(100, 60, 10, 10, 30, 20, 3, 2)
	want := []types.Rect{
		{X: 15, Y: 15, Width: 10, Height: 10},
		{X: 45, Y: 15, Width: 10, Height: 10},
		{X: 75, Y: 15, Width: 10, Height: 10},
		{X: 15, Y: 35, Width: 10, Height: 10},
		{X: 45, Y: 35, Width: 10, Height: 10},
		{X: 75, Y: 35, Width: 10, Height: 10},
	}
	if len(rects) != len(want) {
		t.Fatalf("got %d rects, want %d", len(rects), len(want))
	}
	for i := range want {
		if rects[i] != want[i] {
			t.Fatalf("rect %d = %+v, want %+v", i, rects[i], want[i])
		}
	}
}

func TestGenerateTileGridClampsTopLeftOnly(t *testing.T) {
	rects := GenerateTileGrid(50, 50, 20, 20, 40, 40, 3, 1)
	if rects[0].X != 0 || rects[2].X != 30 {
		t.Fatalf("edge tiles not clamped: %+v", rects)
	}
	for _, r := range rects {
		if r.Width != 20 || r.Height != 20 {
			t.Fatalf("tile resized: %+v", r)
		}
	}
}

func TestGenerateTileGridInvalidInput(t *testing.T) {
	cases := [][8]int{
		{0, 10, 1, 1, 1, 1, 1, 1},
		{10, 10, 11, 1, 1, 1, 1, 1},
		{10, 10, 1, 1, 0, 1, 1, 1},
		{10, 10, 1, 1, 1, 1, 0, 1},
		{10, 10, 1, 1, 1, 1, 1, -2},
	}
	for _, c := range cases {
		if rects := GenerateTileGrid(c[0], c[1], c[2], c[3], c[4], c[5], c[6], c[7]); len(rects) != 0 {
			t.Fatalf("expected empty grid for %v, got %v", c, rects)
		}
	}
}

func TestApplyOffsets(t *testing.T) {
	rects := []types.Rect{
		{X: 10, Y: 10, Width: 10, Height: 10},
		{X: 30, Y: 30, Width: 10, Height: 10},
		{X: 0, Y: 0, Width: 60, Height: 10},
	}
	offsets := []types.Offset{{DX: -15, DY: 5}}

	got := ApplyOffsets(rects, offsets, 50, 50)
	want := []types.Rect{
		{X: 0, Y: 15, Width: 10, Height: 10},
		{X: 30, Y: 30, Width: 10, Height: 10},
		{},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rect %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	got = ApplyOffsets(rects[:1], []types.Offset{{DX: 100, DY: 100}}, 50, 50)
	if got[0] != (types.Rect{X: 40, Y: 40, Width: 10, Height: 10}) {
		t.Fatalf("overshoot not clamped: %+v", got[0])
	}
}

func TestApplyOffsetsWithoutBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic without image bounds")
		}
	}()
	ApplyOffsets([]types.Rect{{Width: 1, Height: 1}}, nil, 0, 0)
}
