package frame

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"spectracam/internal/types"
)

type countingPool struct {
	rents   atomic.Int64
	returns atomic.Int64
}

func (p *countingPool) Rent(size int) []byte {
	p.rents.Add(1)
	return make([]byte, size)
}

func (p *countingPool) Return(_ []byte) {
	p.returns.Add(1)
}

func TestWrapReleaseReturnsOnceUnderConcurrency(t *testing.T) {
	pool := &countingPool{}
	buf := pool.Rent(16)
	f, err := Wrap(pool, buf, 4, 4, 4, 16)
	if err != nil {
		t.Fatalf("Wrap error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Release()
		}()
	}
	wg.Wait()

	if got := pool.returns.Load(); got != 1 {
		t.Fatalf("buffer returned %d times, want 1", got)
	}
	if !f.Released() {
		t.Fatalf("frame not marked released")
	}
	f.Release()
	if got := pool.returns.Load(); got != 1 {
		t.Fatalf("repeat release returned buffer again: %d", got)
	}
}

func TestOwnReleaseIsPoolNeutral(t *testing.T) {
	f, err := Own(make([]byte, 6), 3, 2, 3, 6)
	if err != nil {
		t.Fatalf("Own error: %v", err)
	}
	if f.Pooled() {
		t.Fatalf("owned frame reports pooled")
	}
	f.Release()
	if !f.Released() {
		t.Fatalf("owned frame not marked released")
	}
}

func TestWrapRejectsBadGeometry(t *testing.T) {
	pool := &countingPool{}
	cases := []struct {
		name                          string
		buf                           []byte
		width, height, stride, length int
	}{
		{"stride below width", make([]byte, 16), 4, 4, 3, 16},
		{"length over capacity", make([]byte, 8), 4, 4, 4, 16},
		{"length too short", make([]byte, 16), 4, 4, 4, 10},
		{"zero width", make([]byte, 16), 0, 4, 4, 16},
	}
	for _, tc := range cases {
		if _, err := Wrap(pool, tc.buf, tc.width, tc.height, tc.stride, tc.length); !errors.Is(err, ErrInvalidGeometry) {
			t.Fatalf("%s: expected ErrInvalidGeometry, got %v", tc.name, err)
		}
	}
}

func TestCropCopyOwnedClampsAndPacks(t *testing.T) {
	// 4x3 visible pixels with a stride of 6
	buf := []byte{
		0, 1, 2, 3, 99, 99,
		10, 11, 12, 13, 99, 99,
		20, 21, 22, 23, 99, 99,
	}
	pool := &countingPool{}
	src, err := Wrap(pool, buf, 4, 3, 6, len(buf))
	if err != nil {
		t.Fatalf("Wrap error: %v", err)
	}

	crop, err := CropCopyOwned(src, types.Rect{X: 2, Y: 1, Width: 10, Height: 10})
	if err != nil {
		t.Fatalf("CropCopyOwned error: %v", err)
	}
	if crop.Width() != 2 || crop.Height() != 2 || crop.Stride() != 2 {
		t.Fatalf("unexpected crop geometry %dx%d stride %d", crop.Width(), crop.Height(), crop.Stride())
	}
	want := []byte{12, 13, 22, 23}
	for i, v := range crop.Bytes() {
		if v != want[i] {
			t.Fatalf("crop byte %d = %d, want %d", i, v, want[i])
		}
	}

	crop.Release()
	if pool.returns.Load() != 0 {
		t.Fatalf("releasing an owned crop touched the pool")
	}
	src.Release()
	if pool.returns.Load() != 1 {
		t.Fatalf("source buffer not returned")
	}
}

func TestCropCopyOwnedEmptyRegion(t *testing.T) {
	src, _ := New(4, 4)
	if _, err := CropCopyOwned(src, types.Rect{X: 10, Y: 10, Width: 2, Height: 2}); !errors.Is(err, ErrEmptyRegion) {
		t.Fatalf("expected ErrEmptyRegion, got %v", err)
	}
	if _, err := CropCopyOwned(src, types.Rect{X: 1, Y: 1, Width: 0, Height: 2}); !errors.Is(err, ErrEmptyRegion) {
		t.Fatalf("expected ErrEmptyRegion for zero width, got %v", err)
	}
}

func TestCloneOwnedIsIndependent(t *testing.T) {
	pool := NewBytePool()
	src, err := Rent(pool, 3, 3)
	if err != nil {
		t.Fatalf("Rent error: %v", err)
	}
	for i := range src.Bytes() {
		src.Bytes()[i] = byte(i)
	}
	clone, err := CloneOwned(src)
	if err != nil {
		t.Fatalf("CloneOwned error: %v", err)
	}
	src.Bytes()[0] = 200
	src.Release()

	if clone.Pooled() {
		t.Fatalf("clone should be exclusively owned")
	}
	if clone.At(0, 0) != 0 || clone.At(2, 2) != 8 {
		t.Fatalf("clone shares memory with source")
	}
	if _, err := CloneOwned(src); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased cloning a released frame, got %v", err)
	}
	if stats := pool.Stats(); stats.Outstanding != 0 {
		t.Fatalf("pool outstanding = %d, want 0", stats.Outstanding)
	}
}
