package workspace

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"spectracam/internal/frame"
	"spectracam/internal/types"
)

var (
	ErrClosed      = errors.New("workspace: closed")
	ErrRegionLimit = errors.New("workspace: region limit reached")
	ErrNoRegion    = errors.New("workspace: no such region")
	ErrNoFrame     = errors.New("workspace: frame not captured")
)

// Region is a user-drawn rectangle in tile-local coordinates.
type Region struct {
	Index int        `json:"index"`
	Rect  types.Rect `json:"rect"`
}

// Workspace owns the frames of one capture. Setters take ownership of the
// frames they are given and release whatever they replace. Close releases
// derived frames first (expression result, stitched, processed tiles), then
// the crops, then the entire frame.
type Workspace struct {
	mu              sync.RWMutex
	closed          bool
	maxRegions      int
	workingDistance int
	capturedAt      time.Time
	entire          *frame.Frame
	crops           []*frame.Frame
	stitched        *frame.Frame
	processed       []*frame.Frame
	result          *frame.Frame
	expression      string
	regions         []Region
	intensity       map[int][]types.Intensity
}

func New(maxRegions int) *Workspace {
	return &Workspace{
		maxRegions: maxRegions,
		intensity:  make(map[int][]types.Intensity),
	}
}

func (w *Workspace) SetEntire(f *frame.Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		f.Release()
		return ErrClosed
	}
	old := w.entire
	w.entire = f
	w.capturedAt = time.Now()
	w.mu.Unlock()
	old.Release()
	return nil
}

func (w *Workspace) SetCrops(crops []*frame.Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		frame.ReleaseAll(crops)
		return ErrClosed
	}
	old := w.crops
	w.crops = crops
	w.mu.Unlock()
	frame.ReleaseAll(old)
	return nil
}

func (w *Workspace) SetStitched(f *frame.Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		f.Release()
		return ErrClosed
	}
	old := w.stitched
	w.stitched = f
	w.mu.Unlock()
	old.Release()
	return nil
}

// SetProcessed stores the normalized tiles the stitched frame was built from.
func (w *Workspace) SetProcessed(tiles []*frame.Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		frame.ReleaseAll(tiles)
		return ErrClosed
	}
	old := w.processed
	w.processed = tiles
	w.mu.Unlock()
	frame.ReleaseAll(old)
	return nil
}

// SetResult stores the output of expression.
func (w *Workspace) SetResult(expression string, f *frame.Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		f.Release()
		return ErrClosed
	}
	old := w.result
	w.result = f
	w.expression = expression
	w.mu.Unlock()
	old.Release()
	return nil
}

func (w *Workspace) SetWorkingDistance(wd int) {
	w.mu.Lock()
	w.workingDistance = wd
	w.mu.Unlock()
}

func (w *Workspace) WorkingDistance() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.workingDistance
}

// AddRegion stores rect under the lowest free index.
func (w *Workspace) AddRegion(rect types.Rect) (Region, error) {
	if rect.Empty() {
		return Region{}, fmt.Errorf("workspace: empty region %+v", rect)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Region{}, ErrClosed
	}
	idx, ok := w.nextIndex()
	if !ok {
		return Region{}, fmt.Errorf("%w (%d)", ErrRegionLimit, w.maxRegions)
	}
	r := Region{Index: idx, Rect: rect}
	w.regions = append(w.regions, r)
	slices.SortFunc(w.regions, func(a, b Region) int { return a.Index - b.Index })
	return r, nil
}

func (w *Workspace) RemoveRegion(index int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := slices.IndexFunc(w.regions, func(r Region) bool { return r.Index == index })
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrNoRegion, index)
	}
	w.regions = slices.Delete(w.regions, i, i+1)
	delete(w.intensity, index)
	return nil
}

func (w *Workspace) nextIndex() (int, bool) {
	for idx := 0; idx < w.maxRegions; idx++ {
		if !slices.ContainsFunc(w.regions, func(r Region) bool { return r.Index == idx }) {
			return idx, true
		}
	}
	return 0, false
}

func (w *Workspace) Regions() []Region {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.regions)
}

func (w *Workspace) SetIntensity(data map[int][]types.Intensity) {
	w.mu.Lock()
	w.intensity = data
	w.mu.Unlock()
}

func (w *Workspace) Intensity() map[int][]types.Intensity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return maps.Clone(w.intensity)
}

// View gives fn borrowed access to the workspace frames. The frames stay
// valid until fn returns; keep them longer with frame.CloneOwned.
func (w *Workspace) View(fn func(v View) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	return fn(View{w: w})
}

func (w *Workspace) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	result, stitched, processed := w.result, w.stitched, w.processed
	crops, entire := w.crops, w.entire
	w.result, w.stitched, w.processed, w.crops, w.entire = nil, nil, nil, nil, nil
	w.mu.Unlock()

	result.Release()
	stitched.Release()
	frame.ReleaseAll(processed)
	frame.ReleaseAll(crops)
	entire.Release()
}

type Summary struct {
	CapturedAt      time.Time `json:"captured_at"`
	WorkingDistance int       `json:"working_distance"`
	HasEntire       bool      `json:"has_entire"`
	Crops           int       `json:"crops"`
	HasStitched     bool      `json:"has_stitched"`
	Processed       int       `json:"processed"`
	Expression      string    `json:"expression,omitempty"`
	Regions         []Region  `json:"regions"`
}

func (w *Workspace) Summary() Summary {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Summary{
		CapturedAt:      w.capturedAt,
		WorkingDistance: w.workingDistance,
		HasEntire:       w.entire != nil,
		Crops:           len(w.crops),
		HasStitched:     w.stitched != nil,
		Processed:       len(w.processed),
		Expression:      w.expression,
		Regions:         slices.Clone(w.regions),
	}
}

// View is read access to a workspace held under its read lock.
type View struct {
	w *Workspace
}

func (v View) Entire() (*frame.Frame, error) {
	if v.w.entire == nil {
		return nil, fmt.Errorf("%w: entire", ErrNoFrame)
	}
	return v.w.entire, nil
}

func (v View) Stitched() (*frame.Frame, error) {
	if v.w.stitched == nil {
		return nil, fmt.Errorf("%w: stitched", ErrNoFrame)
	}
	return v.w.stitched, nil
}

func (v View) Result() (*frame.Frame, error) {
	if v.w.result == nil {
		return nil, fmt.Errorf("%w: expression result", ErrNoFrame)
	}
	return v.w.result, nil
}

// Processed returns the processed tile list itself; do not modify it.
func (v View) Processed() []*frame.Frame {
	return v.w.processed
}

func (v View) Crop(index int) (*frame.Frame, error) {
	if index < 0 || index >= len(v.w.crops) || v.w.crops[index] == nil {
		return nil, fmt.Errorf("%w: crop %d", ErrNoFrame, index)
	}
	return v.w.crops[index], nil
}

// Crops returns the crop list itself; do not modify it.
func (v View) Crops() []*frame.Frame {
	return v.w.crops
}

func (v View) Regions() []Region {
	return v.w.regions
}

func (v View) WorkingDistance() int {
	return v.w.workingDistance
}
