package tiles

import (
	"slices"
	"sync"

	"spectracam/internal/types"
)

// OffsetTable overlays runtime calibrations on the built-in working-distance
// offsets. It is safe for concurrent use.
type OffsetTable struct {
	mu      sync.RWMutex
	runtime map[int][]types.Offset
}

func NewOffsetTable() *OffsetTable {
	return &OffsetTable{runtime: make(map[int][]types.Offset)}
}

// Offsets returns the calibrated offsets for wd, falling back to the
// built-in table. The result is a copy.
func (t *OffsetTable) Offsets(wd int) []types.Offset {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if offsets, ok := t.runtime[wd]; ok {
		return slices.Clone(offsets)
	}
	return slices.Clone(builtinOffsets(wd))
}

func (t *OffsetTable) Set(wd int, offsets []types.Offset) {
	t.mu.Lock()
	t.runtime[wd] = slices.Clone(offsets)
	t.mu.Unlock()
}

// Reset drops the runtime calibration for wd.
func (t *OffsetTable) Reset(wd int) {
	t.mu.Lock()
	delete(t.runtime, wd)
	t.mu.Unlock()
}

// Calibrated reports whether wd has a runtime calibration.
func (t *OffsetTable) Calibrated(wd int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.runtime[wd]
	return ok
}
