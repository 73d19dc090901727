package tiles

import (
	"fmt"
	"slices"

	"spectracam/internal/types"
)

// Layout describes the sensor mosaic: a full frame split into a grid of
// per-wavelength tiles whose positions shift with working distance.
type Layout struct {
	EntireWidth   int     `yaml:"entire_width" json:"entire_width"`
	EntireHeight  int     `yaml:"entire_height" json:"entire_height"`
	TileWidth     int     `yaml:"tile_width" json:"tile_width"`
	TileHeight    int     `yaml:"tile_height" json:"tile_height"`
	PitchX        int     `yaml:"pitch_x" json:"pitch_x"`
	PitchY        int     `yaml:"pitch_y" json:"pitch_y"`
	Columns       int     `yaml:"columns" json:"columns"`
	Rows          int     `yaml:"rows" json:"rows"`
	MaxRegions    int     `yaml:"max_regions" json:"max_regions"`
	DefaultTile   int     `yaml:"default_tile" json:"default_tile"`
	MinExposureUS float64 `yaml:"min_exposure_us" json:"min_exposure_us"`
	MaxExposureUS float64 `yaml:"max_exposure_us" json:"max_exposure_us"`
	MinGain       float64 `yaml:"min_gain" json:"min_gain"`
	MaxGain       float64 `yaml:"max_gain" json:"max_gain"`
	MinGamma      float64 `yaml:"min_gamma" json:"min_gamma"`
	MaxGamma      float64 `yaml:"max_gamma" json:"max_gamma"`
}

func DefaultLayout() Layout {
	return Layout{
		EntireWidth:   5328,
		EntireHeight:  3040,
		TileWidth:     548,
		TileHeight:    544,
		PitchX:        1064,
		PitchY:        1012,
		Columns:       5,
		Rows:          3,
		MaxRegions:    6,
		DefaultTile:   7,
		MinExposureUS: 100,
		MaxExposureUS: 1_000_000,
		MinGain:       0,
		MaxGain:       48,
		MinGamma:      0.3,
		MaxGamma:      2.8,
	}
}

func (l Layout) TileCount() int { return l.Columns * l.Rows }

func (l Layout) Validate() error {
	if len(l.BaseRects()) == 0 {
		return fmt.Errorf("tiles: layout %dx%d with %dx%d tiles of %dx%d does not fit",
			l.EntireWidth, l.EntireHeight, l.Columns, l.Rows, l.TileWidth, l.TileHeight)
	}
	if l.MaxRegions <= 0 {
		return fmt.Errorf("tiles: max regions must be positive, got %d", l.MaxRegions)
	}
	if l.DefaultTile < 0 || l.DefaultTile >= l.TileCount() {
		return fmt.Errorf("tiles: default tile %d out of range", l.DefaultTile)
	}
	return nil
}

// BaseRects is the grid without any working-distance correction.
func (l Layout) BaseRects() []types.Rect {
	return GenerateTileGrid(l.EntireWidth, l.EntireHeight, l.TileWidth, l.TileHeight, l.PitchX, l.PitchY, l.Columns, l.Rows)
}

// Coordinates returns tile rects corrected for working distance wd (cm).
// Unknown distances use the uncorrected grid.
func (l Layout) Coordinates(wd int) []types.Rect {
	return l.CoordinatesFor(builtinOffsets(wd))
}

// CoordinatesFor applies an explicit offset list to the base grid.
func (l Layout) CoordinatesFor(offsets []types.Offset) []types.Rect {
	base := l.BaseRects()
	if len(base) == 0 {
		return nil
	}
	return ApplyOffsets(base, offsets, l.EntireWidth, l.EntireHeight)
}

func builtinOffsets(wd int) []types.Offset {
	offsets, ok := workingDistanceOffsets[wd]
	if !ok {
		offsets = workingDistanceOffsets[0]
	}
	return offsets
}

// WorkingDistances lists the calibrated distances in ascending order.
func WorkingDistances() []int {
	out := make([]int, 0, len(workingDistanceOffsets))
	for wd := range workingDistanceOffsets {
		out = append(out, wd)
	}
	slices.Sort(out)
	return out
}

// Offsets per working distance, row-major like the grid. Measured on the
// reference optics.
var workingDistanceOffsets = map[int][]types.Offset{
	0: make([]types.Offset, 15),
	10: {
		{DX: -42, DY: -41}, {DX: -17, DY: -33}, {DX: 8, DY: -24}, {DX: 35, DY: -15}, {DX: 59, DY: -5},
		{DX: -50, DY: -17}, {DX: -25, DY: -8}, {DX: 0, DY: 0}, {DX: 24, DY: 10}, {DX: 50, DY: 18},
		{DX: -58, DY: 6}, {DX: -33, DY: 15}, {DX: -8, DY: 23}, {DX: 17, DY: 32}, {DX: 42, DY: 39},
	},
	20: {
		{DX: -13, DY: -28}, {DX: -2, DY: -20}, {DX: 9, DY: -10}, {DX: 19, DY: -1}, {DX: 30, DY: 8},
		{DX: -21, DY: -16}, {DX: -10, DY: -7}, {DX: 0, DY: 0}, {DX: 10, DY: 11}, {DX: 22, DY: 18},
		{DX: -29, DY: -7}, {DX: -19, DY: 3}, {DX: -8, DY: 9}, {DX: 3, DY: 19}, {DX: 14, DY: 28},
	},
	30: {
		{DX: -4, DY: -23}, {DX: 2, DY: -15}, {DX: 8, DY: -7}, {DX: 15, DY: 2}, {DX: 21, DY: 11},
		{DX: -12, DY: -16}, {DX: -6, DY: -8}, {DX: 0, DY: 0}, {DX: 6, DY: 10}, {DX: 14, DY: 18},
		{DX: -20, DY: -11}, {DX: -15, DY: -1}, {DX: -8, DY: 5}, {DX: -1, DY: 14}, {DX: 5, DY: 23},
	},
	40: {
		{DX: 0, DY: -21}, {DX: 4, DY: -13}, {DX: 8, DY: -5}, {DX: 12, DY: 3}, {DX: 17, DY: 13},
		{DX: -8, DY: -16}, {DX: -4, DY: -8}, {DX: 0, DY: 0}, {DX: 4, DY: 9}, {DX: 9, DY: 17},
		{DX: -16, DY: -13}, {DX: -13, DY: -4}, {DX: -8, DY: 3}, {DX: -3, DY: 12}, {DX: 1, DY: 20},
	},
}

var wavelengthIndex = map[int]int{
	490: 0, 470: 1, 450: 2, 430: 3, 410: 4,
	590: 5, 570: 6, 550: 7, 530: 8, 510: 9,
	690: 10, 670: 11, 650: 12, 630: 13, 610: 14,
}

// TileIndex maps a wavelength in nm to its tile index.
func TileIndex(wavelength int) (int, bool) {
	idx, ok := wavelengthIndex[wavelength]
	return idx, ok
}

// Wavelength is the inverse of TileIndex.
func Wavelength(tile int) (int, bool) {
	for wl, idx := range wavelengthIndex {
		if idx == tile {
			return wl, true
		}
	}
	return 0, false
}

// Wavelengths lists the supported wavelengths in ascending order.
func Wavelengths() []int {
	out := make([]int, 0, len(wavelengthIndex))
	for wl := range wavelengthIndex {
		out = append(out, wl)
	}
	slices.Sort(out)
	return out
}
