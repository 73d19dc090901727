package tiles

import (
	"testing"

	"spectracam/internal/types"
)

func TestOffsetTableOverlay(t *testing.T) {
	table := NewOffsetTable()
	if got := table.Offsets(10)[0]; got != (types.Offset{DX: -42, DY: -41}) {
		t.Fatalf("builtin offset = %+v", got)
	}

	custom := make([]types.Offset, 15)
	custom[0] = types.Offset{DX: 5, DY: 6}
	table.Set(10, custom)
	custom[0] = types.Offset{DX: 99}

	got := table.Offsets(10)
	if got[0] != (types.Offset{DX: 5, DY: 6}) || !table.Calibrated(10) {
		t.Fatalf("runtime offset not stored by copy: %+v", got[0])
	}
	got[1] = types.Offset{DX: 1}
	if table.Offsets(10)[1] != (types.Offset{}) {
		t.Fatalf("Offsets returned shared slice")
	}

	table.Reset(10)
	if table.Calibrated(10) || table.Offsets(10)[0] != (types.Offset{DX: -42, DY: -41}) {
		t.Fatalf("Reset did not restore builtin offsets")
	}

	l := DefaultLayout()
	if a, b := l.Coordinates(20), l.CoordinatesFor(table.Offsets(20)); a[3] != b[3] {
		t.Fatalf("CoordinatesFor disagrees with Coordinates: %+v vs %+v", a[3], b[3])
	}
}
