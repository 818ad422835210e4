package pixelsource

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIsHighRes(t *testing.T) {
	def := Frame{Size: DefaultFrameSize}
	tests := []struct {
		name  string
		x, y  int
		frame Frame
		want  bool
	}{
		{"originInDefaultFrame", 0, 0, def, true},
		{"rightOfDefaultFrame", 1, 0, def, false},
		{"negativeTile", -1, -1, def, true},
		{"touchingEdge", 0, 0, Frame{Center: [2]float64{306, 100}, Size: [2]float64{100, 100}}, true},
		{"justPastEdge", 0, 0, Frame{Center: [2]float64{306.5, 100}, Size: [2]float64{100, 100}}, false},
		{"zeroSizeInside", 2, 3, Frame{Center: [2]float64{600, 800}}, true},
		{"farAway", 4, 4, Frame{Center: [2]float64{10, 10}, Size: [2]float64{20, 20}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsHighRes(tc.x, tc.y, tc.frame, 256); got != tc.want {
				t.Fatalf("IsHighRes(%d,%d) = %v, want %v", tc.x, tc.y, got, tc.want)
			}
		})
	}
}

func TestTileTrackerSweep(t *testing.T) {
	tr := NewTileTracker()
	for _, c := range []TileCoord{{2, 0}, {0, 0}, {1, 1}, {0, 1}} {
		tr.Add(c)
	}
	tr.Add(TileCoord{0, 0})
	if tr.Len() != 4 {
		t.Fatalf("expected 4 tiles, got %d", tr.Len())
	}

	removed := tr.Sweep(func(c TileCoord) bool { return c.X == 0 })
	if diff := cmp.Diff([]TileCoord{{2, 0}, {1, 1}}, removed); diff != "" {
		t.Fatalf("removed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]TileCoord{{0, 0}, {0, 1}}, tr.Tiles()); diff != "" {
		t.Fatalf("kept (-want +got):\n%s", diff)
	}

	tr.Clear()
	if tr.Len() != 0 || tr.Contains(TileCoord{0, 0}) {
		t.Fatalf("expected empty tracker after Clear")
	}
}
