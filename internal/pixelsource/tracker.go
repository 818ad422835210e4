package pixelsource

import (
	"cmp"
	"slices"
)

// TileTracker records the tile coordinates last served at high resolution.
// It is bookkeeping only; it owns no pixel data.
type TileTracker struct {
	tiles map[TileCoord]struct{}
}

// NewTileTracker returns an empty tracker.
func NewTileTracker() *TileTracker {
	return &TileTracker{tiles: make(map[TileCoord]struct{})}
}

// Add records c.
func (t *TileTracker) Add(c TileCoord) { t.tiles[c] = struct{}{} }

// Contains reports whether c is tracked.
func (t *TileTracker) Contains(c TileCoord) bool {
	_, ok := t.tiles[c]
	return ok
}

// Len returns the number of tracked tiles.
func (t *TileTracker) Len() int { return len(t.tiles) }

// Tiles returns the tracked coordinates sorted by row, then column.
func (t *TileTracker) Tiles() []TileCoord {
	out := make([]TileCoord, 0, len(t.tiles))
	for c := range t.tiles {
		out = append(out, c)
	}
	slices.SortFunc(out, compareCoords)
	return out
}

// Sweep removes every tile for which keep returns false and returns the
// removed coordinates in sorted order.
func (t *TileTracker) Sweep(keep func(TileCoord) bool) []TileCoord {
	var removed []TileCoord
	for c := range t.tiles {
		if !keep(c) {
			delete(t.tiles, c)
			removed = append(removed, c)
		}
	}
	slices.SortFunc(removed, compareCoords)
	return removed
}

// Clear forgets every tile.
func (t *TileTracker) Clear() { clear(t.tiles) }

func compareCoords(a, b TileCoord) int {
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	return cmp.Compare(a.X, b.X)
}
