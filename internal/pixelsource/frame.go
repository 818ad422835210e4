package pixelsource

import "fmt"

// TileCoord addresses a tile in the grid of the highest-resolution array.
type TileCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c TileCoord) String() string { return fmt.Sprintf("%d,%d", c.X, c.Y) }

// Frame is the region of interest, in level-0 pixel coordinates, inside
// which tiles are served at full resolution.
type Frame struct {
	Center [2]float64 `json:"center"`
	Size   [2]float64 `json:"size"`
}

// DefaultFrameSize is the frame extent used until the caller sets one.
var DefaultFrameSize = [2]float64{100, 100}

// Bounds returns the frame's left, top, right and bottom edges.
func (f Frame) Bounds() (left, top, right, bottom float64) {
	return f.Center[0] - f.Size[0]/2, f.Center[1] - f.Size[1]/2,
		f.Center[0] + f.Size[0]/2, f.Center[1] + f.Size[1]/2
}

// IsHighRes reports whether tile (tileX, tileY) intersects frame. Touching
// edges count as intersecting.
func IsHighRes(tileX, tileY int, frame Frame, tileSize int) bool {
	ts := float64(tileSize)
	tileLeft := float64(tileX) * ts
	tileRight := float64(tileX+1) * ts
	tileTop := float64(tileY) * ts
	tileBottom := float64(tileY+1) * ts

	left, top, right, bottom := frame.Bounds()
	return tileRight >= left && tileLeft <= right &&
		tileBottom >= top && tileTop <= bottom
}
