// Package pixelsource turns multi-resolution chunked arrays into fixed-size
// image tiles for a pan/zoom renderer.
//
// Tile and raster requests issued during one rendering tick are coalesced
// into a single batch, read concurrently, normalized to a renderer-friendly
// element type and padded to tileSize x tileSize. DynamicPixelSource
// additionally serves tiles from a high- or low-resolution level depending
// on a movable rectangular frame.
package pixelsource

import (
	"context"
	"fmt"
)

// DType names the element type of a source array.
type DType string

const (
	Bool    DType = "bool"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Uint64  DType = "uint64"
	Float16 DType = "float16"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// Size returns the element size in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// Slice selects part of one array axis. Point slices select a single index
// and are squeezed out of the result shape.
type Slice struct {
	Start int
	Stop  int
	Point bool
}

// Index selects the single element i along an axis.
func Index(i int) Slice { return Slice{Start: i, Stop: i + 1, Point: true} }

// Span selects the half-open range [start, stop).
func Span(start, stop int) Slice { return Slice{Start: start, Stop: stop} }

// Len returns the number of elements selected.
func (s Slice) Len() int {
	if s.Stop < s.Start {
		return 0
	}
	return s.Stop - s.Start
}

func (s Slice) String() string {
	if s.Point {
		return fmt.Sprintf("%d", s.Start)
	}
	return fmt.Sprintf("%d:%d", s.Start, s.Stop)
}

// Slab is the result of a range read: a typed slice ([]uint8, []uint16,
// []float32, ...) in row-major order and its shape with point axes removed.
type Slab struct {
	Data  any
	Shape []int
}

// Array is one resolution level of a chunked array store. Implementations
// must observe ctx in Read and return an error wrapping context.Canceled
// (or ctx.Err()) when it fires.
type Array interface {
	Shape() []int
	DType() DType
	Chunks() []int
	Read(ctx context.Context, sel []Slice) (*Slab, error)
}

// PixelData is what the renderer receives for one tile or raster.
type PixelData struct {
	Data   any
	Width  int
	Height int
	DType  OutputType
	// Resolution is the index of the array that was read; 0 is full
	// resolution.
	Resolution int
}
