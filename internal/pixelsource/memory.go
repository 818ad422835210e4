package pixelsource

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
)

// MemoryArray is an Array backed by an in-memory row-major slice. It is
// used for synthetic datasets and tests.
type MemoryArray[T Number] struct {
	data   []T
	shape  []int
	chunks []int
	dtype  DType

	// OnRead, when set, runs before every read. A returned error fails the read.
	OnRead func(ctx context.Context, sel []Slice) error

	reads atomic.Int64
}

// NewMemoryArray wraps data with the given shape. chunks defaults to shape.
func NewMemoryArray[T Number](data []T, shape, chunks []int, dtype DType) (*MemoryArray[T], error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("pixelsource: shape %v needs %d elements, got %d", shape, n, len(data))
	}
	if chunks == nil {
		chunks = shape
	}
	return &MemoryArray[T]{
		data:   data,
		shape:  slices.Clone(shape),
		chunks: slices.Clone(chunks),
		dtype:  dtype,
	}, nil
}

func (a *MemoryArray[T]) Shape() []int  { return slices.Clone(a.shape) }
func (a *MemoryArray[T]) Chunks() []int { return slices.Clone(a.chunks) }
func (a *MemoryArray[T]) DType() DType  { return a.dtype }

// Reads returns how many reads have started.
func (a *MemoryArray[T]) Reads() int64 { return a.reads.Load() }

func (a *MemoryArray[T]) Read(ctx context.Context, sel []Slice) (*Slab, error) {
	a.reads.Add(1)
	if a.OnRead != nil {
		if err := a.OnRead(ctx, sel); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, shape, err := ReadRegion(a.data, a.shape, sel)
	if err != nil {
		return nil, err
	}
	return &Slab{Data: data, Shape: shape}, nil
}

// ReadRegion copies the region sel of a row-major array into a new slice.
// The returned shape omits point axes.
func ReadRegion[T any](src []T, shape []int, sel []Slice) ([]T, []int, error) {
	if len(sel) != len(shape) {
		return nil, nil, fmt.Errorf("pixelsource: selection rank %d != array rank %d", len(sel), len(shape))
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	total := 1
	var outShape []int
	for i, s := range sel {
		if s.Start < 0 || s.Stop > shape[i] {
			return nil, nil, fmt.Errorf("pixelsource: slice %s out of bounds for axis %d (extent %d)", s, i, shape[i])
		}
		total *= s.Len()
		if !s.Point {
			outShape = append(outShape, s.Len())
		}
	}
	out := make([]T, 0, total)
	if total == 0 {
		return out, outShape, nil
	}

	idx := make([]int, len(sel))
	for {
		off := 0
		for d, s := range sel {
			off += (s.Start + idx[d]) * strides[d]
		}
		out = append(out, src[off])

		d := len(sel) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < sel[d].Len() {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			break
		}
	}
	return out, outShape, nil
}
