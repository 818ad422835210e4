// Package zarr reads Zarr v2 and v3 arrays as pixel source levels.
package zarr

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/histoview/server/internal/cache"
	"github.com/histoview/server/internal/pixelsource"
)

// ChunkCache holds decoded chunk bytes. *cache.Manager implements it.
type ChunkCache interface {
	GetChunk(key string) ([]byte, bool)
	SetChunk(key string, data []byte) error
}

// Options configures array access.
type Options struct {
	// Name prefixes chunk cache keys; arrays sharing a cache need distinct names.
	Name string
	// Cache is optional.
	Cache ChunkCache
	// Concurrency bounds chunk fetches per read; defaults to 8.
	Concurrency int
}

// Array is one Zarr array. It implements pixelsource.Array.
type Array struct {
	store Store
	path  string
	meta  *ArrayMeta
	opts  Options
}

var _ pixelsource.Array = (*Array)(nil)

// OpenArray loads the metadata of the array at path, trying zarr.json
// before .zarray.
func OpenArray(ctx context.Context, store Store, path string, opts Options) (*Array, error) {
	meta, err := loadArrayMeta(ctx, store, path)
	if err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Name == "" {
		opts.Name = path
	}
	return &Array{store: store, path: path, meta: meta, opts: opts}, nil
}

func loadArrayMeta(ctx context.Context, store Store, path string) (*ArrayMeta, error) {
	data, err := store.Get(ctx, joinKey(path, "zarr.json"))
	if err == nil {
		return parseV3Meta(data)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load array metadata: %w", err)
	}
	data, err = store.Get(ctx, joinKey(path, ".zarray"))
	if err != nil {
		return nil, fmt.Errorf("failed to load array metadata: %w", err)
	}
	return parseV2Meta(data)
}

func (a *Array) Shape() []int             { return slices.Clone(a.meta.Shape) }
func (a *Array) Chunks() []int            { return slices.Clone(a.meta.Chunks) }
func (a *Array) DType() pixelsource.DType { return a.meta.DType }
func (a *Array) Meta() *ArrayMeta         { return a.meta }
func (a *Array) Path() string             { return a.path }

// Read assembles sel from every overlapping chunk. Chunks are fetched
// concurrently; missing chunks hold the fill value.
func (a *Array) Read(ctx context.Context, sel []pixelsource.Slice) (*pixelsource.Slab, error) {
	shape := a.meta.Shape
	if len(sel) != len(shape) {
		return nil, fmt.Errorf("selection rank %d != array rank %d", len(sel), len(shape))
	}

	es := a.meta.DType.Size()
	outShape := make([]int, len(sel))
	var squeezed []int
	total := 1
	for d, s := range sel {
		if s.Start < 0 || s.Stop > shape[d] || s.Start > s.Stop {
			return nil, fmt.Errorf("slice %s out of bounds for axis %d (extent %d)", s, d, shape[d])
		}
		outShape[d] = s.Len()
		total *= s.Len()
		if !s.Point {
			squeezed = append(squeezed, s.Len())
		}
	}
	out := make([]byte, total*es)

	if total > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.opts.Concurrency)
		for _, coords := range a.chunksFor(sel) {
			g.Go(func() error {
				raw, cshape, err := a.chunk(gctx, coords)
				if err != nil {
					return err
				}
				a.copyChunk(out, outShape, sel, raw, cshape, coords)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := decodeElements(out, a.meta.DType, a.meta.ByteOrder)
	if err != nil {
		return nil, err
	}
	return &pixelsource.Slab{Data: data, Shape: squeezed}, nil
}

// chunksFor lists the grid coordinates of every chunk sel touches.
func (a *Array) chunksFor(sel []pixelsource.Slice) [][]int {
	lo := make([]int, len(sel))
	hi := make([]int, len(sel))
	for d, s := range sel {
		c := a.meta.Chunks[d]
		lo[d] = s.Start / c
		hi[d] = (s.Stop - 1) / c
	}

	var out [][]int
	cur := slices.Clone(lo)
	for {
		out = append(out, slices.Clone(cur))
		d := len(cur) - 1
		for ; d >= 0; d-- {
			cur[d]++
			if cur[d] <= hi[d] {
				break
			}
			cur[d] = lo[d]
		}
		if d < 0 {
			return out
		}
	}
}

// chunk returns the decoded bytes of one chunk and the shape they cover.
func (a *Array) chunk(ctx context.Context, coords []int) ([]byte, []int, error) {
	full := a.meta.Chunks
	key := cache.ChunkKey(a.opts.Name, coords)
	if a.opts.Cache != nil {
		if raw, ok := a.opts.Cache.GetChunk(key); ok {
			cshape, err := a.chunkLayout(raw, coords)
			return raw, cshape, err
		}
	}

	raw, err := a.store.Get(ctx, joinKey(a.path, a.meta.ChunkKey(coords)))
	switch {
	case errors.Is(err, ErrNotFound):
		raw = repeatFillBytes(a.meta.FillValue, product(full))
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load chunk %v: %w", coords, err)
	default:
		for _, c := range a.meta.codecs {
			if raw, err = c.decode(raw); err != nil {
				return nil, nil, fmt.Errorf("chunk %v: %w", coords, err)
			}
		}
	}

	cshape, err := a.chunkLayout(raw, coords)
	if err != nil {
		return nil, nil, err
	}
	if a.opts.Cache != nil {
		// Oversized chunks are simply not cached.
		_ = a.opts.Cache.SetChunk(key, raw)
	}
	return raw, cshape, nil
}

// chunkLayout returns the shape the decoded chunk is laid out in. Edge
// chunks are normally stored at full size, but some writers truncate them.
func (a *Array) chunkLayout(raw []byte, coords []int) ([]int, error) {
	es := a.meta.DType.Size()
	full := a.meta.Chunks
	if len(raw) == product(full)*es {
		return full, nil
	}
	edge := make([]int, len(full))
	for d := range full {
		start := coords[d] * full[d]
		edge[d] = min(full[d], a.meta.Shape[d]-start)
	}
	if len(raw) == product(edge)*es {
		return edge, nil
	}
	return nil, fmt.Errorf("chunk %v too short: got %d bytes, expected %d", coords, len(raw), product(full)*es)
}

// copyChunk copies the overlap of one chunk with sel into out, one
// contiguous run of the last axis at a time.
func (a *Array) copyChunk(out []byte, outShape []int, sel []pixelsource.Slice, raw []byte, cshape, coords []int) {
	es := a.meta.DType.Size()
	rank := len(sel)
	origin := make([]int, rank)
	lo := make([]int, rank)
	hi := make([]int, rank)
	for d := range sel {
		origin[d] = coords[d] * a.meta.Chunks[d]
		lo[d] = max(sel[d].Start, origin[d])
		hi[d] = min(sel[d].Stop, origin[d]+cshape[d])
		if lo[d] >= hi[d] {
			return
		}
	}

	srcStrides := strides(cshape)
	dstStrides := strides(outShape)
	last := rank - 1
	run := (hi[last] - lo[last]) * es

	idx := slices.Clone(lo)
	for {
		src, dst := 0, 0
		for d := range idx {
			src += (idx[d] - origin[d]) * srcStrides[d]
			dst += (idx[d] - sel[d].Start) * dstStrides[d]
		}
		copy(out[dst*es:dst*es+run], raw[src*es:src*es+run])

		d := last - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < hi[d] {
				break
			}
			idx[d] = lo[d]
		}
		if d < 0 {
			return
		}
	}
}

func strides(shape []int) []int {
	out := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = s
		s *= shape[i]
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}
