//go:build tiledb

package tiledb

import (
	"context"
	"fmt"
	"math"
	"slices"

	tdb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/histoview/server/internal/pixelsource"
)

// Supported reports whether TileDB reads are compiled in.
func Supported() bool { return true }

// Array is one dense TileDB array read through subarray queries.
type Array struct {
	uri    string
	tctx   *tdb.Context
	dims   []dimension
	attr   string
	dtype  pixelsource.DType
	shape  []int
	chunks []int
}

type dimension struct {
	name   string
	bounds interface{} // []T{lo, hi} in the dimension's own type
	lo     int64
}

var _ pixelsource.Array = (*Array)(nil)

// OpenLevels opens one array per uri, highest resolution first.
func OpenLevels(uris []string) ([]pixelsource.Array, error) {
	resolved, err := resolveAll(uris)
	if err != nil {
		return nil, err
	}
	tctx, err := tdb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	out := make([]pixelsource.Array, len(resolved))
	for i, uri := range resolved {
		arr, err := openArray(tctx, uri)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		out[i] = arr
	}
	return out, nil
}

func openArray(tctx *tdb.Context, uri string) (*Array, error) {
	arr, err := tdb.NewArray(tctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tdb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	defer schema.Free()

	arrayType, err := schema.Type()
	if err != nil {
		return nil, fmt.Errorf("failed to get array type: %w", err)
	}
	if arrayType != tdb.TILEDB_DENSE {
		return nil, fmt.Errorf("array %s is not dense", uri)
	}

	attr, err := schema.AttributeFromIndex(0)
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute: %w", err)
	}
	defer attr.Free()
	attrName, err := attr.Name()
	if err != nil {
		return nil, err
	}
	attrType, err := attr.Type()
	if err != nil {
		return nil, err
	}
	dt, err := pixelType(attrType)
	if err != nil {
		return nil, err
	}

	domain, err := schema.Domain()
	if err != nil {
		return nil, fmt.Errorf("failed to get domain: %w", err)
	}
	defer domain.Free()
	ndim, err := domain.NDim()
	if err != nil {
		return nil, err
	}

	a := &Array{uri: uri, tctx: tctx, attr: attrName, dtype: dt}
	for i := uint(0); i < ndim; i++ {
		dim, err := domain.DimensionFromIndex(i)
		if err != nil {
			return nil, fmt.Errorf("failed to get dimension %d: %w", i, err)
		}
		name, err := dim.Name()
		if err != nil {
			dim.Free()
			return nil, err
		}
		bounds, err := dim.Domain()
		if err != nil {
			dim.Free()
			return nil, err
		}
		extent, err := dim.Extent()
		dim.Free()
		if err != nil {
			return nil, err
		}
		lo, hi, err := boundsMinMaxInt64(bounds)
		if err != nil {
			return nil, fmt.Errorf("dimension %s: %w", name, err)
		}
		ext, err := scalarInt64(extent)
		if err != nil {
			return nil, fmt.Errorf("dimension %s extent: %w", name, err)
		}
		a.dims = append(a.dims, dimension{name: name, bounds: bounds, lo: lo})
		a.shape = append(a.shape, int(hi-lo+1))
		a.chunks = append(a.chunks, int(ext))
	}
	return a, nil
}

func (a *Array) Shape() []int             { return slices.Clone(a.shape) }
func (a *Array) Chunks() []int            { return slices.Clone(a.chunks) }
func (a *Array) DType() pixelsource.DType { return a.dtype }

// Read runs one row-major subarray query. TileDB queries cannot be
// interrupted, so ctx is only checked around the submit.
func (a *Array) Read(ctx context.Context, sel []pixelsource.Slice) (*pixelsource.Slab, error) {
	if len(sel) != len(a.dims) {
		return nil, fmt.Errorf("selection rank %d != array rank %d", len(sel), len(a.dims))
	}
	total := 1
	var squeezed []int
	for _, s := range sel {
		total *= s.Len()
		if !s.Point {
			squeezed = append(squeezed, s.Len())
		}
	}
	buf := newBuffer(a.dtype, total)
	if total == 0 {
		return &pixelsource.Slab{Data: buf, Shape: squeezed}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	arr, err := tdb.NewArray(a.tctx, a.uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", a.uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tdb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	for i, s := range sel {
		d := a.dims[i]
		r, err := makeRange(d.bounds, d.lo+int64(s.Start), d.lo+int64(s.Stop)-1)
		if err != nil {
			return nil, fmt.Errorf("dimension %s: %w", d.name, err)
		}
		if err := sub.AddRangeByName(d.name, r); err != nil {
			return nil, fmt.Errorf("failed to add range on %s: %w", d.name, err)
		}
	}

	q, err := tdb.NewQuery(a.tctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tdb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set layout: %w", err)
	}
	if _, err := q.SetDataBuffer(a.attr, buf); err != nil {
		return nil, fmt.Errorf("failed to set buffer %s: %w", a.attr, err)
	}
	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("query status failed: %w", err)
	}
	if status != tdb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("unexpected query status: %v", status)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &pixelsource.Slab{Data: buf, Shape: squeezed}, nil
}

func pixelType(dt tdb.Datatype) (pixelsource.DType, error) {
	switch dt {
	case tdb.TILEDB_INT8:
		return pixelsource.Int8, nil
	case tdb.TILEDB_UINT8:
		return pixelsource.Uint8, nil
	case tdb.TILEDB_INT16:
		return pixelsource.Int16, nil
	case tdb.TILEDB_UINT16:
		return pixelsource.Uint16, nil
	case tdb.TILEDB_INT32:
		return pixelsource.Int32, nil
	case tdb.TILEDB_UINT32:
		return pixelsource.Uint32, nil
	case tdb.TILEDB_INT64:
		return pixelsource.Int64, nil
	case tdb.TILEDB_UINT64:
		return pixelsource.Uint64, nil
	case tdb.TILEDB_FLOAT32:
		return pixelsource.Float32, nil
	case tdb.TILEDB_FLOAT64:
		return pixelsource.Float64, nil
	}
	return "", fmt.Errorf("unsupported attribute datatype %v", dt)
}

func newBuffer(dt pixelsource.DType, n int) any {
	switch dt {
	case pixelsource.Int8:
		return make([]int8, n)
	case pixelsource.Uint8:
		return make([]uint8, n)
	case pixelsource.Int16:
		return make([]int16, n)
	case pixelsource.Uint16:
		return make([]uint16, n)
	case pixelsource.Int32:
		return make([]int32, n)
	case pixelsource.Uint32:
		return make([]uint32, n)
	case pixelsource.Int64:
		return make([]int64, n)
	case pixelsource.Uint64:
		return make([]uint64, n)
	case pixelsource.Float32:
		return make([]float32, n)
	default:
		return make([]float64, n)
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type %T", bounds)
}

func scalarInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	}
	return 0, fmt.Errorf("unsupported extent type %T", v)
}

// makeRange builds an inclusive range typed like the dimension's domain.
func makeRange(bounds interface{}, lo, hi int64) (tdb.Range, error) {
	switch bounds.(type) {
	case []int64:
		return tdb.MakeRange[int64](lo, hi), nil
	case []int32:
		return tdb.MakeRange[int32](int32(lo), int32(hi)), nil
	case []uint64:
		return tdb.MakeRange[uint64](uint64(lo), uint64(hi)), nil
	case []uint32:
		return tdb.MakeRange[uint32](uint32(lo), uint32(hi)), nil
	}
	return tdb.Range{}, fmt.Errorf("unsupported bounds type %T", bounds)
}
