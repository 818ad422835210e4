package pixelsource

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrNoArrays is returned when a source is built without any array.
var ErrNoArrays = errors.New("pixelsource: at least one array is required")

// Options configures a pixel source.
type Options struct {
	// Labels names the array axes; defaults to DefaultLabels(rank).
	Labels Labels
	// TileSize is the tile edge in pixels; defaults to the last chunk dimension.
	TileSize int
	// Scheduler drives batch flushes; defaults to NewFrameScheduler(0).
	Scheduler Scheduler
}

// TileRequest asks for tile (X, Y) at the non-spatial position Selection.
type TileRequest struct {
	X, Y      int
	Selection Selection
}

// levels holds what both source variants share: the arrays ordered from
// high to low resolution, one normalizer each, and the request batcher.
type levels struct {
	arrays   []Array
	norms    []*Normalizer
	labels   Labels
	tileSize int
	sched    Scheduler
	batcher  *Batcher
}

func newLevels(arrays []Array, opts Options) (*levels, error) {
	if len(arrays) == 0 || slices.Contains(arrays, nil) {
		return nil, ErrNoArrays
	}
	base := arrays[0]

	labels := opts.Labels
	if labels == nil {
		labels = DefaultLabels(len(base.Shape()))
	}
	if err := labels.Validate(); err != nil {
		return nil, err
	}

	tileSize := opts.TileSize
	if tileSize <= 0 {
		if chunks := base.Chunks(); len(chunks) > 0 {
			tileSize = chunks[len(chunks)-1]
		}
	}
	if tileSize <= 0 {
		return nil, fmt.Errorf("pixelsource: invalid tile size %d", tileSize)
	}

	norms := make([]*Normalizer, len(arrays))
	for i, arr := range arrays {
		n, err := NewNormalizer(arr.DType())
		if err != nil {
			return nil, fmt.Errorf("resolution %d: %w", i, err)
		}
		norms[i] = n
	}

	sched := opts.Scheduler
	if sched == nil {
		sched = NewFrameScheduler(0)
	}

	return &levels{
		arrays:   arrays,
		norms:    norms,
		labels:   slices.Clone(labels),
		tileSize: tileSize,
		sched:    sched,
		batcher:  NewBatcher(sched),
	}, nil
}

func (l *levels) axisLen(level int, axis string) int {
	shape := l.arrays[level].Shape()
	i := l.labels.Index(axis)
	if i < 0 || i >= len(shape) {
		return 1
	}
	return shape[i]
}

func (l *levels) raster(ctx context.Context, sel Selection) *Future {
	shape := l.arrays[0].Shape()
	vec := BuildSelection(sel, l.labels, shape,
		Span(0, l.axisLen(0, AxisX)), Span(0, l.axisLen(0, AxisY)))
	norm := l.norms[0]
	return l.batcher.enqueue(&pendingRequest{
		array:      l.arrays[0],
		resolution: 0,
		selection:  vec,
		ctx:        ctx,
		finish: func(slab *Slab) (*PixelData, error) {
			h, w, _ := l.geometry(vec, slab)
			data, err := norm.Apply(slab.Data)
			if err != nil {
				return nil, err
			}
			return &PixelData{Data: data, Width: w, Height: h, DType: norm.Output()}, nil
		},
	})
}

// tile enqueues tile req read from the given level. Coordinates are always
// in the level-0 tile grid; lower levels read the same region scaled down
// and are upsampled back to level-0 geometry.
func (l *levels) tile(ctx context.Context, req TileRequest, level int) *Future {
	ts := l.tileSize
	w0, h0 := l.axisLen(0, AxisX), l.axisLen(0, AxisY)
	x0, x1 := clampRange(req.X*ts, (req.X+1)*ts, w0)
	y0, y1 := clampRange(req.Y*ts, (req.Y+1)*ts, h0)

	xs, ys := Span(x0, x1), Span(y0, y1)
	var lx0, ly0 int
	lw, lh := l.axisLen(level, AxisX), l.axisLen(level, AxisY)
	scaled := level > 0 && (lw != w0 || lh != h0)
	if scaled {
		lx0, ly0 = x0*lw/w0, y0*lh/h0
		xs = Span(lx0, ceilDiv(x1*lw, w0))
		ys = Span(ly0, ceilDiv(y1*lh, h0))
	}

	vec := BuildSelection(req.Selection, l.labels, l.arrays[level].Shape(), xs, ys)
	norm := l.norms[level]
	coord := TileCoord{X: req.X, Y: req.Y}

	return l.batcher.enqueue(&pendingRequest{
		array:      l.arrays[level],
		resolution: level,
		tile:       &coord,
		selection:  vec,
		ctx:        ctx,
		finish: func(slab *Slab) (*PixelData, error) {
			h, w, c := l.geometry(vec, slab)
			data := slab.Data
			if scaled {
				var err error
				data, err = ResampleBuffer(data, h, w, c, y1-y0, x1-x0,
					func(r int) int { return (y0+r)*lh/h0 - ly0 },
					func(col int) int { return (x0+col)*lw/w0 - lx0 })
				if err != nil {
					return nil, err
				}
				h, w = y1-y0, x1-x0
			}
			data, err := norm.Apply(data)
			if err != nil {
				return nil, err
			}
			data, err = PadBuffer(data, h, w, c, ts)
			if err != nil {
				return nil, err
			}
			return &PixelData{Data: data, Width: ts, Height: ts, DType: norm.Output(), Resolution: level}, nil
		},
	})
}

// geometry derives height, width and channel count of slab from the
// selection it was read with. Point axes are absent from slab.Shape.
func (l *levels) geometry(vec []Slice, slab *Slab) (h, w, c int) {
	h, w, c = 1, 1, 1
	dim := 0
	for i, s := range vec {
		if s.Point {
			continue
		}
		n := s.Len()
		if dim < len(slab.Shape) {
			n = slab.Shape[dim]
		}
		dim++
		switch l.labels[i] {
		case AxisY:
			h = n
		case AxisX:
			w = n
		case AxisRGBA:
			c = n
		}
	}
	return h, w, c
}

func clampRange(start, stop, n int) (int, int) {
	start = max(0, min(start, n))
	return start, max(start, min(stop, n))
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// PixelSource serves tiles from a single resolution level.
type PixelSource struct {
	l *levels
}

// New returns a pixel source over arr.
func New(arr Array, opts Options) (*PixelSource, error) {
	l, err := newLevels([]Array{arr}, opts)
	if err != nil {
		return nil, err
	}
	return &PixelSource{l: l}, nil
}

// GetRaster reads the full x/y extent at sel. ctx is the caller's
// cancellation token.
func (s *PixelSource) GetRaster(ctx context.Context, sel Selection) *Future {
	return s.l.raster(ctx, sel)
}

// GetTile reads one tileSize x tileSize tile.
func (s *PixelSource) GetTile(ctx context.Context, req TileRequest) *Future {
	return s.l.tile(ctx, req, 0)
}

// Shape returns the array shape.
func (s *PixelSource) Shape() []int { return s.l.arrays[0].Shape() }

// DType returns the renderer format of returned data.
func (s *PixelSource) DType() OutputType { return s.l.norms[0].Output() }

// TileSize returns the tile edge in pixels.
func (s *PixelSource) TileSize() int { return s.l.tileSize }

// Labels returns the axis labels.
func (s *PixelSource) Labels() Labels { return slices.Clone(s.l.labels) }

// Batcher exposes the request batcher for instrumentation.
func (s *PixelSource) Batcher() *Batcher { return s.l.batcher }

// Dispose is a no-op kept for parity with DynamicPixelSource.
func (s *PixelSource) Dispose() {}
