package pixelsource

import (
	"context"
	"log"
	"slices"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often a dynamic source sweeps its tracker.
const DefaultCleanupInterval = 2 * time.Second

// DynamicOptions configures a DynamicPixelSource.
type DynamicOptions struct {
	Options
	// CleanupInterval defaults to DefaultCleanupInterval.
	CleanupInterval time.Duration
	// Frame is the initial frame; nil means center (0,0) with DefaultFrameSize.
	Frame *Frame
	// OnEvict, when set, receives the coordinates dropped by each sweep.
	OnEvict func([]TileCoord)
}

type dynamicState struct {
	frame       Frame
	tracker     *TileTracker
	stopCleanup func()
	disposed    bool
}

// DynamicPixelSource serves tiles at full resolution inside the current
// frame and from the lowest-resolution array everywhere else.
type DynamicPixelSource struct {
	l       *levels
	onEvict func([]TileCoord)

	mu    sync.Mutex
	state dynamicState
}

// NewDynamic returns a dynamic source over arrays ordered from highest to
// lowest resolution and starts its periodic sweep.
func NewDynamic(arrays []Array, opts DynamicOptions) (*DynamicPixelSource, error) {
	l, err := newLevels(arrays, opts.Options)
	if err != nil {
		return nil, err
	}

	frame := Frame{Size: DefaultFrameSize}
	if opts.Frame != nil {
		frame = clampFrame(*opts.Frame)
	}
	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	d := &DynamicPixelSource{
		l:       l,
		onEvict: opts.OnEvict,
		state: dynamicState{
			frame:   frame,
			tracker: NewTileTracker(),
		},
	}
	d.state.stopCleanup = l.sched.Every(interval, d.cleanup)
	return d, nil
}

func clampFrame(f Frame) Frame {
	f.Size[0] = max(0, f.Size[0])
	f.Size[1] = max(0, f.Size[1])
	return f
}

// GetTile resolves req against the frame as it stands at call time.
func (d *DynamicPixelSource) GetTile(ctx context.Context, req TileRequest) *Future {
	d.mu.Lock()
	high := IsHighRes(req.X, req.Y, d.state.frame, d.l.tileSize)
	if high && !d.state.disposed {
		d.state.tracker.Add(TileCoord{X: req.X, Y: req.Y})
	}
	d.mu.Unlock()

	level := 0
	if !high {
		level = len(d.l.arrays) - 1
	}
	return d.l.tile(ctx, req, level)
}

// GetRaster always reads the highest-resolution array.
func (d *DynamicPixelSource) GetRaster(ctx context.Context, sel Selection) *Future {
	return d.l.raster(ctx, sel)
}

// UpdateFrame moves the frame and sweeps tiles that fell out of it.
// Negative sizes are clamped to zero.
func (d *DynamicPixelSource) UpdateFrame(center, size [2]float64) {
	d.mu.Lock()
	d.state.frame = clampFrame(Frame{Center: center, Size: size})
	d.mu.Unlock()
	d.cleanup()
}

// Frame returns the current frame.
func (d *DynamicPixelSource) Frame() Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.frame
}

// HighResTiles returns the tiles currently tracked at full resolution.
func (d *DynamicPixelSource) HighResTiles() []TileCoord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.tracker.Tiles()
}

func (d *DynamicPixelSource) cleanup() {
	d.mu.Lock()
	frame, ts := d.state.frame, d.l.tileSize
	removed := d.state.tracker.Sweep(func(c TileCoord) bool {
		return IsHighRes(c.X, c.Y, frame, ts)
	})
	d.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	log.Printf("[pixelsource] cleaned up %d high-res tiles outside frame", len(removed))
	if d.onEvict != nil {
		d.onEvict(removed)
	}
}

// Dispose stops the sweep and forgets every tracked tile. Safe to call
// more than once.
func (d *DynamicPixelSource) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.stopCleanup != nil {
		d.state.stopCleanup()
		d.state.stopCleanup = nil
	}
	d.state.tracker.Clear()
	d.state.disposed = true
}

// Shape returns the shape of the highest-resolution array.
func (d *DynamicPixelSource) Shape() []int { return d.l.arrays[0].Shape() }

// Levels returns the number of resolution levels.
func (d *DynamicPixelSource) Levels() int { return len(d.l.arrays) }

// DType returns the renderer format of returned data.
func (d *DynamicPixelSource) DType() OutputType { return d.l.norms[0].Output() }

// TileSize returns the tile edge in pixels.
func (d *DynamicPixelSource) TileSize() int { return d.l.tileSize }

// Labels returns the axis labels.
func (d *DynamicPixelSource) Labels() Labels { return slices.Clone(d.l.labels) }

// Batcher exposes the request batcher for instrumentation.
func (d *DynamicPixelSource) Batcher() *Batcher { return d.l.batcher }
