// Package service provides business logic for the tile server.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log"
	"strconv"
	"time"

	"github.com/histoview/server/internal/cache"
	"github.com/histoview/server/internal/pixelsource"
	"github.com/histoview/server/internal/render"
)

var (
	// ErrTileUnavailable means the read was dropped or did not finish in
	// time; the client should retry.
	ErrTileUnavailable = errors.New("tile unavailable, retry later")
	// ErrOutOfRange is returned for tile coordinates outside the image.
	ErrOutOfRange = errors.New("tile out of range")
	// ErrInvalidLevel is returned for an unknown resolution level.
	ErrInvalidLevel = errors.New("invalid resolution level")
)

// Formats a tile can be served in.
const (
	FormatPNG = "png"
	FormatBin = "bin"
)

const fetchAttempts = 3

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	Dataset  *Dataset
	Cache    *cache.Manager
	Renderer *render.TileRenderer
	// Scheduler is shared by the static per-level sources; nil uses a
	// FrameScheduler with FrameInterval.
	Scheduler       pixelsource.Scheduler
	FrameInterval   time.Duration
	CleanupInterval time.Duration
	WaitTimeout     time.Duration
}

// RenderParams selects colormap and contrast for PNG output.
type RenderParams struct {
	Colormap string
	Min, Max float64
	// Outline marks tiles served at full resolution by a dynamic source.
	Outline bool
}

func (p RenderParams) cacheParams(sel pixelsource.Selection) map[string]string {
	m := map[string]string{
		"cmap": p.Colormap,
		"min":  strconv.FormatFloat(p.Min, 'g', -1, 64),
		"max":  strconv.FormatFloat(p.Max, 'g', -1, 64),
	}
	for k, v := range sel.ByLabel {
		m["sel."+k] = strconv.Itoa(v)
	}
	for i, v := range sel.Indices {
		m["idx."+strconv.Itoa(i)] = strconv.Itoa(v)
	}
	return m
}

// Tile is an encoded tile.
type Tile struct {
	Body     []byte
	Format   string
	Data     *pixelsource.PixelData
	HighRes  bool
	CacheHit bool
}

// LevelInfo describes one resolution level.
type LevelInfo struct {
	Level  int               `json:"level"`
	Shape  []int             `json:"shape"`
	Chunks []int             `json:"chunks"`
	DType  pixelsource.DType `json:"dtype"`
	Tiles  [2]int            `json:"tiles"`
}

// Metadata describes a dataset for clients.
type Metadata struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Source   string                 `json:"source"`
	Labels   pixelsource.Labels     `json:"labels"`
	TileSize int                    `json:"tile_size"`
	DType    pixelsource.OutputType `json:"dtype"`
	Levels   []LevelInfo            `json:"levels"`
}

// TileService serves one dataset: static tiles per pyramid level, rasters,
// and the per-session dynamic sources.
type TileService struct {
	dataset  *Dataset
	cache    *cache.Manager
	renderer *render.TileRenderer

	// Static reads build a fresh source per request so a batch never
	// spans two clients.
	sched  pixelsource.Scheduler
	dtype  pixelsource.OutputType
	levels int

	frameInterval   time.Duration
	cleanupInterval time.Duration
	waitTimeout     time.Duration
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) (*TileService, error) {
	ds := cfg.Dataset
	if ds == nil || len(ds.Levels) == 0 {
		return nil, pixelsource.ErrNoArrays
	}
	if ds.Labels == nil {
		ds.Labels = pixelsource.DefaultLabels(len(ds.Levels[0].Shape()))
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = pixelsource.NewFrameScheduler(cfg.FrameInterval)
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}

	s := &TileService{
		dataset:         ds,
		cache:           cfg.Cache,
		renderer:        cfg.Renderer,
		frameInterval:   cfg.FrameInterval,
		cleanupInterval: cfg.CleanupInterval,
		waitTimeout:     waitTimeout,
		sched:           sched,
		levels:          len(ds.Levels),
	}

	// Validate every level up front so per-request sources cannot fail.
	for i := range ds.Levels {
		src, err := s.staticSource(i)
		if err != nil {
			return nil, fmt.Errorf("dataset %s level %d: %w", ds.ID, i, err)
		}
		// Every level tiles with level 0's size.
		if i == 0 {
			ds.TileSize = src.TileSize()
			s.dtype = src.DType()
		}
	}
	if s.renderer == nil {
		s.renderer = render.NewTileRenderer(render.Config{})
	}
	return s, nil
}

// DatasetID returns the dataset id.
func (s *TileService) DatasetID() string { return s.dataset.ID }

// TileSize returns the tile edge in pixels.
func (s *TileService) TileSize() int { return s.dataset.TileSize }

// Metadata returns the dataset description.
func (s *TileService) Metadata() Metadata {
	md := Metadata{
		ID:       s.dataset.ID,
		Name:     s.dataset.Name,
		Source:   s.dataset.Source,
		Labels:   s.dataset.Labels,
		TileSize: s.dataset.TileSize,
		DType:    s.dtype,
	}
	for i, arr := range s.dataset.Levels {
		w, h := s.extent(i)
		md.Levels = append(md.Levels, LevelInfo{
			Level:  i,
			Shape:  arr.Shape(),
			Chunks: arr.Chunks(),
			DType:  arr.DType(),
			Tiles:  [2]int{ceilDiv(w, s.dataset.TileSize), ceilDiv(h, s.dataset.TileSize)},
		})
	}
	return md
}

// extent returns the x and y lengths of a level.
func (s *TileService) extent(level int) (w, h int) {
	shape := s.dataset.Levels[level].Shape()
	w, h = 1, 1
	if i := s.dataset.Labels.Index(pixelsource.AxisX); i >= 0 && i < len(shape) {
		w = shape[i]
	}
	if i := s.dataset.Labels.Index(pixelsource.AxisY); i >= 0 && i < len(shape) {
		h = shape[i]
	}
	return w, h
}

// valid returns the part of tile (x, y) covered by a w x h image.
func (s *TileService) valid(x, y, w, h int) image.Rectangle {
	ts := s.dataset.TileSize
	return image.Rect(0, 0, min(ts, w-x*ts), min(ts, h-y*ts))
}

// staticSource returns a single-level source with its own batcher.
func (s *TileService) staticSource(level int) (*pixelsource.PixelSource, error) {
	return pixelsource.New(s.dataset.Levels[level], pixelsource.Options{
		Labels:    s.dataset.Labels,
		TileSize:  s.dataset.TileSize,
		Scheduler: s.sched,
	})
}

func (s *TileService) checkTile(level, x, y int) error {
	if level < 0 || level >= s.levels {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	w, h := s.extent(level)
	ts := s.dataset.TileSize
	if x < 0 || y < 0 || x >= ceilDiv(w, ts) || y >= ceilDiv(h, ts) {
		return fmt.Errorf("%w: %d/%d at level %d", ErrOutOfRange, x, y, level)
	}
	return nil
}

// GetTile returns tile (x, y) of a pyramid level. PNG tiles are cached.
func (s *TileService) GetTile(ctx context.Context, level, x, y int, sel pixelsource.Selection, format string, params RenderParams) (*Tile, error) {
	if err := s.checkTile(level, x, y); err != nil {
		return nil, err
	}

	var key string
	if format == FormatPNG && s.cache != nil {
		key = cache.TileKey(s.dataset.ID, level, x, y, format, params.cacheParams(sel))
		if b, ok := s.cache.GetTile(key); ok {
			return &Tile{Body: b, Format: format, CacheHit: true}, nil
		}
	}

	src, err := s.staticSource(level)
	if err != nil {
		return nil, err
	}
	pd, err := s.fetch(ctx, func(ctx context.Context) *pixelsource.Future {
		return src.GetTile(ctx, pixelsource.TileRequest{X: x, Y: y, Selection: sel})
	})
	if err != nil {
		return nil, err
	}

	w, h := s.extent(level)
	t, err := s.encode(pd, format, params, s.valid(x, y, w, h), false)
	if err != nil {
		return nil, err
	}
	if key != "" {
		s.cache.SetTile(key, t.Body)
	}
	return t, nil
}

// GetRaster reads the full plane of a level.
func (s *TileService) GetRaster(ctx context.Context, level int, sel pixelsource.Selection) (*pixelsource.PixelData, error) {
	if level < 0 || level >= s.levels {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	src, err := s.staticSource(level)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, func(ctx context.Context) *pixelsource.Future {
		return src.GetRaster(ctx, sel)
	})
}

// NewDynamicSource builds a frame-driven source over all levels with its
// own scheduler. A nil frame starts centred on the image.
func (s *TileService) NewDynamicSource(frame *pixelsource.Frame, onEvict func([]pixelsource.TileCoord)) (*pixelsource.DynamicPixelSource, error) {
	if frame == nil {
		frame = s.DefaultFrame()
	}
	return pixelsource.NewDynamic(s.dataset.Levels, pixelsource.DynamicOptions{
		Options: pixelsource.Options{
			Labels:    s.dataset.Labels,
			TileSize:  s.dataset.TileSize,
			Scheduler: pixelsource.NewFrameScheduler(s.frameInterval),
		},
		CleanupInterval: s.cleanupInterval,
		Frame:           frame,
		OnEvict:         onEvict,
	})
}

// DefaultFrame is centred on level 0 with pixelsource.DefaultFrameSize.
func (s *TileService) DefaultFrame() *pixelsource.Frame {
	w, h := s.extent(0)
	return &pixelsource.Frame{
		Center: [2]float64{float64(w) / 2, float64(h) / 2},
		Size:   pixelsource.DefaultFrameSize,
	}
}

// GetDynamicTile serves tile (x, y) of the level-0 grid through src.
// Dynamic tiles depend on the frame and are never cached.
func (s *TileService) GetDynamicTile(ctx context.Context, src *pixelsource.DynamicPixelSource, x, y int, sel pixelsource.Selection, format string, params RenderParams) (*Tile, error) {
	if err := s.checkTile(0, x, y); err != nil {
		return nil, err
	}
	pd, err := s.fetch(ctx, func(ctx context.Context) *pixelsource.Future {
		return src.GetTile(ctx, pixelsource.TileRequest{X: x, Y: y, Selection: sel})
	})
	if err != nil {
		return nil, err
	}
	w, h := s.extent(0)
	// The level was chosen when the request was enqueued.
	return s.encode(pd, format, params, s.valid(x, y, w, h), pd.Resolution == 0)
}

func (s *TileService) encode(pd *pixelsource.PixelData, format string, params RenderParams, valid image.Rectangle, high bool) (*Tile, error) {
	t := &Tile{Format: format, Data: pd, HighRes: high}
	switch format {
	case FormatBin:
		b, err := render.EncodeRaw(pd)
		if err != nil {
			return nil, err
		}
		t.Body = b
	case FormatPNG:
		opts := render.Options{
			Colormap: params.Colormap,
			Min:      params.Min,
			Max:      params.Max,
			Valid:    valid,
		}
		if params.Outline && high {
			opts.Outline = color.RGBA{R: 255, G: 64, B: 64, A: 255}
		}
		b, err := s.renderer.RenderPNG(pd, opts)
		if err != nil {
			return nil, err
		}
		t.Body = b
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
	return t, nil
}

// fetch issues a request and waits for it, re-issuing it when the batch it
// joined is superseded. It gives up after waitTimeout.
func (s *TileService) fetch(ctx context.Context, issue func(context.Context) *pixelsource.Future) (*pixelsource.PixelData, error) {
	wctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()

	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		f := issue(wctx)
		select {
		case <-f.Done():
			return f.Result()
		case <-f.Dropped():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if wctx.Err() != nil {
				return nil, ErrTileUnavailable
			}
			log.Printf("[tiles] %s: request superseded, retrying (%d/%d)", s.dataset.ID, attempt, fetchAttempts)
		case <-wctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrTileUnavailable
		}
	}
	return nil, ErrTileUnavailable
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
