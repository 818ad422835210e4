// Package render turns normalized pixel tiles into PNG or raw bytes.
package render

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/histoview/server/internal/pixelsource"
	"github.com/histoview/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
}

// Options controls how one tile is drawn.
type Options struct {
	Colormap string
	// Min and Max form the contrast window. When Max <= Min the window is
	// taken from the valid pixels of the tile.
	Min, Max float64
	// Valid is the part of the tile covered by image data; pixels outside
	// it are transparent. An empty rectangle means the whole tile.
	Valid image.Rectangle
	// Outline draws a 1px border, used to mark high-resolution tiles.
	Outline color.Color
}

// TileRenderer renders pixel data to PNG.
type TileRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if _, ok := colormap.Named(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "viridis"
	}
	return &TileRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// RenderPNG draws pd. Single-channel data goes through the colormap;
// 3 or 4 interleaved uint8 channels are drawn as RGB(A).
func (r *TileRenderer) RenderPNG(pd *pixelsource.PixelData, opts Options) ([]byte, error) {
	if pd == nil || pd.Width <= 0 || pd.Height <= 0 {
		return nil, fmt.Errorf("render: empty pixel data")
	}
	values, err := toFloat64(pd.Data)
	if err != nil {
		return nil, err
	}
	area := pd.Width * pd.Height
	if len(values) == 0 || len(values)%area != 0 {
		return nil, fmt.Errorf("render: %d values for %dx%d tile", len(values), pd.Width, pd.Height)
	}
	channels := len(values) / area

	valid := opts.Valid
	full := image.Rect(0, 0, pd.Width, pd.Height)
	if valid.Empty() {
		valid = full
	}
	valid = valid.Intersect(full)

	img := image.NewRGBA(full)
	switch {
	case channels == 1:
		cmap := r.colormap(opts.Colormap)
		lo, hi := opts.Min, opts.Max
		if hi <= lo {
			lo, hi = window(values, pd.Width, valid)
		}
		span := hi - lo
		if span == 0 {
			span = 1
		}
		for y := valid.Min.Y; y < valid.Max.Y; y++ {
			for x := valid.Min.X; x < valid.Max.X; x++ {
				v := values[y*pd.Width+x]
				if math.IsNaN(v) {
					continue
				}
				img.Set(x, y, cmap.At((v-lo)/span))
			}
		}
	case (channels == 3 || channels == 4) && pd.DType == pixelsource.OutUint8:
		for y := valid.Min.Y; y < valid.Max.Y; y++ {
			for x := valid.Min.X; x < valid.Max.X; x++ {
				i := (y*pd.Width + x) * channels
				c := color.RGBA{R: uint8(values[i]), G: uint8(values[i+1]), B: uint8(values[i+2]), A: 255}
				if channels == 4 {
					c.A = uint8(values[i+3])
				}
				img.Set(x, y, c)
			}
		}
	default:
		return nil, fmt.Errorf("render: cannot draw %d channels of %s", channels, pd.DType)
	}

	dc := gg.NewContextForRGBA(img)
	if opts.Outline != nil {
		dc.SetColor(opts.Outline)
		dc.SetLineWidth(1)
		dc.DrawRectangle(0.5, 0.5, float64(pd.Width)-1, float64(pd.Height)-1)
		dc.Stroke()
	}
	return r.encodeContext(dc)
}

func (r *TileRenderer) colormap(name string) colormap.Colormap {
	if c, ok := colormap.Named(name); ok {
		return c
	}
	c, _ := colormap.Named(r.config.DefaultColormap)
	return c
}

// window returns the min and max finite value inside valid.
func window(values []float64, stride int, valid image.Rectangle) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for y := valid.Min.Y; y < valid.Max.Y; y++ {
		for x := valid.Min.X; x < valid.Max.X; x++ {
			v := values[y*stride+x]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	if lo > hi {
		return 0, 1
	}
	return lo, hi
}

func (r *TileRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyTile creates an empty transparent tile.
func (r *TileRenderer) CreateEmptyTile(size int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeRaw returns the little-endian element bytes of pd.
func EncodeRaw(pd *pixelsource.PixelData) ([]byte, error) {
	switch pd.Data.(type) {
	case []uint8, []int8, []uint16, []int16, []uint32, []int32, []float32, []float64:
	default:
		return nil, fmt.Errorf("render: cannot encode %T", pd.Data)
	}
	return binary.Append(nil, binary.LittleEndian, pd.Data)
}

func toFloat64(data any) ([]float64, error) {
	switch d := data.(type) {
	case []uint8:
		return widen(d), nil
	case []int8:
		return widen(d), nil
	case []uint16:
		return widen(d), nil
	case []int16:
		return widen(d), nil
	case []uint32:
		return widen(d), nil
	case []int32:
		return widen(d), nil
	case []float32:
		return widen(d), nil
	case []float64:
		return d, nil
	}
	return nil, fmt.Errorf("render: unsupported buffer %T", data)
}

func widen[T pixelsource.Number](src []T) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}
