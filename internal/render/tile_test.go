package render

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/histoview/server/internal/pixelsource"
)

func decode(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	return img
}

func rgba(c color.Color) color.RGBA {
	return color.RGBAModel.Convert(c).(color.RGBA)
}

func TestRenderPNGColormapWindow(t *testing.T) {
	r := NewTileRenderer(Config{DefaultColormap: "gray"})
	pd := &pixelsource.PixelData{
		Data:   []uint16{0, 100, 200, 0},
		Width:  2,
		Height: 2,
		DType:  pixelsource.OutUint16,
	}

	out, err := r.RenderPNG(pd, Options{Min: 0, Max: 200})
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img := decode(t, out)
	if got := rgba(img.At(0, 0)); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("pixel (0,0) = %v, want black", got)
	}
	if got := rgba(img.At(0, 1)); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("pixel (0,1) = %v, want white", got)
	}
}

func TestRenderPNGValidRegionTransparent(t *testing.T) {
	r := NewTileRenderer(Config{DefaultColormap: "viridis"})
	pd := &pixelsource.PixelData{
		Data:   []float32{1, 2, 0, 3, 4, 0, 0, 0, 0},
		Width:  3,
		Height: 3,
		DType:  pixelsource.OutFloat32,
	}

	out, err := r.RenderPNG(pd, Options{Valid: image.Rect(0, 0, 2, 2)})
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img := decode(t, out)
	if _, _, _, a := img.At(2, 2).RGBA(); a != 0 {
		t.Errorf("padding pixel alpha = %d, want 0", a)
	}
	if _, _, _, a := img.At(1, 1).RGBA(); a == 0 {
		t.Errorf("valid pixel should be opaque")
	}
}

func TestRenderPNGInterleavedRGB(t *testing.T) {
	r := NewTileRenderer(Config{})
	pd := &pixelsource.PixelData{
		Data:   []uint8{255, 0, 0, 0, 0, 255},
		Width:  2,
		Height: 1,
		DType:  pixelsource.OutUint8,
	}
	out, err := r.RenderPNG(pd, Options{})
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img := decode(t, out)
	if got := rgba(img.At(0, 0)); got != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("pixel (0,0) = %v", got)
	}
	if got := rgba(img.At(1, 0)); got != (color.RGBA{0, 0, 255, 255}) {
		t.Errorf("pixel (1,0) = %v", got)
	}
}

func TestRenderPNGOutline(t *testing.T) {
	r := NewTileRenderer(Config{DefaultColormap: "gray"})
	pd := &pixelsource.PixelData{
		Data:   make([]uint8, 16),
		Width:  4,
		Height: 4,
		DType:  pixelsource.OutUint8,
	}
	red := color.RGBA{255, 0, 0, 255}
	out, err := r.RenderPNG(pd, Options{Outline: red})
	if err != nil {
		t.Fatalf("RenderPNG: %v", err)
	}
	img := decode(t, out)
	if got := rgba(img.At(1, 0)); got.R < 200 || got.G > 50 {
		t.Errorf("edge pixel = %v, want outline", got)
	}
	if got := rgba(img.At(2, 2)); got.R != 0 {
		t.Errorf("inner pixel = %v, want untouched", got)
	}
}

func TestRenderPNGErrors(t *testing.T) {
	r := NewTileRenderer(Config{})
	if _, err := r.RenderPNG(nil, Options{}); err == nil {
		t.Errorf("expected error for nil data")
	}
	bad := &pixelsource.PixelData{Data: []uint16{1, 2, 3}, Width: 2, Height: 1, DType: pixelsource.OutUint16}
	if _, err := r.RenderPNG(bad, Options{}); err == nil {
		t.Errorf("expected error for mismatched length")
	}
}

func TestCreateEmptyTile(t *testing.T) {
	r := NewTileRenderer(Config{})
	out, err := r.CreateEmptyTile(8)
	if err != nil {
		t.Fatalf("CreateEmptyTile: %v", err)
	}
	img := decode(t, out)
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 8 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	if _, _, _, a := img.At(3, 3).RGBA(); a != 0 {
		t.Errorf("alpha = %d, want 0", a)
	}
}

func TestEncodeRaw(t *testing.T) {
	pd := &pixelsource.PixelData{Data: []uint16{1, 0x0203}, Width: 2, Height: 1, DType: pixelsource.OutUint16}
	got, err := EncodeRaw(pd)
	if err != nil {
		t.Fatalf("EncodeRaw: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 0, 3, 2}, got); diff != "" {
		t.Errorf("bytes mismatch (-want +got):\n%s", diff)
	}

	f := &pixelsource.PixelData{Data: []float32{1.5}, Width: 1, Height: 1, DType: pixelsource.OutFloat32}
	got, err = EncodeRaw(f)
	if err != nil {
		t.Fatalf("EncodeRaw: %v", err)
	}
	if v := binary.LittleEndian.Uint32(got); v != 0x3fc00000 {
		t.Errorf("float bits = %#x", v)
	}

	if _, err := EncodeRaw(&pixelsource.PixelData{Data: []string{"x"}}); err == nil {
		t.Errorf("expected error for unsupported buffer")
	}
}
