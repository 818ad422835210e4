// Package colormap maps normalized intensities to display colors.
package colormap

import (
	"image/color"
	"math"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap interpolates between evenly spaced color stops.
type LinearColormap struct {
	stops []color.RGBA
}

// At returns the color at position t. Values outside [0, 1] clamp to the
// end stops and NaN maps to the first stop.
func (c LinearColormap) At(t float64) color.Color {
	last := len(c.stops) - 1
	switch {
	case math.IsNaN(t) || t <= 0:
		return c.stops[0]
	case t >= 1:
		return c.stops[last]
	}
	pos := t * float64(last)
	i := int(pos)
	if i >= last {
		return c.stops[last]
	}
	return lerp(c.stops[i], c.stops[i+1], pos-float64(i))
}

// lerp truncates toward the lower stop.
func lerp(a, b color.RGBA, f float64) color.RGBA {
	mix := func(x, y uint8) uint8 { return uint8(float64(x) + f*(float64(y)-float64(x))) }
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	stops: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	stops: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	stops: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	stops: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Seurat colormap (lightgrey to red, as in Seurat's FeaturePlot)
var Seurat = LinearColormap{
	stops: []color.RGBA{
		{211, 211, 211, 255},
		{255, 0, 0, 255},
	},
}

// Gray is a linear black to white ramp for single-channel fluorescence.
var Gray = LinearColormap{
	stops: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

// Named returns the colormap registered under name.
func Named(name string) (Colormap, bool) {
	switch name {
	case "viridis":
		return Viridis, true
	case "plasma":
		return Plasma, true
	case "inferno":
		return Inferno, true
	case "magma":
		return Magma, true
	case "seurat":
		return Seurat, true
	case "gray", "grey":
		return Gray, true
	}
	return nil, false
}
