// Package colormap provides the color schemes used for neurons, compartments and previews.
package colormap

import (
	"fmt"
	"image/color"
	"math"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors. AtIndex picks the i-th discrete color.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// Gradient is a sequence of evenly spaced color stops blended linearly.
type Gradient []color.RGBA

// At blends the two stops around t. Values outside [0, 1] are clamped.
func (g Gradient) At(t float64) color.Color {
	t = math.Max(0, math.Min(1, t))
	pos := t * float64(len(g)-1)
	i := int(math.Floor(pos))
	if i >= len(g)-1 {
		return g[len(g)-1]
	}
	return lerp(g[i], g[i+1], pos-float64(i))
}

// AtIndex returns stop i, wrapping around.
func (g Gradient) AtIndex(i int) color.Color {
	return g[wrap(i, len(g))]
}

func lerp(a, b color.RGBA, f float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + f*(float64(y)-float64(x))))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Viridis colormap (matplotlib viridis), used for depth shading.
var Viridis = Gradient{
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
}

// Plasma is the matplotlib plasma map.
var Plasma = Gradient{
	{13, 8, 135, 255},
	{75, 3, 161, 255},
	{125, 3, 168, 255},
	{168, 34, 150, 255},
	{203, 70, 121, 255},
	{229, 107, 93, 255},
	{248, 148, 65, 255},
	{253, 195, 40, 255},
	{240, 249, 33, 255},
}

// Palette is a list of distinct colors for discrete items.
type Palette []color.RGBA

// At buckets t into one of the palette colors.
func (p Palette) At(t float64) color.Color {
	i := int(t * float64(len(p)))
	return p[max(0, min(i, len(p)-1))]
}

// AtIndex returns color i, wrapping around.
func (p Palette) AtIndex(i int) color.Color {
	return p[wrap(i, len(p))]
}

// Neurons is the palette new neurons are colored from, in selection order.
var Neurons = Palette{
	{31, 119, 180, 255},  // Blue
	{255, 127, 14, 255},  // Orange
	{44, 160, 44, 255},   // Green
	{214, 39, 40, 255},   // Red
	{148, 103, 189, 255}, // Purple
	{140, 86, 75, 255},   // Brown
	{227, 119, 194, 255}, // Pink
	{188, 189, 34, 255},  // Olive
	{23, 190, 207, 255},  // Cyan
	{174, 199, 232, 255}, // Light blue
	{255, 187, 120, 255}, // Light orange
	{152, 223, 138, 255}, // Light green
	{255, 152, 150, 255}, // Light red
	{197, 176, 213, 255}, // Light purple
	{247, 182, 210, 255}, // Light pink
	{158, 218, 229, 255}, // Light cyan
}

// ByName returns a colormap by name, falling back to Viridis.
func ByName(name string) Colormap {
	switch strings.ToLower(name) {
	case "plasma":
		return Plasma
	case "neurons", "categorical":
		return Neurons
	}
	return Viridis
}

// NeuronColor returns the hex color of the i-th neuron.
func NeuronColor(i int) string {
	return Hex(Neurons.AtIndex(i))
}

// Hex formats c as #rrggbb.
func Hex(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// ParseHex parses #rrggbb (the leading # is optional).
func ParseHex(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}
