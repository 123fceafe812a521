// Package render turns a 2-D forecast grid into a color-mapped image.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Extent is [xmin, xmax, ymin, ymax] in EPSG:3857 metres.
type Extent [4]float64

// Raster is a north-up grid of values, row-major with row 0 at the top.
// NaN cells are missing.
type Raster struct {
	Width  int
	Height int
	Values []float64
	Extent Extent
}

// Scale fixes the color range. A zero Scale asks the renderer to derive the
// range from the data.
type Scale struct {
	Fixed bool
	Min   float64
	Max   float64
}

// Image is an encoded raster plus the range actually used for coloring.
type Image struct {
	Data        []byte
	ContentType string
	Extent      Extent
	ScaleMin    float64
	ScaleMax    float64
}

// Renderer encodes rasters.
type Renderer interface {
	Render(ctx context.Context, r Raster, scale Scale) (*Image, error)
}

// Sequential orange-red ramp; index 0 is the transparent slot for missing
// and zero cells.
var palette = []color.NRGBA{
	{0, 0, 0, 0},
	hex(0xfff7ec), hex(0xfee8c8), hex(0xfdd49e), hex(0xfdbb84),
	hex(0xfc8d59), hex(0xef6548), hex(0xd7301f), hex(0xb30000), hex(0x7f0000),
}

func hex(v uint32) color.NRGBA {
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// PNGRenderer renders rasters as paletted PNG images.
type PNGRenderer struct {
	// LowPercentile and HighPercentile bound the derived scale, as fractions.
	LowPercentile  float64
	HighPercentile float64
}

// NewPNGRenderer returns a renderer deriving its scale from the 2nd to the
// 98th percentile when no fixed scale is given.
func NewPNGRenderer() *PNGRenderer {
	return &PNGRenderer{LowPercentile: 0.02, HighPercentile: 0.98}
}

// Render implements Renderer.
func (p *PNGRenderer) Render(ctx context.Context, r Raster, scale Scale) (*Image, error) {
	if r.Width <= 0 || r.Height <= 0 || len(r.Values) != r.Width*r.Height {
		return nil, fmt.Errorf("raster shape %dx%d does not match %d values", r.Width, r.Height, len(r.Values))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lo, hi := scale.Min, scale.Max
	if !scale.Fixed {
		lo, hi = p.dataRange(r.Values)
	}

	pal := make(color.Palette, len(palette))
	for i, c := range palette {
		pal[i] = c
	}
	img := image.NewPaletted(image.Rect(0, 0, r.Width, r.Height), pal)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			img.SetColorIndex(x, y, colorIndex(r.Values[y*r.Width+x], lo, hi))
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return &Image{
		Data:        buf.Bytes(),
		ContentType: "image/png",
		Extent:      r.Extent,
		ScaleMin:    lo,
		ScaleMax:    hi,
	}, nil
}

func (p *PNGRenderer) dataRange(vals []float64) (float64, float64) {
	ok := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			ok = append(ok, v)
		}
	}
	if len(ok) == 0 {
		return 0, 0
	}
	sort.Float64s(ok)
	return stat.Quantile(p.LowPercentile, stat.Empirical, ok, nil),
		stat.Quantile(p.HighPercentile, stat.Empirical, ok, nil)
}

// colorIndex maps v onto the opaque palette slots. Zero and missing cells
// are transparent.
func colorIndex(v, lo, hi float64) uint8 {
	if math.IsNaN(v) || v == 0 {
		return 0
	}
	n := len(palette) - 1
	if hi <= lo {
		return uint8(n)
	}
	f := (v - lo) / (hi - lo)
	f = math.Max(0, math.Min(1, f))
	i := int(f * float64(n))
	if i == n {
		i = n - 1
	}
	return uint8(i + 1)
}
