package forecasts

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ctessum/geom/proj"

	"firerisk/internal/types"
)

const (
	webMercatorProj = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs"
	geographicProj  = "+proj=longlat"

	// padFraction of the median grid step is added on every side of a box
	// so boxes smaller than one cell still cover a grid point.
	padFraction = 0.51
)

// BBox is an axis-aligned box in EPSG:3857 metres.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// String renders the box the way clients send it.
func (b BBox) String() string {
	return fmt.Sprintf("%v,%v,%v,%v", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// GeoBox is a box in geographic degrees. LonMin > LonMax denotes a box that
// wraps across the antimeridian.
type GeoBox struct {
	LonMin float64 `json:"lon_min"`
	LatMin float64 `json:"lat_min"`
	LonMax float64 `json:"lon_max"`
	LatMax float64 `json:"lat_max"`
}

// decodeParam percent-decodes a query value. Values whose commas arrive
// double-encoded are decoded a second time.
func decodeParam(raw string) string {
	s, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	if strings.Contains(strings.ToUpper(s), "%2C") {
		if s2, err := url.PathUnescape(s); err == nil {
			return s2
		}
	}
	return s
}

func parseFloats(raw string, n int) ([]float64, bool) {
	parts := strings.Split(decodeParam(raw), ",")
	if len(parts) != n {
		return nil, false
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// ParseBBox parses "x_min,y_min,x_max,y_max" in EPSG:3857.
func ParseBBox(raw string) (BBox, error) {
	v, ok := parseFloats(raw, 4)
	if !ok {
		return BBox{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBBox,
			"bbox must be four comma-separated numbers: x_min,y_min,x_max,y_max (EPSG:3857)",
			nil, map[string]any{"bbox": raw})
	}
	return BBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}

// ParsePoint parses "x,y" in EPSG:3857.
func ParsePoint(raw string) (x, y float64, err error) {
	v, ok := parseFloats(raw, 2)
	if !ok {
		return 0, 0, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidCoords,
			"coords must be two comma-separated numbers: x,y (EPSG:3857)",
			nil, map[string]any{"coords": raw})
	}
	return v[0], v[1], nil
}

// Projector converts between web mercator and geographic coordinates.
type Projector struct {
	toGeo  proj.Transformer
	toMerc proj.Transformer
}

// NewProjector builds the EPSG:3857 <-> EPSG:4326 transforms.
func NewProjector() (*Projector, error) {
	merc, err := proj.Parse(webMercatorProj)
	if err != nil {
		return nil, fmt.Errorf("parsing web mercator projection: %w", err)
	}
	geo, err := proj.Parse(geographicProj)
	if err != nil {
		return nil, fmt.Errorf("parsing geographic projection: %w", err)
	}
	toGeo, err := merc.NewTransform(geo)
	if err != nil {
		return nil, fmt.Errorf("building mercator to geographic transform: %w", err)
	}
	toMerc, err := geo.NewTransform(merc)
	if err != nil {
		return nil, fmt.Errorf("building geographic to mercator transform: %w", err)
	}
	return &Projector{toGeo: toGeo, toMerc: toMerc}, nil
}

// ToGeo converts a mercator point to (lon, lat).
func (p *Projector) ToGeo(x, y float64) (lon, lat float64, err error) {
	return p.toGeo(x, y)
}

// ToMercator converts (lon, lat) to a mercator point.
func (p *Projector) ToMercator(lon, lat float64) (x, y float64, err error) {
	return p.toMerc(lon, lat)
}

// BBoxToGeo reprojects the box corners and orders latitude. Longitude order
// is kept so a box drawn across the antimeridian stays wrapped.
func (p *Projector) BBoxToGeo(b BBox) (GeoBox, error) {
	lonMin, latMin, err := p.ToGeo(b.MinX, b.MinY)
	if err != nil {
		return GeoBox{}, invalidBBox(b, err)
	}
	lonMax, latMax, err := p.ToGeo(b.MaxX, b.MaxY)
	if err != nil {
		return GeoBox{}, invalidBBox(b, err)
	}
	if latMin > latMax {
		latMin, latMax = latMax, latMin
	}
	return GeoBox{LonMin: lonMin, LatMin: latMin, LonMax: lonMax, LatMax: latMax}, nil
}

func invalidBBox(b BBox, err error) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBBox,
		"bbox cannot be reprojected", err, map[string]any{"bbox": b.String()})
}

// Window is a rectangular selection of grid indices with their coordinates.
type Window struct {
	LatIdx []int
	LonIdx []int
	Lats   []float64
	Lons   []float64
}

// Cells returns the number of grid points in the window.
func (w Window) Cells() int { return len(w.LatIdx) * len(w.LonIdx) }

// Subset selects the grid points inside box. A nil box selects the whole
// grid. The box is padded by half a grid step; when it still covers
// nothing, the single grid point nearest the box center is returned.
func Subset(lats, lons []float64, box *GeoBox) Window {
	if box == nil {
		return window(lats, lons, seq(len(lats)), seq(len(lons)))
	}

	padLat := padFraction * medianStep(lats)
	padLon := padFraction * medianStep(lons)
	latMin, latMax := box.LatMin, box.LatMax
	if latMin > latMax {
		latMin, latMax = latMax, latMin
	}
	lonMin, lonMax := box.LonMin-padLon, box.LonMax+padLon
	wraps := lonMin > lonMax

	var latIdx, lonIdx []int
	for i, v := range lats {
		if v >= latMin-padLat && v <= latMax+padLat {
			latIdx = append(latIdx, i)
		}
	}
	for i, v := range lons {
		in := v >= lonMin && v <= lonMax
		if wraps {
			in = v >= lonMin || v <= lonMax
		}
		if in {
			lonIdx = append(lonIdx, i)
		}
	}

	if len(latIdx) == 0 || len(lonIdx) == 0 {
		if len(lats) == 0 || len(lons) == 0 {
			return Window{}
		}
		cLat := (box.LatMin + box.LatMax) / 2
		cLon := lonCenter(box.LonMin, box.LonMax)
		latIdx = []int{NearestIndex(lats, cLat)}
		lonIdx = []int{nearestLon(lons, cLon)}
	}
	return window(lats, lons, latIdx, lonIdx)
}

func window(lats, lons []float64, latIdx, lonIdx []int) Window {
	w := Window{LatIdx: latIdx, LonIdx: lonIdx}
	w.Lats = make([]float64, len(latIdx))
	for i, j := range latIdx {
		w.Lats[i] = lats[j]
	}
	w.Lons = make([]float64, len(lonIdx))
	for i, j := range lonIdx {
		w.Lons[i] = lons[j]
	}
	return w
}

// lonCenter is the midpoint of a longitude span, following the wrap when
// min exceeds max.
func lonCenter(lonMin, lonMax float64) float64 {
	if lonMin <= lonMax {
		return (lonMin + lonMax) / 2
	}
	return NormalizeLon(lonMin + (lonMax+360-lonMin)/2)
}

// NormalizeLon maps a longitude into [-180, 180).
func NormalizeLon(lon float64) float64 {
	l := math.Mod(lon+180, 360)
	if l < 0 {
		l += 360
	}
	return l - 180
}

// NearestIndex returns the index of the axis value closest to v. Ties go to
// the lower index.
func NearestIndex(axis []float64, v float64) int {
	best := -1
	for i, a := range axis {
		if best < 0 || math.Abs(a-v) < math.Abs(axis[best]-v) {
			best = i
		}
	}
	return best
}

// nearestLon is NearestIndex with great-circle longitude distance.
func nearestLon(axis []float64, v float64) int {
	dist := func(a float64) float64 { return math.Abs(NormalizeLon(a - v)) }
	best := -1
	for i, a := range axis {
		if best < 0 || dist(a) < dist(axis[best]) {
			best = i
		}
	}
	return best
}

// medianStep is the median absolute spacing of an axis; zero for axes with
// fewer than two points.
func medianStep(axis []float64) float64 {
	if len(axis) < 2 {
		return 0
	}
	d := make([]float64, 0, len(axis)-1)
	for i := 1; i < len(axis); i++ {
		if step := math.Abs(axis[i] - axis[i-1]); !math.IsNaN(step) {
			d = append(d, step)
		}
	}
	if len(d) == 0 {
		return 0
	}
	sort.Float64s(d)
	return median(d)
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
