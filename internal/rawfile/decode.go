package rawfile

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"firerisk/internal/types"
)

// maxLeadHours bounds hour offsets; anything outside [0, maxLeadHours] is
// treated as a corrupt time label and its lead slice is dropped.
const maxLeadHours = 1e5

var (
	latNames  = []string{"lat", "latitude"}
	lonNames  = []string{"lon", "longitude"}
	timeNames = []string{"time", "valid_time", "forecast_time", "step"}
)

// Run is one raw file normalized to the canonical layout.
type Run struct {
	Dataset    string
	RunTime    time.Time
	Variable   string
	Lats       []float64
	Lons       []float64
	ValidTimes []time.Time
	// Values is row-major [lead][lat][lon]; missing cells are NaN.
	Values []float32
}

// Leads returns the number of lead slices.
func (r *Run) Leads() int { return len(r.ValidTimes) }

// CellCount returns the number of cells in one lead slice.
func (r *Run) CellCount() int { return len(r.Lats) * len(r.Lons) }

// Slice returns the values of one lead.
func (r *Run) Slice(lead int) []float32 {
	n := r.CellCount()
	return r.Values[lead*n : (lead+1)*n]
}

// Load opens path with opener and decodes it for the given profile.
func Load(opener Opener, path string, profile types.DatasetProfile, runTime time.Time) (*Run, error) {
	src, err := opener.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	run, err := Decode(src, profile, runTime)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return run, nil
}

// Decode reads coordinates and the profile's data variable from src and
// normalizes them. Structural surprises (missing variable, unexpected
// dimensions) fail with internal_schema_mismatch.
func Decode(src Source, profile types.DatasetProfile, runTime time.Time) (*Run, error) {
	latVar, latName, err := findVariable(src, latNames)
	if err != nil {
		return nil, err
	}
	lonVar, lonName, err := findVariable(src, lonNames)
	if err != nil {
		return nil, err
	}
	lats, err := flatten(latVar.Values)
	if err != nil {
		return nil, schemaErr(fmt.Sprintf("latitude: %v", err), nil)
	}
	lons, err := flatten(lonVar.Values)
	if err != nil {
		return nil, schemaErr(fmt.Sprintf("longitude: %v", err), nil)
	}

	dataVar, err := src.Variable(profile.Variable)
	if err != nil || dataVar == nil {
		return nil, schemaErr(fmt.Sprintf("variable %q not found", profile.Variable), err)
	}

	timeVar, timeName, _ := findVariable(src, timeNames)

	order, err := axisOrder(dataVar.Dims, timeName, latName, lonName)
	if err != nil {
		return nil, err
	}

	raw, err := flatten(dataVar.Values)
	if err != nil {
		return nil, schemaErr(fmt.Sprintf("%s: %v", profile.Variable, err), nil)
	}
	applyPacking(raw, dataVar.Attrs)

	cells := len(lats) * len(lons)
	if cells == 0 || len(raw)%cells != 0 {
		return nil, schemaErr(fmt.Sprintf("data has %d values for a %dx%d grid", len(raw), len(lats), len(lons)), nil)
	}
	nLead := len(raw) / cells

	var (
		timeVals  []float64
		timeAttrs map[string]any
	)
	hasTime := timeVar != nil
	if hasTime {
		timeVals, err = flatten(timeVar.Values)
		if err != nil {
			return nil, schemaErr(fmt.Sprintf("time: %v", err), nil)
		}
		timeAttrs = timeVar.Attrs
	} else {
		timeVals = make([]float64, nLead)
	}
	if len(timeVals) != nLead {
		return nil, schemaErr(fmt.Sprintf("time axis has %d labels for %d leads", len(timeVals), nLead), nil)
	}

	values := transposeToLeadLatLon(raw, order, nLead, len(lats), len(lons))

	valid, keep, err := decodeValidTimes(timeVals, timeAttrs, hasTime, profile, runTime)
	if err != nil {
		return nil, err
	}

	run := &Run{
		Dataset:  profile.Name,
		RunTime:  runTime,
		Variable: profile.Variable,
		Lats:     lats,
		Lons:     lons,
	}
	for i, ok := range keep {
		if !ok {
			continue
		}
		run.ValidTimes = append(run.ValidTimes, valid[i])
		run.Values = append(run.Values, values[i*cells:(i+1)*cells]...)
	}

	if run.Leads() == 0 {
		return nil, schemaErr(fmt.Sprintf("no usable lead labels among %d time values", len(timeVals)), nil)
	}

	if profile.WrapLongitude {
		wrapLongitudes(run)
	}
	maskInvalid(run.Values, profile)
	return run, nil
}

func schemaErr(msg string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeInternalSchemaMismatch, msg, err)
}

func findVariable(src Source, names []string) (*Variable, string, error) {
	for _, n := range names {
		v, err := src.Variable(n)
		if err == nil && v != nil {
			return v, n, nil
		}
	}
	return nil, "", schemaErr(fmt.Sprintf("none of %v present", names), nil)
}

// axisOrder maps the data variable's dims to "t", "y", "x".
func axisOrder(dims []string, timeName, latName, lonName string) ([]string, error) {
	var order []string
	for _, d := range dims {
		switch {
		case d == latName:
			order = append(order, "y")
		case d == lonName:
			order = append(order, "x")
		case timeName != "" && d == timeName:
			order = append(order, "t")
		default:
			return nil, schemaErr(fmt.Sprintf("unexpected dimension %q in %v", d, dims), nil)
		}
	}
	if len(order) != 2 && len(order) != 3 {
		return nil, schemaErr(fmt.Sprintf("unsupported dimensions %v", dims), nil)
	}
	return order, nil
}

// transposeToLeadLatLon reorders raw values (laid out by order) into
// [lead][lat][lon].
func transposeToLeadLatLon(raw []float64, order []string, nT, nY, nX int) []float32 {
	size := map[string]int{"t": nT, "y": nY, "x": nX}
	if len(order) == 2 {
		order = append([]string{"t"}, order...)
	}

	strides := make(map[string]int, 3)
	stride := 1
	for i := len(order) - 1; i >= 0; i-- {
		strides[order[i]] = stride
		stride *= size[order[i]]
	}

	out := make([]float32, nT*nY*nX)
	i := 0
	for t := 0; t < nT; t++ {
		for y := 0; y < nY; y++ {
			base := t*strides["t"] + y*strides["y"]
			for x := 0; x < nX; x++ {
				out[i] = float32(raw[base+x*strides["x"]])
				i++
			}
		}
	}
	return out
}

// flatten walks nested slices of any numeric kind into a flat []float64.
func flatten(v any) ([]float64, error) {
	var out []float64
	var walk func(rv reflect.Value) error
	walk = func(rv reflect.Value) error {
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if err := walk(rv.Index(i)); err != nil {
					return err
				}
			}
		case reflect.Float32, reflect.Float64:
			out = append(out, rv.Float())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out = append(out, float64(rv.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out = append(out, float64(rv.Uint()))
		case reflect.Interface:
			return walk(rv.Elem())
		default:
			return fmt.Errorf("unsupported value kind %s", rv.Kind())
		}
		return nil
	}
	if v == nil {
		return nil, fmt.Errorf("no values")
	}
	if err := walk(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return out, nil
}

// attrFloat returns a numeric attribute; single-element slices are unwrapped.
func attrFloat(attrs map[string]any, key string) (float64, bool) {
	v, ok := attrs[key]
	if !ok {
		return 0, false
	}
	vals, err := flatten(v)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func attrString(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}

// applyPacking masks fill values and applies CF scale_factor/add_offset.
func applyPacking(vals []float64, attrs map[string]any) {
	fill, hasFill := attrFloat(attrs, "_FillValue")
	missing, hasMissing := attrFloat(attrs, "missing_value")
	scale, hasScale := attrFloat(attrs, "scale_factor")
	offset, hasOffset := attrFloat(attrs, "add_offset")
	if !hasScale {
		scale = 1
	}
	if !hasOffset {
		offset = 0
	}
	for i, v := range vals {
		if (hasFill && v == fill) || (hasMissing && v == missing) {
			vals[i] = math.NaN()
			continue
		}
		if hasScale || hasOffset {
			vals[i] = v*scale + offset
		}
	}
}

// decodeValidTimes converts the raw time labels into valid times. The keep
// mask marks leads whose labels are usable.
//
// The encoding is read from the units attribute: "<unit> since <ref>" is an
// absolute axis, a bare unit or no units at all means offsets since the run
// (hours when unitless). The profile's LeadEncoding only decides units that
// are present but unrecognized.
func decodeValidTimes(vals []float64, attrs map[string]any, hasTime bool, profile types.DatasetProfile, runTime time.Time) ([]time.Time, []bool, error) {
	units := strings.TrimSpace(attrString(attrs, "units"))
	unit, ref, absolute := parseCFUnits(units)

	step := time.Hour
	if !absolute && units != "" {
		if u, ok := parseTimeUnit(units); ok {
			step = u
		} else if profile.LeadEncoding == types.LeadAbsolute {
			return nil, nil, schemaErr(fmt.Sprintf("unrecognized time units %q", units), nil)
		}
	}

	valid := make([]time.Time, len(vals))
	keep := make([]bool, len(vals))

	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		switch {
		case !hasTime:
			// No time variable at all: every slice is labelled with the run time.
			valid[i], keep[i] = runTime, true
		case absolute:
			valid[i], keep[i] = ref.Add(time.Duration(v*float64(unit))), true
		default:
			hours := v * float64(step) / float64(time.Hour)
			if hours < 0 || hours > maxLeadHours {
				continue
			}
			valid[i], keep[i] = runTime.Add(time.Duration(v*float64(step))), true
		}
		if keep[i] {
			valid[i] = valid[i].UTC().Truncate(time.Second)
			if profile.FloorValidToDay {
				valid[i] = valid[i].Truncate(24 * time.Hour)
			}
		}
	}
	return valid, keep, nil
}

var cfRefLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.0",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05Z",
	"2006-01-02",
}

// parseCFUnits parses "<unit> since <reference>".
func parseCFUnits(units string) (time.Duration, time.Time, bool) {
	parts := strings.SplitN(strings.TrimSpace(units), " since ", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, false
	}
	unit, ok := parseTimeUnit(parts[0])
	if !ok {
		return 0, time.Time{}, false
	}
	refStr := strings.TrimSuffix(strings.TrimSpace(parts[1]), " UTC")
	for _, layout := range cfRefLayouts {
		if ref, err := time.ParseInLocation(layout, refStr, time.UTC); err == nil {
			return unit, ref, true
		}
	}
	return 0, time.Time{}, false
}

// parseTimeUnit parses a bare CF time unit such as "hours".
func parseTimeUnit(s string) (time.Duration, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "days", "day", "d":
		return 24 * time.Hour, true
	case "hours", "hour", "h":
		return time.Hour, true
	case "minutes", "minute", "min":
		return time.Minute, true
	case "seconds", "second", "s":
		return time.Second, true
	default:
		return 0, false
	}
}

// wrapLongitudes maps a [0, 360) axis onto [-180, 180) and sorts it,
// permuting the data columns alongside. It is a no-op when no longitude
// exceeds 180.
func wrapLongitudes(run *Run) {
	needs := false
	for _, l := range run.Lons {
		if l > 180 {
			needs = true
			break
		}
	}
	if !needs {
		return
	}

	nX := len(run.Lons)
	perm := make([]int, nX)
	wrapped := make([]float64, nX)
	for i, l := range run.Lons {
		perm[i] = i
		wrapped[i] = math.Mod(l+180, 360)
		if wrapped[i] < 0 {
			wrapped[i] += 360
		}
		wrapped[i] -= 180
	}
	sort.SliceStable(perm, func(a, b int) bool { return wrapped[perm[a]] < wrapped[perm[b]] })

	lons := make([]float64, nX)
	for i, p := range perm {
		lons[i] = wrapped[p]
	}

	out := make([]float32, len(run.Values))
	rows := len(run.Values) / nX
	for r := 0; r < rows; r++ {
		src := run.Values[r*nX : (r+1)*nX]
		dst := out[r*nX : (r+1)*nX]
		for i, p := range perm {
			dst[i] = src[p]
		}
	}
	run.Lons = lons
	run.Values = out
}

// maskInvalid replaces out-of-range and non-finite values with NaN.
func maskInvalid(vals []float32, profile types.DatasetProfile) {
	nan := float32(math.NaN())
	for i, v := range vals {
		if !profile.ValidValue(float64(v)) {
			vals[i] = nan
		}
	}
}
