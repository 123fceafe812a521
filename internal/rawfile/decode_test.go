package rawfile

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firerisk/internal/types"
)

type fakeSource struct {
	vars   map[string]*Variable
	closed bool
}

func (f *fakeSource) Variable(name string) (*Variable, error) {
	v, ok := f.vars[name]
	if !ok {
		return nil, fmt.Errorf("variable %s not found", name)
	}
	return v, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

type fakeOpener struct {
	src *fakeSource
	err error
}

func (o fakeOpener) Open(string) (Source, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.src, nil
}

var run0 = time.Date(2025, 7, 10, 0, 0, 0, 0, time.UTC)

func fopiSource() *fakeSource {
	return &fakeSource{vars: map[string]*Variable{
		"lat": {Dims: []string{"lat"}, Values: []float64{10, 0}},
		"lon": {Dims: []string{"lon"}, Values: []float64{0, 90, 180, 270}},
		"time": {
			Dims:   []string{"time"},
			Values: []float64{0, 3, -1e9},
		},
		"param100.128.192": {
			Dims: []string{"time", "lat", "lon"},
			Values: [][][]float32{
				{{0.1, 0.2, 0.3, 0.4}, {0.5, 0.6, 0.7, 0.8}},
				{{0.0, 1.0, 1.5, -2}, {0.25, 0.25, 0.25, 0.25}},
				{{9, 9, 9, 9}, {9, 9, 9, 9}},
			},
		},
	}}
}

func TestDecode_HoursSinceRunAndWrap(t *testing.T) {
	run, err := Decode(fopiSource(), types.FOPI, run0)
	require.NoError(t, err)

	// The third label is outside [0, 1e5] and its slice is dropped.
	require.Equal(t, 2, run.Leads())
	assert.Equal(t, run0, run.ValidTimes[0])
	assert.Equal(t, run0.Add(3*time.Hour), run.ValidTimes[1])

	// 0, 90, 180, 270 -> -180, -90, 0, 90
	assert.Equal(t, []float64{-180, -90, 0, 90}, run.Lons)
	assert.Equal(t, []float32{0.3, 0.4, 0.1, 0.2}, run.Slice(0)[:4])
	assert.Equal(t, []float32{0.7, 0.8, 0.5, 0.6}, run.Slice(0)[4:])

	// Out-of-range values are masked, not clamped.
	s1 := run.Slice(1)
	assert.True(t, math.IsNaN(float64(s1[0])), "1.5 should be missing")
	assert.True(t, math.IsNaN(float64(s1[1])), "-2 should be missing")
	assert.Equal(t, float32(0.0), s1[2])
	assert.Equal(t, float32(1.0), s1[3])
}

func TestDecode_AbsoluteDailyFloors(t *testing.T) {
	src := &fakeSource{vars: map[string]*Variable{
		"latitude":  {Values: []float32{1}},
		"longitude": {Values: []float32{2, 3}},
		"time": {
			Values: []int64{0, 36},
			Attrs:  map[string]any{"units": "hours since 2025-07-10 00:00:00"},
		},
		"MODEL_FIRE": {
			Dims:   []string{"time", "latitude", "longitude"},
			Values: [][][]float64{{{0.01, 0.02}}, {{0.03, 0.04}}},
		},
	}}

	run, err := Decode(src, types.POF, run0)
	require.NoError(t, err)
	require.Equal(t, 2, run.Leads())
	assert.Equal(t, run0, run.ValidTimes[0])
	assert.Equal(t, time.Date(2025, 7, 11, 0, 0, 0, 0, time.UTC), run.ValidTimes[1])
	assert.Equal(t, []float64{2, 3}, run.Lons, "pof longitudes are not wrapped")
}

func TestDecode_TransposesLatLonTime(t *testing.T) {
	src := &fakeSource{vars: map[string]*Variable{
		"lat":  {Values: []float64{0, 1}},
		"lon":  {Values: []float64{0}},
		"time": {Values: []float64{0, 1}},
		// dims (lon, lat, time)
		"param100.128.192": {
			Dims:   []string{"lon", "lat", "time"},
			Values: [][][]float64{{{0.1, 0.2}, {0.3, 0.4}}},
		},
	}}

	run, err := Decode(src, types.FOPI, run0)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.3}, run.Slice(0))
	assert.Equal(t, []float32{0.2, 0.4}, run.Slice(1))
}

func TestDecode_PackedWithFillValue(t *testing.T) {
	src := &fakeSource{vars: map[string]*Variable{
		"lat":  {Values: []float64{0}},
		"lon":  {Values: []float64{0, 1, 2}},
		"time": {Values: []float64{0}},
		"param100.128.192": {
			Dims:   []string{"time", "lat", "lon"},
			Values: [][][]int16{{{-32767, 100, 50}}},
			Attrs: map[string]any{
				"_FillValue":   []int16{-32767},
				"scale_factor": 0.01,
				"add_offset":   0.0,
			},
		},
	}}

	run, err := Decode(src, types.FOPI, run0)
	require.NoError(t, err)
	vals := run.Slice(0)
	assert.True(t, math.IsNaN(float64(vals[0])))
	assert.InDelta(t, 1.0, vals[1], 1e-6)
	assert.InDelta(t, 0.5, vals[2], 1e-6)
}

func TestDecode_SchemaErrors(t *testing.T) {
	t.Run("missing variable", func(t *testing.T) {
		src := fopiSource()
		delete(src.vars, "param100.128.192")
		_, err := Decode(src, types.FOPI, run0)
		assertCode(t, err, types.ErrCodeInternalSchemaMismatch)
	})

	t.Run("unexpected dimension", func(t *testing.T) {
		src := fopiSource()
		src.vars["param100.128.192"].Dims = []string{"time", "level", "lon"}
		_, err := Decode(src, types.FOPI, run0)
		assertCode(t, err, types.ErrCodeInternalSchemaMismatch)
	})

	t.Run("unrecognized units on an absolute profile", func(t *testing.T) {
		src := fopiSource()
		src.vars["time"].Attrs = map[string]any{"units": "fortnights"}
		src.vars["MODEL_FIRE"] = src.vars["param100.128.192"]
		_, err := Decode(src, types.POF, run0)
		assertCode(t, err, types.ErrCodeInternalSchemaMismatch)
	})

	t.Run("no usable lead labels", func(t *testing.T) {
		src := fopiSource()
		src.vars["time"].Values = []float64{-1, -2, math.NaN()}
		_, err := Decode(src, types.FOPI, run0)
		assertCode(t, err, types.ErrCodeInternalSchemaMismatch)
	})
}

func TestDecode_DetectsLeadEncoding(t *testing.T) {
	t.Run("unitless axis on an absolute profile is hours since run", func(t *testing.T) {
		src := fopiSource()
		src.vars["MODEL_FIRE"] = src.vars["param100.128.192"]
		run, err := Decode(src, types.POF, run0)
		require.NoError(t, err)
		require.Equal(t, 2, run.Leads())
		assert.Equal(t, run0, run.ValidTimes[0])
		assert.Equal(t, run0, run.ValidTimes[1], "3h floors to the run day")
	})

	t.Run("CF units on an hours-since-run profile are absolute", func(t *testing.T) {
		src := fopiSource()
		src.vars["time"].Values = []float64{24, 27, math.Inf(1)}
		src.vars["time"].Attrs = map[string]any{"units": "hours since 2025-07-09 00:00:00"}
		run, err := Decode(src, types.FOPI, run0)
		require.NoError(t, err)
		require.Equal(t, 2, run.Leads())
		assert.Equal(t, run0, run.ValidTimes[0])
		assert.Equal(t, run0.Add(3*time.Hour), run.ValidTimes[1])
	})

	t.Run("bare unit is an offset since run", func(t *testing.T) {
		src := fopiSource()
		src.vars["time"].Values = []float64{0, 1, -1}
		src.vars["time"].Attrs = map[string]any{"units": "days"}
		run, err := Decode(src, types.FOPI, run0)
		require.NoError(t, err)
		require.Equal(t, 2, run.Leads())
		assert.Equal(t, run0.AddDate(0, 0, 1), run.ValidTimes[1])
	})
}

func TestLoad_ClosesSource(t *testing.T) {
	src := fopiSource()
	_, err := Load(fakeOpener{src: src}, "fopi_2025071000.nc", types.FOPI, run0)
	require.NoError(t, err)
	assert.True(t, src.closed)

	_, err = Load(fakeOpener{err: errors.New("boom")}, "x.nc", types.FOPI, run0)
	assert.Error(t, err)
}

func TestParseCFUnits(t *testing.T) {
	unit, ref, ok := parseCFUnits("days since 1970-01-01")
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, unit)
	assert.Equal(t, time.Unix(0, 0).UTC(), ref)

	_, _, ok = parseCFUnits("furlongs since 1970-01-01")
	assert.False(t, ok)
	_, _, ok = parseCFUnits("hours")
	assert.False(t, ok)
}

func assertCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	assert.Equal(t, code, appErr.Code)
}
