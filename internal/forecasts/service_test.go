package forecasts

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"firerisk/internal/render"
	"firerisk/internal/store"
	"firerisk/internal/types"
)

// fakeSnapshot holds full grids per (run, lead), row-major [lat][lon].
type fakeSnapshot struct {
	variable string
	grid     store.Grid
	runs     []time.Time
	valid    [][]time.Time
	data     [][][]float64
	readErr  error
}

func (f *fakeSnapshot) RunTimes() []time.Time {
	return append([]time.Time(nil), f.runs...)
}

func (f *fakeSnapshot) ValidTimes(i int) []time.Time {
	return append([]time.Time(nil), f.valid[i]...)
}

func (f *fakeSnapshot) Variable() string { return f.variable }
func (f *fakeSnapshot) Grid() store.Grid { return f.grid }
func (f *fakeSnapshot) Leads() int       { return len(f.valid[0]) }

func (f *fakeSnapshot) ReadSlab(_ context.Context, runIdx, leadIdx int, latIdx, lonIdx []int) ([]float64, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	full := f.data[runIdx][leadIdx]
	nLon := len(f.grid.Lons)
	out := make([]float64, 0, len(latIdx)*len(lonIdx))
	for _, y := range latIdx {
		for _, x := range lonIdx {
			out = append(out, full[y*nLon+x])
		}
	}
	return out, nil
}

type fakeOpener struct {
	snaps map[string]Snapshot
}

func (o fakeOpener) Open(_ context.Context, dataset string) (Snapshot, error) {
	s, ok := o.snaps[dataset]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundStore, "no store", nil)
	}
	return s, nil
}

type fakeRenderer struct {
	raster render.Raster
	scale  render.Scale
}

func (r *fakeRenderer) Render(_ context.Context, raster render.Raster, scale render.Scale) (*render.Image, error) {
	r.raster, r.scale = raster, scale
	return &render.Image{Data: []byte("png"), ContentType: "image/png", Extent: raster.Extent, ScaleMin: scale.Min, ScaleMax: scale.Max}, nil
}

type fakeIngester struct {
	dataset string
	at      time.Time
	force   bool
}

func (i *fakeIngester) EnsureRun(_ context.Context, dataset string, selector time.Time, force bool) (store.Handle, error) {
	i.dataset, i.at, i.force = dataset, selector, force
	return store.Handle{Dataset: dataset, RunTime: selector, RunIndex: 3, Written: true}, nil
}

var testGrid = store.Grid{Lats: []float64{10, 0}, Lons: []float64{-10, 0, 10}}

// constGrid fills a 2x3 grid with v.
func constGrid(v float64) []float64 {
	return []float64{v, v, v, v, v, v}
}

// pofSnapshot has daily runs on 07-10 and 07-11, each with 12 daily leads.
func pofSnapshot() *fakeSnapshot {
	s := &fakeSnapshot{variable: "MODEL_FIRE", grid: testGrid}
	for _, r := range []time.Time{ts("2025-07-10T00:00:00Z"), ts("2025-07-11T00:00:00Z")} {
		s.runs = append(s.runs, r)
		var valid []time.Time
		var leads [][]float64
		for d := 0; d < 12; d++ {
			valid = append(valid, r.AddDate(0, 0, d))
			leads = append(leads, constGrid(0.01*float64(d+1)))
		}
		s.valid = append(s.valid, valid)
		s.data = append(s.data, leads)
	}
	return s
}

// fopiSnapshot has 00 and 12 runs with 3-hourly leads and a padded tail.
func fopiSnapshot() *fakeSnapshot {
	s := &fakeSnapshot{variable: "param100.128.192", grid: testGrid}
	for ri, r := range []time.Time{ts("2025-07-10T00:00:00Z"), ts("2025-07-10T12:00:00Z")} {
		s.runs = append(s.runs, r)
		valid := []time.Time{r, r.Add(3 * time.Hour), r.Add(6 * time.Hour), {}}
		s.valid = append(s.valid, valid)
		leads := [][]float64{
			{0.1, 0.2, 0.3, 0.4, 0.5, 0.6},
			constGrid(0.5 + 0.1*float64(ri)),
			{0, 0, 0.3, 0.9, math.NaN(), 1},
			constGrid(math.NaN()),
		}
		s.data = append(s.data, leads)
	}
	return s
}

func newTestService(t *testing.T, ingester RunIngester, renderer render.Renderer) (ForecastService, *clockwork.FakeClock) {
	t.Helper()
	p, err := NewProjector()
	if err != nil {
		t.Fatalf("NewProjector: %v", err)
	}
	clock := clockwork.NewFakeClockAt(ts("2025-07-12T08:30:00Z"))
	opener := fakeOpener{snaps: map[string]Snapshot{
		"pof":  pofSnapshot(),
		"fopi": fopiSnapshot(),
	}}
	return NewForecastService(types.DefaultDatasets(), opener, ingester, renderer, p, nil, clock), clock
}

func TestService_UnknownDataset(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	_, err := svc.AvailableDates(context.Background(), "gfs")
	if code := errCode(t, err); code != types.ErrCodeValidationUnknownDataset {
		t.Errorf("code = %s", code)
	}
}

func TestService_AvailableAndLatest(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	av, err := svc.AvailableDates(ctx, "FOPI")
	if err != nil {
		t.Fatal(err)
	}
	if len(av.AvailableDates) != 1 || av.AvailableDates[0] != "2025-07-10" {
		t.Errorf("dates = %v", av.AvailableDates)
	}
	if len(av.AvailableDatesUTC) != 2 || av.AvailableDatesUTC[1] != "2025-07-10T12:00:00Z" {
		t.Errorf("runs = %v", av.AvailableDatesUTC)
	}

	latest, err := svc.LatestDate(ctx, "pof")
	if err != nil {
		t.Fatal(err)
	}
	if latest.LatestDate != "2025-07-11T00:00:00Z" {
		t.Errorf("latest = %s", latest.LatestDate)
	}
}

func TestService_ByDate_Daily(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	resp, err := svc.ByDate(context.Background(), "pof", "2025-07-11T00:00:00", false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.BaseTime != "2025-07-11T00:00:00Z" || resp.Cadence != "daily" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ForecastTime) != 10 {
		t.Fatalf("steps = %d, want 10", len(resp.ForecastTime))
	}
	if resp.ForecastTime[0] != "2025-07-11T00:00:00Z" || resp.ForecastTime[9] != "2025-07-20T00:00:00Z" {
		t.Errorf("steps = %v", resp.ForecastTime)
	}
	for i := 1; i < len(resp.ForecastTime); i++ {
		if resp.ForecastTime[i] <= resp.ForecastTime[i-1] {
			t.Errorf("steps not ascending at %d", i)
		}
	}
}

func TestService_ByDate_SubDailyFallback(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	// 2025-07-10T06 has no run; the 00 run is tried next.
	resp, err := svc.ByDate(context.Background(), "fopi", "2025-07-10T06:00:00Z", false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.BaseTime != "2025-07-10T00:00:00Z" {
		t.Errorf("base = %s", resp.BaseTime)
	}
	want := []string{"2025-07-10T00:00:00Z", "2025-07-10T03:00:00Z", "2025-07-10T06:00:00Z"}
	if len(resp.ForecastTime) != len(want) {
		t.Fatalf("steps = %v", resp.ForecastTime)
	}
	for i := range want {
		if resp.ForecastTime[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, resp.ForecastTime[i], want[i])
		}
	}

	_, err = svc.ByDate(context.Background(), "fopi", "2025-07-09", false)
	if code := errCode(t, err); code != types.ErrCodeNotFoundRun {
		t.Errorf("code = %s", code)
	}
}

func TestService_ByForecast(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	resp, err := svc.ByForecast(context.Background(), "pof", "2025-07-13")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Steps) != 2 {
		t.Fatalf("steps = %+v", resp.Steps)
	}
	if resp.Steps[0].BaseTime != "2025-07-10T00:00:00Z" || resp.Steps[0].LeadIndex != 3 {
		t.Errorf("first = %+v", resp.Steps[0])
	}
	if resp.Steps[1].LeadIndex != 2 {
		t.Errorf("second = %+v", resp.Steps[1])
	}
	if resp.WindowStart != "2025-07-04" || resp.WindowEnd != "2025-07-13" {
		t.Errorf("window = %s..%s", resp.WindowStart, resp.WindowEnd)
	}
}

func TestService_Metadata(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	resp, err := svc.Metadata(context.Background(), "fopi", "2025-07-10T12:00:00Z", 4)
	if err != nil {
		t.Fatal(err)
	}
	if resp.LeadIndex != 1 || resp.ForecastTime != "2025-07-10T15:00:00Z" {
		t.Errorf("lead = %d %s", resp.LeadIndex, resp.ForecastTime)
	}
	if resp.GeneratedAt != "2025-07-12T08:30:00Z" {
		t.Errorf("generated_at = %s", resp.GeneratedAt)
	}
	if resp.Grid.LatCount != 2 || resp.Grid.LonCount != 3 || resp.Center.Lat != 5 || resp.Center.Lon != 0 {
		t.Errorf("grid = %+v center = %+v", resp.Grid, resp.Center)
	}
}

func TestService_Tooltip(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	// Mercator origin is (lat 0, lon 0): row 1, column 1.
	resp, err := svc.Tooltip(ctx, "fopi", "2025-07-10T00:00:00Z", "2025-07-10T00:00:00Z", "0,0")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Value == nil || *resp.Value != 0.5 {
		t.Errorf("value = %v", resp.Value)
	}
	if resp.Point.NearestGrid != (LatLon{Lat: 0, Lon: 0}) {
		t.Errorf("nearest = %+v", resp.Point.NearestGrid)
	}

	// A missing cell is reported as null.
	resp, err = svc.Tooltip(ctx, "fopi", "2025-07-10T00:00:00Z", "2025-07-10T06:00:00Z", "0,0")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Value != nil {
		t.Errorf("expected nil value, got %v", *resp.Value)
	}

	_, err = svc.Tooltip(ctx, "fopi", "2025-07-10T00:00:00Z", "2025-07-10T01:00:00Z", "0,0")
	if code := errCode(t, err); code != types.ErrCodeNotFoundValidTime {
		t.Errorf("code = %s", code)
	}
	_, err = svc.Tooltip(ctx, "fopi", "2025-07-10T00:00:00Z", "2025-07-10T00:00:00Z", "zero")
	if code := errCode(t, err); code != types.ErrCodeValidationInvalidCoords {
		t.Errorf("code = %s", code)
	}
}

func TestService_Heatmap(t *testing.T) {
	rend := &fakeRenderer{}
	svc, _ := newTestService(t, nil, rend)

	img, err := svc.Heatmap(context.Background(), "pof", "2025-07-10", "2025-07-11", "")
	if err != nil {
		t.Fatal(err)
	}
	if img.ContentType != "image/png" || img.ForecastTime != "2025-07-11T00:00:00Z" {
		t.Errorf("image = %+v", img)
	}
	if rend.raster.Width != 3 || rend.raster.Height != 2 {
		t.Errorf("raster = %dx%d", rend.raster.Width, rend.raster.Height)
	}
	if !rend.scale.Fixed || rend.scale.Max != 0.05 {
		t.Errorf("scale = %+v", rend.scale)
	}
	e := rend.raster.Extent
	if e[0] >= e[1] || e[2] >= e[3] {
		t.Errorf("extent = %v", e)
	}
	for _, v := range rend.raster.Values {
		if v != 0.02 {
			t.Errorf("value = %v, want 0.02", v)
		}
	}

	_, err = svc.Heatmap(context.Background(), "pof", "2025-07-10", "2025-07-11", "1,2,3")
	if code := errCode(t, err); code != types.ErrCodeValidationInvalidBBox {
		t.Errorf("code = %s", code)
	}
}

func TestService_TimeSeries(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	resp, err := svc.TimeSeries(ctx, "pof", SeriesQuery{StartBase: "2025-07-11T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Timestamps) != 1 || resp.Timestamps[0] != "2025-07-11T00:00:00Z" {
		t.Errorf("timestamps = %v", resp.Timestamps)
	}
	// Leads hold 0.01..0.12, each constant across the grid.
	if resp.Mean[0] == nil || math.Abs(*resp.Mean[0]-0.065) > 1e-9 {
		t.Errorf("mean = %v", resp.Mean[0])
	}
	if resp.BBox != nil {
		t.Errorf("bbox echo = %v", *resp.BBox)
	}

	_, err = svc.TimeSeries(ctx, "pof", SeriesQuery{StartBase: "2030-01-01"})
	if code := errCode(t, err); code != types.ErrCodeNotFoundRun {
		t.Errorf("code = %s", code)
	}
}

func TestService_ExceedanceAndExpected(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()

	ex, err := svc.ExceedanceFrequency(ctx, "pof", SeriesQuery{}, "0.045,0.1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ex.ByDate.Dates) != 2 || ex.Overall.Total != 2*12*6 {
		t.Errorf("dates = %v total = %d", ex.ByDate.Dates, ex.Overall.Total)
	}
	// Leads 0.05..0.12 of each run clear 0.045.
	if ex.Overall.Count[0] != 2*8*6 {
		t.Errorf("count[0.045] = %d", ex.Overall.Count[0])
	}

	none, err := svc.ExceedanceFrequency(ctx, "pof", SeriesQuery{EndBase: "2020-01-01"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if none.Notes == "" || len(none.ByDate.Dates) != 0 {
		t.Errorf("empty response = %+v", none)
	}

	_, err = svc.ExceedanceFrequency(ctx, "pof", SeriesQuery{}, "2")
	if code := errCode(t, err); code != types.ErrCodeValidationInvalidThresholds {
		t.Errorf("code = %s", code)
	}

	exp, err := svc.ExpectedFires(ctx, "pof", SeriesQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(exp.Dates) != 2 || exp.Cumulative[1] < exp.Cumulative[0] {
		t.Errorf("expected = %+v", exp.ExpectedSeries)
	}
	// Each run sums 6 cells x (0.01 + ... + 0.12).
	if math.Abs(exp.Sums[0]-6*0.78) > 1e-9 {
		t.Errorf("sum = %v", exp.Sums[0])
	}
}

func TestService_DifferenceMap(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	resp, err := svc.DifferenceMap(context.Background(), "fopi", "2025-07-10", "2025-07-10", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Delta) != 2 || len(resp.Delta[0]) != 3 {
		t.Fatalf("delta shape = %d", len(resp.Delta))
	}
	for _, row := range resp.Delta {
		for _, d := range row {
			if d == nil || *d != 0 {
				t.Errorf("same run must difference to zero, got %v", d)
			}
		}
	}

	_, err = svc.DifferenceMap(context.Background(), "fopi", "2025-07-10", "2025-07-30", "")
	if code := errCode(t, err); code != types.ErrCodeNotFoundRun {
		t.Errorf("code = %s", code)
	}
}

func TestService_ReadFailurePropagates(t *testing.T) {
	p, _ := NewProjector()
	snap := pofSnapshot()
	snap.readErr = types.NewAppError(types.ErrCodeInternalStoreCorrupt, "bad chunk", nil)
	svc := NewForecastService(nil, fakeOpener{snaps: map[string]Snapshot{"pof": snap}}, nil, nil, p, nil, nil)

	_, err := svc.TimeSeries(context.Background(), "pof", SeriesQuery{})
	if code := errCode(t, err); code != types.ErrCodeInternalStoreCorrupt {
		t.Errorf("code = %s", code)
	}
}

func TestService_IngestRun(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	_, err := svc.IngestRun(context.Background(), "pof", "2025-07-12", false)
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeInternalUnexpected {
		t.Errorf("expected disabled ingestion error, got %v", err)
	}

	ing := &fakeIngester{}
	svc, _ = newTestService(t, ing, nil)
	h, err := svc.IngestRun(context.Background(), "POF", "2025-07-12T00:00:00Z", true)
	if err != nil {
		t.Fatal(err)
	}
	if ing.dataset != "pof" || !ing.force || !ing.at.Equal(ts("2025-07-12T00:00:00Z")) {
		t.Errorf("ingester called with %+v", ing)
	}
	if h.RunIndex != 3 || !h.Written {
		t.Errorf("handle = %+v", h)
	}
}
