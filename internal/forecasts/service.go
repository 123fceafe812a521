package forecasts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"firerisk/internal/render"
	"firerisk/internal/store"
	"firerisk/internal/types"
)

// readConcurrencyLimit bounds parallel run reads for series queries.
const readConcurrencyLimit = 8

// maxMercatorLat keeps latitudes inside the web mercator domain.
const maxMercatorLat = 85.05112878

// Snapshot is the read view of one dataset store.
type Snapshot interface {
	TimeAxes
	Variable() string
	Grid() store.Grid
	Leads() int
	ReadSlab(ctx context.Context, runIdx, leadIdx int, latIdx, lonIdx []int) ([]float64, error)
}

// SnapshotOpener opens the current snapshot of a dataset.
type SnapshotOpener interface {
	Open(ctx context.Context, dataset string) (Snapshot, error)
}

// RunIngester makes sure a run is present in a dataset store.
type RunIngester interface {
	EnsureRun(ctx context.Context, dataset string, selector time.Time, force bool) (store.Handle, error)
}

type readerSource struct {
	r *store.Reader
}

// ReaderSource adapts a store.Reader to SnapshotOpener.
func ReaderSource(r *store.Reader) SnapshotOpener {
	return readerSource{r: r}
}

func (s readerSource) Open(ctx context.Context, dataset string) (Snapshot, error) {
	st, err := s.r.Open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SeriesQuery selects runs by inclusive base-time bounds and an optional
// EPSG:3857 bbox. Empty fields are unbounded.
type SeriesQuery struct {
	BBox      string
	StartBase string
	EndBase   string
}

// ForecastService answers every dataset query.
type ForecastService interface {
	AvailableDates(ctx context.Context, dataset string) (*AvailableDatesResponse, error)
	LatestDate(ctx context.Context, dataset string) (*LatestDateResponse, error)
	ByDate(ctx context.Context, dataset, baseTime string, daily bool) (*StepsResponse, error)
	ByForecast(ctx context.Context, dataset, verification string) (*EvolutionResponse, error)
	Metadata(ctx context.Context, dataset, baseTime string, leadHours float64) (*MetadataResponse, error)
	Tooltip(ctx context.Context, dataset, baseTime, forecastTime, coords string) (*TooltipResponse, error)
	Heatmap(ctx context.Context, dataset, baseTime, forecastTime, bbox string) (*HeatmapResult, error)
	TimeSeries(ctx context.Context, dataset string, q SeriesQuery) (*TimeSeriesResponse, error)
	ExceedanceFrequency(ctx context.Context, dataset string, q SeriesQuery, thresholds string) (*ExceedanceResponse, error)
	ExpectedFires(ctx context.Context, dataset string, q SeriesQuery) (*ExpectedFiresResponse, error)
	DifferenceMap(ctx context.Context, dataset, startBase, endBase, bbox string) (*DifferenceResponse, error)
	IngestRun(ctx context.Context, dataset, baseTime string, force bool) (*store.Handle, error)
}

// AvailableDatesResponse lists the runs of a dataset.
type AvailableDatesResponse struct {
	Dataset           string   `json:"dataset"`
	AvailableDates    []string `json:"available_dates"`
	AvailableDatesUTC []string `json:"available_dates_utc"`
}

// LatestDateResponse reports the newest run.
type LatestDateResponse struct {
	Dataset    string `json:"dataset"`
	LatestDate string `json:"latest_date"`
}

// StepsResponse lists the forecast steps of one run.
type StepsResponse struct {
	Dataset      string   `json:"dataset"`
	Requested    string   `json:"requested_base_time"`
	BaseTime     string   `json:"base_time"`
	Cadence      string   `json:"cadence"`
	ForecastTime []string `json:"forecast_time"`
}

// EvolutionEntry is one run forecasting the verification date.
type EvolutionEntry struct {
	BaseTime     string `json:"base_time"`
	ForecastTime string `json:"forecast_time"`
	LeadIndex    int    `json:"lead_index"`
}

// EvolutionResponse is the forecast evolution for a verification date.
type EvolutionResponse struct {
	Dataset      string           `json:"dataset"`
	Verification string           `json:"base_time"`
	WindowStart  string           `json:"window_start"`
	WindowEnd    string           `json:"window_end"`
	Steps        []EvolutionEntry `json:"steps"`
}

// GridInfo describes the spatial axes.
type GridInfo struct {
	LatCount int     `json:"lat_count"`
	LonCount int     `json:"lon_count"`
	LatMin   float64 `json:"lat_min"`
	LatMax   float64 `json:"lat_max"`
	LonMin   float64 `json:"lon_min"`
	LonMax   float64 `json:"lon_max"`
}

// LatLon is a geographic point.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// MetadataResponse describes a run and the lead nearest to lead_hours.
type MetadataResponse struct {
	Dataset      string   `json:"dataset"`
	Variable     string   `json:"variable"`
	BaseTime     string   `json:"base_time"`
	LeadHours    float64  `json:"lead_hours"`
	LeadIndex    int      `json:"lead_index"`
	ForecastTime string   `json:"forecast_time"`
	Center       LatLon   `json:"center"`
	Grid         GridInfo `json:"grid"`
	GeneratedAt  string   `json:"generated_at"`
}

// MercatorPoint is a point in EPSG:3857.
type MercatorPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TooltipPoint echoes the query point and the grid point used.
type TooltipPoint struct {
	Input       MercatorPoint `json:"input_epsg3857"`
	Lon         float64       `json:"lon"`
	Lat         float64       `json:"lat"`
	NearestGrid LatLon        `json:"nearest_grid"`
}

// TooltipTimes are the resolved labels.
type TooltipTimes struct {
	BaseTime     string `json:"base_time"`
	ForecastTime string `json:"forecast_time"`
}

// TooltipResponse is the value at one point.
type TooltipResponse struct {
	Dataset  string       `json:"dataset"`
	Variable string       `json:"param"`
	Value    *float64     `json:"value"`
	Point    TooltipPoint `json:"point"`
	Time     TooltipTimes `json:"time"`
}

// HeatmapResult is a rendered slice.
type HeatmapResult struct {
	render.Image
	BaseTime     string
	ForecastTime string
}

// TimeSeriesResponse holds per-run statistics.
type TimeSeriesResponse struct {
	Dataset    string     `json:"dataset"`
	Mode       string     `json:"mode"`
	Stat       []string   `json:"stat"`
	BBox       *string    `json:"bbox_epsg3857"`
	Timestamps []string   `json:"timestamps"`
	Mean       []*float64 `json:"mean"`
	Median     []*float64 `json:"median"`
}

// ExceedanceResponse wraps exceedance curves.
type ExceedanceResponse struct {
	Dataset string  `json:"dataset"`
	Mode    string  `json:"mode"`
	BBox    *string `json:"bbox_epsg3857"`
	GeoBox  *GeoBox `json:"bbox_epsg4326"`
	Exceedance
	Notes string `json:"notes,omitempty"`
}

// ExpectedFiresResponse wraps the expected-count series.
type ExpectedFiresResponse struct {
	Dataset string   `json:"dataset"`
	Mode    string   `json:"mode"`
	Stat    []string `json:"stat"`
	BBox    *string  `json:"bbox_epsg3857"`
	GeoBox  *GeoBox  `json:"bbox_epsg4326"`
	ExpectedSeries
}

// DifferenceResponse is end minus start on the subset grid.
type DifferenceResponse struct {
	Dataset       string       `json:"dataset"`
	Mode          string       `json:"mode"`
	BaseTimeStart string       `json:"base_time_start"`
	BaseTimeEnd   string       `json:"base_time_end"`
	BBox          *string      `json:"bbox_epsg3857"`
	GeoBox        *GeoBox      `json:"bbox_epsg4326"`
	Lats          []float64    `json:"lats"`
	Lons          []float64    `json:"lons"`
	Delta         [][]*float64 `json:"delta"`
}

// forecastService is the concrete implementation of ForecastService.
type forecastService struct {
	datasets  *types.DatasetRegistry
	stores    SnapshotOpener
	ingester  RunIngester
	renderer  render.Renderer
	projector *Projector
	logger    *slog.Logger
	clock     clockwork.Clock
}

// NewForecastService creates a ForecastService. ingester may be nil for
// read-only deployments.
func NewForecastService(
	datasets *types.DatasetRegistry,
	stores SnapshotOpener,
	ingester RunIngester,
	renderer render.Renderer,
	projector *Projector,
	logger *slog.Logger,
	clock clockwork.Clock,
) ForecastService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if datasets == nil {
		datasets = types.DefaultDatasets()
	}
	if renderer == nil {
		renderer = render.NewPNGRenderer()
	}
	return &forecastService{
		datasets:  datasets,
		stores:    stores,
		ingester:  ingester,
		renderer:  renderer,
		projector: projector,
		logger:    logger,
		clock:     clock,
	}
}

func (s *forecastService) open(ctx context.Context, dataset string) (types.DatasetProfile, Snapshot, error) {
	profile, err := s.datasets.Lookup(dataset)
	if err != nil {
		return types.DatasetProfile{}, nil, err
	}
	snap, err := s.stores.Open(ctx, profile.Name)
	if err != nil {
		return profile, nil, err
	}
	return profile, snap, nil
}

// resolveSlice matches base and forecast labels strictly, after run fallback.
func (s *forecastService) resolveSlice(snap Snapshot, profile types.DatasetProfile, baseTime, forecastTime string) (int, int, error) {
	base, err := Canonicalize(baseTime)
	if err != nil {
		return -1, -1, err
	}
	fcst, err := Canonicalize(forecastTime)
	if err != nil {
		return -1, -1, err
	}
	ri, err := MatchRun(snap.RunTimes(), base, profile)
	if err != nil {
		return -1, -1, err
	}
	li, err := MatchValid(snap.ValidTimes(ri), fcst)
	if err != nil {
		return -1, -1, err
	}
	return ri, li, nil
}

// window reprojects an optional bbox and subsets the grid with it.
func (s *forecastService) window(grid store.Grid, bbox string) (Window, *GeoBox, error) {
	if bbox == "" {
		return Subset(grid.Lats, grid.Lons, nil), nil, nil
	}
	b, err := ParseBBox(bbox)
	if err != nil {
		return Window{}, nil, err
	}
	geo, err := s.projector.BBoxToGeo(b)
	if err != nil {
		return Window{}, nil, err
	}
	return Subset(grid.Lats, grid.Lons, &geo), &geo, nil
}

func (s *forecastService) AvailableDates(ctx context.Context, dataset string) (*AvailableDatesResponse, error) {
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	runs := snap.RunTimes()
	sort.Slice(runs, func(i, j int) bool { return runs[i].Before(runs[j]) })

	resp := &AvailableDatesResponse{Dataset: profile.Name, AvailableDates: []string{}, AvailableDatesUTC: []string{}}
	seenDate := make(map[string]bool)
	seenRun := make(map[string]bool)
	for _, r := range runs {
		if d := FormatDate(r); !seenDate[d] {
			seenDate[d] = true
			resp.AvailableDates = append(resp.AvailableDates, d)
		}
		if iso := FormatUTC(r); !seenRun[iso] {
			seenRun[iso] = true
			resp.AvailableDatesUTC = append(resp.AvailableDatesUTC, iso)
		}
	}
	return resp, nil
}

func (s *forecastService) LatestDate(ctx context.Context, dataset string) (*LatestDateResponse, error) {
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	var latest time.Time
	for _, r := range snap.RunTimes() {
		if r.After(latest) {
			latest = r
		}
	}
	if latest.IsZero() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundRun,
			fmt.Sprintf("dataset %s has no runs", profile.Name), nil, map[string]any{"dataset": profile.Name})
	}
	return &LatestDateResponse{Dataset: profile.Name, LatestDate: FormatUTC(latest)}, nil
}

func (s *forecastService) ByDate(ctx context.Context, dataset, baseTime string, daily bool) (*StepsResponse, error) {
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	requested, err := Canonicalize(baseTime)
	if err != nil {
		return nil, err
	}
	ri, err := MatchRun(snap.RunTimes(), requested, profile)
	if err != nil {
		return nil, err
	}

	steps := CollapseSteps(snap.ValidTimes(ri), profile, daily)
	cadence := string(profile.Cadence)
	if daily {
		cadence = string(types.CadenceDaily)
	}
	resp := &StepsResponse{
		Dataset:      profile.Name,
		Requested:    FormatUTC(requested),
		BaseTime:     FormatUTC(snap.RunTimes()[ri]),
		Cadence:      cadence,
		ForecastTime: make([]string, len(steps)),
	}
	for i, t := range steps {
		resp.ForecastTime[i] = FormatUTC(t)
	}
	s.logger.DebugContext(ctx, "resolved forecast steps",
		"dataset", profile.Name,
		"base_time", resp.BaseTime,
		"steps", len(steps),
	)
	return resp, nil
}

func (s *forecastService) ByForecast(ctx context.Context, dataset, verification string) (*EvolutionResponse, error) {
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	v, err := Canonicalize(verification)
	if err != nil {
		return nil, err
	}

	steps := EvolutionWindow(snap, v)
	resp := &EvolutionResponse{
		Dataset:      profile.Name,
		Verification: FormatUTC(v),
		WindowStart:  FormatDate(Day(v).AddDate(0, 0, -(EvolutionDays - 1))),
		WindowEnd:    FormatDate(v),
		Steps:        make([]EvolutionEntry, len(steps)),
	}
	for i, st := range steps {
		resp.Steps[i] = EvolutionEntry{
			BaseTime:     FormatUTC(st.RunTime),
			ForecastTime: FormatUTC(st.ValidTime),
			LeadIndex:    st.LeadIndex,
		}
	}
	return resp, nil
}

func (s *forecastService) Metadata(ctx context.Context, dataset, baseTime string, leadHours float64) (*MetadataResponse, error) {
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	base, err := Canonicalize(baseTime)
	if err != nil {
		return nil, err
	}
	ri, err := MatchRun(snap.RunTimes(), base, profile)
	if err != nil {
		return nil, err
	}
	run := snap.RunTimes()[ri]
	valid := snap.ValidTimes(ri)
	li, err := ResolveLead(valid, run, leadHours)
	if err != nil {
		return nil, err
	}

	g := snap.Grid()
	info := GridInfo{LatCount: len(g.Lats), LonCount: len(g.Lons)}
	if len(g.Lats) > 0 && len(g.Lons) > 0 {
		info.LatMin, info.LatMax = minMax(g.Lats)
		info.LonMin, info.LonMax = minMax(g.Lons)
	}
	return &MetadataResponse{
		Dataset:      profile.Name,
		Variable:     snap.Variable(),
		BaseTime:     FormatUTC(run),
		LeadHours:    leadHours,
		LeadIndex:    li,
		ForecastTime: FormatUTC(valid[li]),
		Center:       LatLon{Lat: (info.LatMin + info.LatMax) / 2, Lon: (info.LonMin + info.LonMax) / 2},
		Grid:         info,
		GeneratedAt:  FormatUTC(s.clock.Now()),
	}, nil
}

func (s *forecastService) Tooltip(ctx context.Context, dataset, baseTime, forecastTime, coords string) (*TooltipResponse, error) {
	x, y, err := ParsePoint(coords)
	if err != nil {
		return nil, err
	}
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	ri, li, err := s.resolveSlice(snap, profile, baseTime, forecastTime)
	if err != nil {
		return nil, err
	}

	lon, lat, err := s.projector.ToGeo(x, y)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidCoords,
			"coords cannot be reprojected", err, map[string]any{"coords": coords})
	}
	g := snap.Grid()
	yi := NearestIndex(g.Lats, lat)
	xi := nearestLon(g.Lons, lon)
	if yi < 0 || xi < 0 {
		return nil, types.NewAppError(types.ErrCodeInternalStoreCorrupt, "store has an empty grid", nil)
	}
	vals, err := snap.ReadSlab(ctx, ri, li, []int{yi}, []int{xi})
	if err != nil {
		return nil, err
	}

	return &TooltipResponse{
		Dataset:  profile.Name,
		Variable: snap.Variable(),
		Value:    ptr(vals[0]),
		Point: TooltipPoint{
			Input:       MercatorPoint{X: x, Y: y},
			Lon:         lon,
			Lat:         lat,
			NearestGrid: LatLon{Lat: g.Lats[yi], Lon: g.Lons[xi]},
		},
		Time: TooltipTimes{
			BaseTime:     FormatUTC(snap.RunTimes()[ri]),
			ForecastTime: FormatUTC(snap.ValidTimes(ri)[li]),
		},
	}, nil
}

func (s *forecastService) Heatmap(ctx context.Context, dataset, baseTime, forecastTime, bbox string) (*HeatmapResult, error) {
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	ri, li, err := s.resolveSlice(snap, profile, baseTime, forecastTime)
	if err != nil {
		return nil, err
	}
	w, geo, err := s.window(snap.Grid(), bbox)
	if err != nil {
		return nil, err
	}
	if w.Cells() == 0 {
		return nil, types.NewAppError(types.ErrCodeInternalStoreCorrupt, "store has an empty grid", nil)
	}
	vals, err := snap.ReadSlab(ctx, ri, li, w.LatIdx, w.LonIdx)
	if err != nil {
		return nil, err
	}

	raster, err := s.mercatorRaster(w, vals, geo)
	if err != nil {
		return nil, err
	}
	scale := render.Scale{Fixed: profile.FixedScale, Min: profile.ScaleMin, Max: profile.ScaleMax}
	img, err := s.renderer.Render(ctx, raster, scale)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "rendering heatmap failed", err)
	}
	return &HeatmapResult{
		Image:        *img,
		BaseTime:     FormatUTC(snap.RunTimes()[ri]),
		ForecastTime: FormatUTC(snap.ValidTimes(ri)[li]),
	}, nil
}

// mercatorRaster lays the window out north-up on a regular EPSG:3857 grid.
// Each output row takes the nearest source latitude, columns follow the
// window's longitudes (unwrapped east of a wrapped box's minimum), and the
// extent is padded by half a pixel.
func (s *forecastService) mercatorRaster(w Window, vals []float64, geo *GeoBox) (render.Raster, error) {
	nY, nX := len(w.Lats), len(w.Lons)

	// Column order by display longitude.
	disp := make([]float64, nX)
	cols := seq(nX)
	for i, l := range w.Lons {
		disp[i] = l
		if geo != nil && geo.LonMin > geo.LonMax && l < geo.LonMin-padFraction*medianStep(w.Lons) {
			disp[i] = l + 360
		}
	}
	sort.SliceStable(cols, func(a, b int) bool { return disp[cols[a]] < disp[cols[b]] })

	lonStep := medianStep(w.Lons)
	latStep := medianStep(w.Lats)
	lonLo, lonHi := disp[cols[0]]-lonStep/2, disp[cols[nX-1]]+lonStep/2
	latLo, latHi := minMax(w.Lats)
	latLo = math.Max(latLo-latStep/2, -maxMercatorLat)
	latHi = math.Min(latHi+latStep/2, maxMercatorLat)

	xMin, yMin, err := s.projector.ToMercator(lonLo, latLo)
	if err != nil {
		return render.Raster{}, types.NewAppError(types.ErrCodeInternalUnexpected, "projecting heatmap extent", err)
	}
	xMax, yMax, err := s.projector.ToMercator(lonHi, latHi)
	if err != nil {
		return render.Raster{}, types.NewAppError(types.ErrCodeInternalUnexpected, "projecting heatmap extent", err)
	}

	out := make([]float64, nY*nX)
	for r := 0; r < nY; r++ {
		yc := yMax - (float64(r)+0.5)*(yMax-yMin)/float64(nY)
		_, lat, err := s.projector.ToGeo(0, yc)
		if err != nil {
			return render.Raster{}, types.NewAppError(types.ErrCodeInternalUnexpected, "projecting heatmap row", err)
		}
		src := NearestIndex(w.Lats, lat)
		for c, col := range cols {
			out[r*nX+c] = vals[src*nX+col]
		}
	}
	return render.Raster{
		Width:  nX,
		Height: nY,
		Values: out,
		Extent: render.Extent{xMin, xMax, yMin, yMax},
	}, nil
}

// selectRuns returns the indices of runs within the inclusive bounds of q,
// in store order.
func selectRuns(runs []time.Time, q SeriesQuery) ([]int, error) {
	var lo, hi time.Time
	var err error
	if q.StartBase != "" {
		if lo, err = DropZone(q.StartBase); err != nil {
			return nil, err
		}
	}
	if q.EndBase != "" {
		if hi, err = DropZone(q.EndBase); err != nil {
			return nil, err
		}
	}
	var out []int
	for i, r := range runs {
		if !lo.IsZero() && r.Before(lo) {
			continue
		}
		if !hi.IsZero() && r.After(hi) {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}

// readRuns reads every populated lead of the selected runs inside w.
func (s *forecastService) readRuns(ctx context.Context, snap Snapshot, runIdx []int, w Window) ([]RunSlice, error) {
	runs := snap.RunTimes()
	out := make([]RunSlice, len(runIdx))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrencyLimit)
	for k, ri := range runIdx {
		g.Go(func() error {
			var vals []float64
			for li, vt := range snap.ValidTimes(ri) {
				if vt.IsZero() {
					continue
				}
				slab, err := snap.ReadSlab(gCtx, ri, li, w.LatIdx, w.LonIdx)
				if err != nil {
					return err
				}
				vals = append(vals, slab...)
			}
			out[k] = RunSlice{RunTime: runs[ri], Values: vals}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *forecastService) seriesInput(ctx context.Context, dataset string, q SeriesQuery, sorted bool) (types.DatasetProfile, Snapshot, []int, Window, *GeoBox, error) {
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return profile, nil, nil, Window{}, nil, err
	}
	idx, err := selectRuns(snap.RunTimes(), q)
	if err != nil {
		return profile, nil, nil, Window{}, nil, err
	}
	if sorted {
		runs := snap.RunTimes()
		sort.SliceStable(idx, func(a, b int) bool { return runs[idx[a]].Before(runs[idx[b]]) })
	}
	w, geo, err := s.window(snap.Grid(), q.BBox)
	if err != nil {
		return profile, nil, nil, Window{}, nil, err
	}
	return profile, snap, idx, w, geo, nil
}

func bboxEcho(raw string) *string {
	if raw == "" {
		return nil
	}
	d := decodeParam(raw)
	return &d
}

func (s *forecastService) TimeSeries(ctx context.Context, dataset string, q SeriesQuery) (*TimeSeriesResponse, error) {
	profile, snap, idx, w, _, err := s.seriesInput(ctx, dataset, q, false)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundRun,
			"no base_time runs found for the given filters", nil,
			map[string]any{"start_base": q.StartBase, "end_base": q.EndBase})
	}
	slices, err := s.readRuns(ctx, snap, idx, w)
	if err != nil {
		return nil, err
	}

	resp := &TimeSeriesResponse{
		Dataset:    profile.Name,
		Mode:       "by_base_time",
		Stat:       []string{"mean", "median"},
		BBox:       bboxEcho(q.BBox),
		Timestamps: make([]string, len(slices)),
		Mean:       make([]*float64, len(slices)),
		Median:     make([]*float64, len(slices)),
	}
	for i, rs := range slices {
		resp.Timestamps[i] = FormatUTC(rs.RunTime)
		resp.Mean[i], resp.Median[i] = MeanMedian(rs.Values)
	}
	return resp, nil
}

func (s *forecastService) ExceedanceFrequency(ctx context.Context, dataset string, q SeriesQuery, thresholds string) (*ExceedanceResponse, error) {
	thr, err := ParseThresholds(thresholds)
	if err != nil {
		return nil, err
	}
	profile, snap, idx, w, geo, err := s.seriesInput(ctx, dataset, q, true)
	if err != nil {
		return nil, err
	}
	resp := &ExceedanceResponse{
		Dataset: profile.Name,
		Mode:    "exceedance_frequency",
		BBox:    bboxEcho(q.BBox),
		GeoBox:  geo,
	}
	if len(idx) == 0 {
		resp.Exceedance = ExceedanceFractions(nil, []float64{})
		resp.Notes = "no base_time runs match the requested window"
		return resp, nil
	}
	slices, err := s.readRuns(ctx, snap, idx, w)
	if err != nil {
		return nil, err
	}
	resp.Exceedance = ExceedanceFractions(slices, thr)
	return resp, nil
}

func (s *forecastService) ExpectedFires(ctx context.Context, dataset string, q SeriesQuery) (*ExpectedFiresResponse, error) {
	profile, snap, idx, w, geo, err := s.seriesInput(ctx, dataset, q, true)
	if err != nil {
		return nil, err
	}
	slices, err := s.readRuns(ctx, snap, idx, w)
	if err != nil {
		return nil, err
	}
	return &ExpectedFiresResponse{
		Dataset:        profile.Name,
		Mode:           "by_date",
		Stat:           []string{"sum"},
		BBox:           bboxEcho(q.BBox),
		GeoBox:         geo,
		ExpectedSeries: ExpectedSum(slices),
	}, nil
}

// DifferenceMap compares the first lead of the runs matched by calendar
// date to startBase and endBase.
func (s *forecastService) DifferenceMap(ctx context.Context, dataset, startBase, endBase, bbox string) (*DifferenceResponse, error) {
	profile, snap, err := s.open(ctx, dataset)
	if err != nil {
		return nil, err
	}
	runs := snap.RunTimes()

	pick := func(raw string) (int, error) {
		t, err := Canonicalize(raw)
		if err != nil {
			return -1, err
		}
		i, ok := MatchRunByDate(runs, t)
		if !ok {
			return -1, types.NewAppErrorWithDetails(types.ErrCodeNotFoundRun,
				fmt.Sprintf("no run on %s", FormatDate(t)), nil,
				map[string]any{"requested": FormatDate(t), "available_that_date": []string{}})
		}
		return i, nil
	}
	si, err := pick(startBase)
	if err != nil {
		return nil, err
	}
	ei, err := pick(endBase)
	if err != nil {
		return nil, err
	}

	w, geo, err := s.window(snap.Grid(), bbox)
	if err != nil {
		return nil, err
	}
	var start, end []float64
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		start, err = snap.ReadSlab(gCtx, si, 0, w.LatIdx, w.LonIdx)
		return err
	})
	g.Go(func() error {
		var err error
		end, err = snap.ReadSlab(gCtx, ei, 0, w.LatIdx, w.LonIdx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "difference map",
		"dataset", profile.Name,
		"start", FormatUTC(runs[si]),
		"end", FormatUTC(runs[ei]),
		"cells", w.Cells(),
	)
	return &DifferenceResponse{
		Dataset:       profile.Name,
		Mode:          "difference_map",
		BaseTimeStart: FormatUTC(runs[si]),
		BaseTimeEnd:   FormatUTC(runs[ei]),
		BBox:          bboxEcho(bbox),
		GeoBox:        geo,
		Lats:          w.Lats,
		Lons:          w.Lons,
		Delta:         Difference(start, end, len(w.Lats), len(w.Lons)),
	}, nil
}

func (s *forecastService) IngestRun(ctx context.Context, dataset, baseTime string, force bool) (*store.Handle, error) {
	profile, err := s.datasets.Lookup(dataset)
	if err != nil {
		return nil, err
	}
	if s.ingester == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "ingestion is not enabled", nil)
	}
	t, err := Canonicalize(baseTime)
	if err != nil {
		return nil, err
	}
	h, err := s.ingester.EnsureRun(ctx, profile.Name, t, force)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func minMax(vals []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}
