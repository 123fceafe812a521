// Package handlers maps the dataset HTTP routes onto the forecast service.
//
// Every route is mounted below /v1/datasets/{dataset}; the dataset profile is
// resolved by core.Server.DatasetContext before a handler runs.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"firerisk/internal/core"
	"firerisk/internal/forecasts"
	"firerisk/internal/render"
	"firerisk/internal/store"
	"firerisk/internal/types"
)

const (
	cacheRead    = "public, max-age=300"
	cacheNoStore = "no-store"
)

// DatasetService is the subset of forecasts.ForecastService the handlers use.
// It is declared here so tests can supply a stub.
type DatasetService interface {
	AvailableDates(ctx context.Context, dataset string) (*forecasts.AvailableDatesResponse, error)
	LatestDate(ctx context.Context, dataset string) (*forecasts.LatestDateResponse, error)
	ByDate(ctx context.Context, dataset, baseTime string, daily bool) (*forecasts.StepsResponse, error)
	ByForecast(ctx context.Context, dataset, verification string) (*forecasts.EvolutionResponse, error)
	Metadata(ctx context.Context, dataset, baseTime string, leadHours float64) (*forecasts.MetadataResponse, error)
	Tooltip(ctx context.Context, dataset, baseTime, forecastTime, coords string) (*forecasts.TooltipResponse, error)
	Heatmap(ctx context.Context, dataset, baseTime, forecastTime, bbox string) (*forecasts.HeatmapResult, error)
	TimeSeries(ctx context.Context, dataset string, q forecasts.SeriesQuery) (*forecasts.TimeSeriesResponse, error)
	ExceedanceFrequency(ctx context.Context, dataset string, q forecasts.SeriesQuery, thresholds string) (*forecasts.ExceedanceResponse, error)
	ExpectedFires(ctx context.Context, dataset string, q forecasts.SeriesQuery) (*forecasts.ExpectedFiresResponse, error)
	DifferenceMap(ctx context.Context, dataset, startBase, endBase, bbox string) (*forecasts.DifferenceResponse, error)
	IngestRun(ctx context.Context, dataset, baseTime string, force bool) (*store.Handle, error)
}

// DatasetHandler serves the per-dataset read endpoints and run ingestion.
type DatasetHandler struct {
	service   DatasetService
	validator *core.Validator
	logger    *slog.Logger
	// ingestAuth guards POST /runs. The route is not registered without it.
	ingestAuth func(http.Handler) http.Handler
}

// NewDatasetHandler creates a DatasetHandler.
func NewDatasetHandler(svc DatasetService, val *core.Validator, logger *slog.Logger) *DatasetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if val == nil {
		val = core.NewValidator(logger)
	}
	return &DatasetHandler{service: svc, validator: val, logger: logger}
}

// WithIngestAuth enables POST /runs behind the given middleware.
func (h *DatasetHandler) WithIngestAuth(mw func(http.Handler) http.Handler) *DatasetHandler {
	h.ingestAuth = mw
	return h
}

// RegisterRoutes mounts the dataset endpoints. The caller is expected to have
// applied core.Server.DatasetContext on the enclosing route.
func (h *DatasetHandler) RegisterRoutes(r chi.Router) {
	r.Get("/available-dates", h.HandleAvailableDates)
	r.Get("/latest-date", h.HandleLatestDate)
	r.Get("/by-date", h.HandleByDate)
	r.Get("/by-forecast", h.HandleByForecast)
	r.Get("/metadata", h.HandleMetadata)
	r.Get("/tooltip", h.HandleTooltip)
	r.Get("/heatmap/image", h.HandleHeatmapImage)
	r.Get("/time-series", h.HandleTimeSeries)
	r.Get("/exceedance-frequency", h.HandleExceedanceFrequency)
	r.Get("/expected-fires", h.HandleExpectedFires)
	r.Get("/difference-map", h.HandleDifferenceMap)
	if h.ingestAuth != nil {
		r.With(h.ingestAuth).Post("/runs", h.HandleIngestRun)
	}
}

// Mount returns a registrar for core.Server.V1RouteRegistrars that places the
// routes under /datasets/{dataset} behind the dataset middleware.
func (h *DatasetHandler) Mount(datasetContext func(http.Handler) http.Handler) func(chi.Router) {
	return func(r chi.Router) {
		r.Route("/datasets/{dataset}", func(r chi.Router) {
			r.Use(datasetContext)
			h.RegisterRoutes(r)
		})
	}
}

// HandleAvailableDates handles GET /available-dates.
func (h *DatasetHandler) HandleAvailableDates(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.AvailableDates(r.Context(), datasetName(r))
	h.respond(w, r, resp, err)
}

// HandleLatestDate handles GET /latest-date.
func (h *DatasetHandler) HandleLatestDate(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.LatestDate(r.Context(), datasetName(r))
	h.respond(w, r, resp, err)
}

// HandleByDate handles GET /by-date. view=daily collapses sub-daily steps to
// one per day.
func (h *DatasetHandler) HandleByDate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	baseTime, ok := requireParam(w, r, "base_time")
	if !ok {
		return
	}
	daily := strings.EqualFold(q.Get("view"), "daily")
	resp, err := h.service.ByDate(r.Context(), datasetName(r), baseTime, daily)
	h.respond(w, r, resp, err)
}

// HandleByForecast handles GET /by-forecast. base_time is the verification date.
func (h *DatasetHandler) HandleByForecast(w http.ResponseWriter, r *http.Request) {
	baseTime, ok := requireParam(w, r, "base_time")
	if !ok {
		return
	}
	resp, err := h.service.ByForecast(r.Context(), datasetName(r), baseTime)
	h.respond(w, r, resp, err)
}

// HandleMetadata handles GET /metadata.
func (h *DatasetHandler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	baseTime, ok := requireParam(w, r, "base_time")
	if !ok {
		return
	}
	leadHours := 0.0
	if raw := r.URL.Query().Get("lead_hours"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			core.Error(w, r, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidLeadHours,
				"lead_hours must be a non-negative number",
				nil,
				map[string]any{"lead_hours": raw},
			))
			return
		}
		leadHours = v
	}
	resp, err := h.service.Metadata(r.Context(), datasetName(r), baseTime, leadHours)
	h.respond(w, r, resp, err)
}

// HandleTooltip handles GET /tooltip.
func (h *DatasetHandler) HandleTooltip(w http.ResponseWriter, r *http.Request) {
	baseTime, ok := requireParam(w, r, "base_time")
	if !ok {
		return
	}
	forecastTime, ok := requireParam(w, r, "forecast_time")
	if !ok {
		return
	}
	coords, ok := requireParam(w, r, "coords")
	if !ok {
		return
	}
	resp, err := h.service.Tooltip(r.Context(), datasetName(r), baseTime, forecastTime, coords)
	h.respond(w, r, resp, err)
}

// HandleHeatmapImage handles GET /heatmap/image. The body is the PNG; the
// placement and colour scale travel in headers.
func (h *DatasetHandler) HandleHeatmapImage(w http.ResponseWriter, r *http.Request) {
	baseTime, ok := requireParam(w, r, "base_time")
	if !ok {
		return
	}
	forecastTime, ok := requireParam(w, r, "forecast_time")
	if !ok {
		return
	}

	img, err := h.service.Heatmap(r.Context(), datasetName(r), baseTime, forecastTime, r.URL.Query().Get("bbox"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", img.ContentType)
	hdr.Set("Cache-Control", cacheRead)
	hdr.Set("X-Extent-3857", formatExtent(img.Extent))
	hdr.Set("X-Scale-Min", formatFloat(img.ScaleMin))
	hdr.Set("X-Scale-Max", formatFloat(img.ScaleMax))
	hdr.Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		h.logger.WarnContext(r.Context(), "failed to write heatmap body", "error", err)
	}
}

// HandleTimeSeries handles GET /time-series.
func (h *DatasetHandler) HandleTimeSeries(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.TimeSeries(r.Context(), datasetName(r), seriesQuery(r))
	h.respond(w, r, resp, err)
}

// HandleExceedanceFrequency handles GET /exceedance-frequency.
func (h *DatasetHandler) HandleExceedanceFrequency(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ExceedanceFrequency(r.Context(), datasetName(r), seriesQuery(r), r.URL.Query().Get("thresholds"))
	h.respond(w, r, resp, err)
}

// HandleExpectedFires handles GET /expected-fires.
func (h *DatasetHandler) HandleExpectedFires(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ExpectedFires(r.Context(), datasetName(r), seriesQuery(r))
	h.respond(w, r, resp, err)
}

// HandleDifferenceMap handles GET /difference-map.
func (h *DatasetHandler) HandleDifferenceMap(w http.ResponseWriter, r *http.Request) {
	start, ok := requireParam(w, r, "start_base")
	if !ok {
		return
	}
	end, ok := requireParam(w, r, "end_base")
	if !ok {
		return
	}
	resp, err := h.service.DifferenceMap(r.Context(), datasetName(r), start, end, r.URL.Query().Get("bbox"))
	h.respond(w, r, resp, err)
}

func (h *DatasetHandler) respond(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", cacheRead)
	core.Data(w, r, http.StatusOK, data)
}

// fail logs server faults before writing the error; client faults are
// already in the access log.
func (h *DatasetHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) || !appErr.Code.IsClientFault() {
		h.logger.ErrorContext(r.Context(), "dataset request failed",
			"dataset", datasetName(r),
			"path", r.URL.Path,
			"error", err,
		)
	}
	core.Error(w, r, err)
}

// datasetName prefers the canonical profile name from the context and falls
// back to the raw URL parameter.
func datasetName(r *http.Request) string {
	if p, ok := types.DatasetFromContext(r.Context()); ok {
		return p.Name
	}
	return chi.URLParam(r, "dataset")
}

func seriesQuery(r *http.Request) forecasts.SeriesQuery {
	q := r.URL.Query()
	return forecasts.SeriesQuery{
		BBox:      q.Get("bbox"),
		StartBase: q.Get("start_base"),
		EndBase:   q.Get("end_base"),
	}
}

func requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			name+" query parameter is required",
			nil,
			map[string]any{"field": name},
		))
		return "", false
	}
	return v, true
}

func formatExtent(e render.Extent) string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
