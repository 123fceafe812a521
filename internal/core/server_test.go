package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"firerisk/internal/config"
	"firerisk/internal/types"
)

func TestNewServer_RejectsMissingDependencies(t *testing.T) {
	cfg := &config.Config{}
	if _, err := NewServer(nil, types.DefaultDatasets(), discardLogger()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(cfg, nil, discardLogger()); err == nil {
		t.Error("expected error for nil registry")
	}
	if _, err := NewServer(cfg, types.DefaultDatasets(), nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestMountRoutes_RegistrarsAndDatasetContext(t *testing.T) {
	srv := newTestServer(t)
	metrics := &mockMetrics{}
	srv.Metrics = metrics
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.With(srv.DatasetContext).Get("/datasets/{dataset}/ping", func(w http.ResponseWriter, r *http.Request) {
			p, ok := types.DatasetFromContext(r.Context())
			if !ok {
				t.Error("dataset profile missing from context")
			}
			Data(w, r, http.StatusOK, map[string]string{"dataset": p.Name})
		})
	})
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/datasets/POF/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Data["dataset"] != "pof" {
		t.Errorf("dataset = %q, want pof", body.Data["dataset"])
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id header missing")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/datasets/era5/ping", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown dataset status = %d, want 400", rec.Code)
	}
	var errBody APIErrorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &errBody)
	if errBody.Error.Code != string(types.ErrCodeValidationUnknownDataset) {
		t.Errorf("code = %q", errBody.Error.Code)
	}
	if errBody.Error.RequestID == "" {
		t.Error("error body must carry the request id")
	}

	if len(metrics.requests) != 2 {
		t.Fatalf("recorded %d requests, want 2", len(metrics.requests))
	}
	if got := metrics.requests[0].endpoint; got != "/v1/datasets/{dataset}/ping" {
		t.Errorf("endpoint label = %q, want the route pattern", got)
	}
}

func TestMountRoutes_MetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics" {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestMountRoutes_NoMetricsHandler(t *testing.T) {
	srv := newTestServer(t)
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRequestIDMiddleware_PropagatesIncoming(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-123" || rec.Header().Get("X-Request-Id") != "req-123" {
		t.Errorf("request id = %q / %q", seen, rec.Header().Get("X-Request-Id"))
	}
}

func TestContextTimeoutMiddleware_SetsDeadline(t *testing.T) {
	h := ContextTimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("request context has no deadline")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestShutdown_RunsClosersInReverse(t *testing.T) {
	srv := newTestServer(t)
	var order []int
	srv.OnShutdown(func() { order = append(order, 1) })
	srv.OnShutdown(func() { order = append(order, 2) })

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("closer order = %v, want [2 1]", order)
	}
}

func TestShutdown_StopsOnExpiredContext(t *testing.T) {
	srv := newTestServer(t)
	called := false
	srv.OnShutdown(func() { called = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.Shutdown(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
	if called {
		t.Error("closer must not run after the context expired")
	}
}
