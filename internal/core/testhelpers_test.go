package core

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"firerisk/internal/config"
	"firerisk/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer lets tests read log output written by handler goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordedRequest struct {
	method, endpoint, status string
	duration                 time.Duration
}

type mockMetrics struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (m *mockMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method, endpoint, status, duration})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Environment: "local",
		Server:      config.ServerConfig{RequestTimeout: time.Second},
		Build:       config.BuildInfo{Version: "test"},
	}
	srv, err := NewServer(cfg, types.DefaultDatasets(), discardLogger())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}
