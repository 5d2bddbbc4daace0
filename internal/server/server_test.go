package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/portfoliodb/internal/metrics"
	"github.com/alanyoungcy/portfoliodb/internal/server/handler"
	"github.com/alanyoungcy/portfoliodb/internal/server/middleware"
	"github.com/alanyoungcy/portfoliodb/internal/service"
	"github.com/alanyoungcy/portfoliodb/internal/store/memory"
)

func TestRoutesAndAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := memory.New().Executor()
	batches := service.NewBatchService(logger)
	merger := service.NewMergeEngine(ex, logger)
	ingest := service.NewIngestService(ex, batches, service.NewValidator(batches, logger), nil, merger, logger)

	srv := NewServer(Config{APIKey: "k", RateLimitRPM: 1000}, Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"store": func(context.Context) error { return nil },
		}, logger),
		Batches:     handler.NewBatchHandler(ingest, logger),
		Instruments: handler.NewInstrumentHandler(ex.Instruments(), merger, logger),
		Metrics:     metrics.New().Handler(),
	}, nil, middleware.NewLocalLimiter(), logger)

	cases := []struct {
		method, path string
		key          string
		want         int
	}{
		{http.MethodGet, "/api/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/batches", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/batches", "k", http.StatusOK},
		{http.MethodGet, "/api/batches/99", "k", http.StatusNotFound},
		{http.MethodGet, "/api/instruments/99", "k", http.StatusNotFound},
		{http.MethodDelete, "/api/batches/1", "k", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.key != "" {
			req.Header.Set("X-API-Key", tc.key)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: status %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}
