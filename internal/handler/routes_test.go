package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"httpask-go/internal/config"
	"httpask-go/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	m := metrics.New()
	health := NewHealthHandler(cfg, "test", &fakeState{})

	e := echo.New()
	RegisterRoutes(e, cfg, health, m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsExposition(t *testing.T) {
	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: true, Path: "/custom-metrics"},
	}
	m := metrics.New()
	m.RelaysTotal.WithLabelValues("unbounded", "ok").Inc()

	e := echo.New()
	RegisterRoutes(e, cfg, NewHealthHandler(cfg, "test", &fakeState{}), m)

	req := httptest.NewRequest(http.MethodGet, "/custom-metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "httpask_relays_total") {
		t.Error("expected httpask_relays_total in exposition output")
	}
	if got := m.NormalizePath("/custom-metrics"); got != "/custom-metrics" {
		t.Errorf("NormalizePath(/custom-metrics) = %q, want the configured metrics path", got)
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: false, Path: "/metrics"},
	}

	e := echo.New()
	RegisterRoutes(e, cfg, NewHealthHandler(cfg, "test", &fakeState{}), metrics.New())

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
