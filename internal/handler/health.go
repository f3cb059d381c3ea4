package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"httpask-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin server.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	state   StopState
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, state StopState) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, state: state}
}

// Healthz returns OK while the relay listener is accepting and 503 once a
// stop has been requested.
func (h *HealthHandler) Healthz(c echo.Context) error {
	if h.state.Stopped() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "stopping",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version, relay listen address and stop state.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     string(h.version),
		"listen_addr": h.cfg.Server.Addr(),
		"stopped":     h.state.Stopped(),
	})
}
