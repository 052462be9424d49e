// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tus-placer/backend/internal/storage"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	fs      storage.FS
	dirs    map[string]string
	ledger  PlacementLog
	hub     *EventHub
}

// NewHealthHandler creates a new health handler. dirs maps a name to a
// directory that must exist for the service to be healthy.
func NewHealthHandler(version string, fsys storage.FS, dirs map[string]string, ledger PlacementLog, hub *EventHub) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		fs:      fsys,
		dirs:    dirs,
		ledger:  ledger,
		hub:     hub,
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	status := "ok"
	code := http.StatusOK

	dirs := make(map[string]bool, len(h.dirs))
	for name, path := range h.dirs {
		ok, err := storage.Exists(h.fs, path)
		dirs[name] = ok && err == nil
		if !dirs[name] {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	resp := map[string]interface{}{
		"status":      status,
		"version":     h.version,
		"directories": dirs,
		"ledger":      h.ledger != nil,
	}
	if h.hub != nil {
		resp["subscribers"] = h.hub.Clients()
	}
	if h.ledger != nil {
		resp["ledger_path"] = h.ledger.Path()
		if counts, err := h.ledger.Counts(c.Request().Context()); err == nil {
			resp["outcomes"] = counts
		}
	}
	return c.JSON(code, resp)
}
