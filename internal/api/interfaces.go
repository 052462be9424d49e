// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/tus-placer/backend/internal/models"
)

// HookHandler receives lifecycle hooks from the tus server
type HookHandler interface {
	HandleHook(c echo.Context) error
}

// JobHandler exposes completion jobs
type JobHandler interface {
	HandleGetJob(c echo.Context) error
}

// GroupHandler exposes multipart assembly state
type GroupHandler interface {
	HandleListGroups(c echo.Context) error
	HandleGetGroup(c echo.Context) error
	HandleRetryGroup(c echo.Context) error
}

// PlacementHandler exposes the outcome ledger
type PlacementHandler interface {
	HandleRecentPlacements(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// EventHandler streams job updates over WebSocket
type EventHandler interface {
	HandleEvents(c echo.Context) error
}

// PlacementLog is the read side of the outcome ledger.
// This allows running without a ledger and mocking in tests
type PlacementLog interface {
	Recent(ctx context.Context, limit int, status models.PlacementStatus) ([]models.PlacementRecord, error)
	Counts(ctx context.Context) (map[models.PlacementStatus]int, error)
	Path() string
}
