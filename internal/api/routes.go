// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tus-placer/backend/internal/logger"
	"github.com/tus-placer/backend/internal/storage"
	"github.com/tus-placer/backend/internal/upload"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	UploadMgr *upload.Manager
	Ledger    PlacementLog
	Hub       *EventHub
	FS        storage.FS
	// Dirs are checked by the health endpoint
	Dirs    map[string]string
	Version string
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Hooks     HookHandler
	Jobs      JobHandler
	Groups    GroupHandler
	Placement PlacementHandler
	Events    EventHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	hub := deps.Hub
	if hub == nil {
		hub = NewEventHub()
	}
	fsys := deps.FS
	if fsys == nil {
		fsys = storage.OS()
	}
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, fsys, deps.Dirs, deps.Ledger, hub),
		Hooks:     NewHookHandler(deps.UploadMgr),
		Jobs:      NewJobHandler(deps.UploadMgr),
		Groups:    NewGroupHandler(deps.UploadMgr),
		Placement: NewPlacementHandler(deps.Ledger),
		Events:    hub,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	api := e.Group("/api")

	api.GET("/health", handlers.Health.HandleHealth)

	// tusd hook receiver
	api.POST("/hooks", handlers.Hooks.HandleHook)

	api.GET("/jobs/:id", handlers.Jobs.HandleGetJob)

	groups := api.Group("/groups")
	groups.GET("", handlers.Groups.HandleListGroups)
	groups.GET("/:id", handlers.Groups.HandleGetGroup)
	groups.POST("/:id/retry", handlers.Groups.HandleRetryGroup)

	api.GET("/placements", handlers.Placement.HandleRecentPlacements)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/events", handlers.Events.HandleEvents)
}

// MiddlewareOptions tunes SetupMiddleware
type MiddlewareOptions struct {
	RequestLogging bool
	// BodyLimit caps hook request bodies, e.g. "1M"
	BodyLimit string
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.Recover())

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	if opts.RequestLogging {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod:   true,
			LogURI:      true,
			LogStatus:   true,
			LogLatency:  true,
			LogRemoteIP: true,
			LogError:    true,
			HandleError: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				ev := logger.Info()
				if v.Error != nil || v.Status >= http.StatusInternalServerError {
					ev = logger.Error().Err(v.Error)
				}
				ev.Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Msg("request")
				return nil
			},
		}))
	}
}
