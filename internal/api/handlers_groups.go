// handlers_groups.go - Job, group and placement handlers
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tus-placer/backend/internal/models"
	"github.com/tus-placer/backend/internal/upload"
)

// JobHandlerImpl implements the JobHandler interface
type JobHandlerImpl struct {
	uploads *upload.Manager
}

// NewJobHandler creates a new job handler
func NewJobHandler(uploads *upload.Manager) JobHandler {
	return &JobHandlerImpl{uploads: uploads}
}

// HandleGetJob returns the status of one completion job.
func (h *JobHandlerImpl) HandleGetJob(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}
	job, ok := h.uploads.GetJob(id)
	if !ok {
		return NewNotFoundError("job", id)
	}
	return c.JSON(http.StatusOK, job)
}

// GroupHandlerImpl implements the GroupHandler interface
type GroupHandlerImpl struct {
	uploads *upload.Manager
}

// NewGroupHandler creates a new group handler
func NewGroupHandler(uploads *upload.Manager) GroupHandler {
	return &GroupHandlerImpl{uploads: uploads}
}

// HandleListGroups returns every pending or abandoned assembly record.
// ?format=msgpack switches the encoding.
func (h *GroupHandlerImpl) HandleListGroups(c echo.Context) error {
	groups := h.uploads.Tracker().Snapshot()

	if c.QueryParam("format") == "msgpack" {
		data, err := msgpack.Marshal(map[string]interface{}{
			"groups": groups,
			"total":  len(groups),
		})
		if err != nil {
			return NewInternalError("failed to encode groups", err)
		}
		return c.Blob(http.StatusOK, "application/msgpack", data)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"groups": groups,
		"total":  len(groups),
	})
}

// HandleGetGroup returns one assembly record.
func (h *GroupHandlerImpl) HandleGetGroup(c echo.Context) error {
	id := c.Param("id")
	group, ok := h.uploads.Tracker().Group(id)
	if !ok {
		return NewNotFoundError("group", id)
	}
	return c.JSON(http.StatusOK, group)
}

// HandleRetryGroup re-runs assembly of an abandoned group and places it.
func (h *GroupHandlerImpl) HandleRetryGroup(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}

	out, err := h.uploads.Retry(c.Request().Context(), id)
	if err != nil {
		return FromDomainError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// PlacementHandlerImpl implements the PlacementHandler interface
type PlacementHandlerImpl struct {
	log PlacementLog
}

// NewPlacementHandler creates a new placement handler. log may be nil.
func NewPlacementHandler(log PlacementLog) PlacementHandler {
	return &PlacementHandlerImpl{log: log}
}

// HandleRecentPlacements returns recent outcomes, newest first.
func (h *PlacementHandlerImpl) HandleRecentPlacements(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return NewValidationError("limit")
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}
	status := models.PlacementStatus(c.QueryParam("status"))

	if h.log == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"placements": []models.PlacementRecord{},
			"enabled":    false,
		})
	}

	records, err := h.log.Recent(c.Request().Context(), limit, status)
	if err != nil {
		return NewInternalError("failed to query placements", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"placements": records,
		"enabled":    true,
	})
}
