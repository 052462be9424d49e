// handlers_hooks.go - tusd HTTP hook receiver
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tus-placer/backend/internal/assembly"
	"github.com/tus-placer/backend/internal/filename"
	"github.com/tus-placer/backend/internal/logger"
	"github.com/tus-placer/backend/internal/models"
	"github.com/tus-placer/backend/internal/upload"
)

// Hook types sent by tusd.
const (
	HookPreCreate     = "pre-create"
	HookPostCreate    = "post-create"
	HookPostReceive   = "post-receive"
	HookPreFinish     = "pre-finish"
	HookPostFinish    = "post-finish"
	HookPostTerminate = "post-terminate"
)

// HookRequest is the body tusd posts to an HTTP hook endpoint.
type HookRequest struct {
	Type  string    `json:"Type"`
	Event HookEvent `json:"Event"`
}

// HookEvent carries the upload the hook is about.
type HookEvent struct {
	Upload HookUpload `json:"Upload"`
}

// HookUpload mirrors tusd's FileInfo.
type HookUpload struct {
	ID             string            `json:"ID"`
	Size           int64             `json:"Size"`
	SizeIsDeferred bool              `json:"SizeIsDeferred"`
	Offset         int64             `json:"Offset"`
	MetaData       map[string]string `json:"MetaData"`
	IsPartial      bool              `json:"IsPartial"`
	IsFinal        bool              `json:"IsFinal"`
	Storage        map[string]string `json:"Storage,omitempty"`
}

// HookResponse is what tusd expects back.
type HookResponse struct {
	HTTPResponse *HookHTTPResponse `json:"HTTPResponse,omitempty"`
	RejectUpload bool              `json:"RejectUpload,omitempty"`
}

// HookHTTPResponse overrides the response tusd sends to the client.
type HookHTTPResponse struct {
	StatusCode int               `json:"StatusCode,omitempty"`
	Body       string            `json:"Body,omitempty"`
	Header     map[string]string `json:"Header,omitempty"`
}

// HookHandlerImpl implements the HookHandler interface
type HookHandlerImpl struct {
	uploads *upload.Manager
}

// NewHookHandler creates a new hook handler
func NewHookHandler(uploads *upload.Manager) HookHandler {
	return &HookHandlerImpl{uploads: uploads}
}

// HandleHook dispatches one tusd hook.
// Hook types this service does not act on are acknowledged with an empty response.
func (h *HookHandlerImpl) HandleHook(c echo.Context) error {
	var req HookRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid hook body", err)
	}
	if req.Type == "" {
		// tusd v1 names the hook in a header.
		req.Type = c.Request().Header.Get("Hook-Name")
	}

	switch req.Type {
	case HookPreCreate:
		return h.preCreate(c, req.Event.Upload)
	case HookPostFinish:
		return h.postFinish(c, req.Event.Upload)
	case "":
		return NewValidationError("Type")
	default:
		return c.JSON(http.StatusOK, HookResponse{})
	}
}

func (h *HookHandlerImpl) preCreate(c echo.Context, up HookUpload) error {
	meta := models.ParsePartMetadata(up.MetaData)

	err := h.uploads.OnUploadCreate(c.Request().Context(), meta)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, HookResponse{})
	case filename.IsConflict(err):
		return c.JSON(http.StatusOK, reject(http.StatusConflict, err.Error()))
	case errors.Is(err, assembly.ErrTooManyParts), errors.Is(err, assembly.ErrInvalidPart):
		return c.JSON(http.StatusOK, reject(http.StatusBadRequest, err.Error()))
	default:
		return NewInternalError("pre-create check failed", err)
	}
}

func (h *HookHandlerImpl) postFinish(c echo.Context, up HookUpload) error {
	if up.ID == "" {
		return NewValidationError("Event.Upload.ID")
	}
	if up.IsPartial {
		// Partial uploads of tus concatenation are assembled by tusd itself.
		return c.JSON(http.StatusOK, HookResponse{})
	}

	job := h.uploads.StartJob(up.ID, models.ParsePartMetadata(up.MetaData))
	logger.Ctx(c.Request().Context()).Debug().
		Str("upload", up.ID).
		Str("job", job.ID).
		Msg("completion job started")

	c.Response().Header().Set("X-Job-Id", job.ID)
	return c.JSON(http.StatusOK, HookResponse{})
}

func reject(status int, message string) HookResponse {
	body, _ := json.Marshal(map[string]string{"message": message})
	return HookResponse{
		RejectUpload: true,
		HTTPResponse: &HookHTTPResponse{
			StatusCode: status,
			Body:       string(body),
			Header:     map[string]string{"Content-Type": "application/json"},
		},
	}
}
