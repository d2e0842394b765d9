// Package api holds the pieces every HTTP handler in the service shares.
package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"restosync/internal/constants"
	"restosync/internal/logger"
	"restosync/pkg/errors"
)

type BaseHandler struct {
	Logger logger.Logger
}

// HandleError logs err and writes the matching status and error body.
// Client errors are logged at warn level.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= 500 {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.WarnwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

// BadRequest answers a body that failed to bind.
func (h *BaseHandler) BadRequest(c *gin.Context, err error) {
	h.HandleError(c, errors.ErrInvalidRequest.WithCause(err).WithDetail("message", err.Error()))
}

func ParseLimit(limitStr string) int {
	if limitStr == "" {
		return constants.DefaultLimit
	}
	parsed, err := strconv.Atoi(limitStr)
	if err != nil || parsed <= 0 || parsed > constants.MaxLimit {
		return constants.DefaultLimit
	}
	return parsed
}
