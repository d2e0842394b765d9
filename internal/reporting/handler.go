package reporting

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"restosync/internal/api"
	"restosync/internal/changelog"
	"restosync/internal/logger"
	pkgerrors "restosync/pkg/errors"
)

const (
	defaultWindow = 24 * time.Hour
	maxWindow     = 90 * 24 * time.Hour
)

type Handler struct {
	api.BaseHandler
	service *Service
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{BaseHandler: api.BaseHandler{Logger: log}, service: service}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/reports/freshness", h.GetFreshness)
		v1.GET("/reports/changes", h.GetChanges)
		v1.GET("/review-queue", h.ListReviewQueue)
		v1.GET("/entities/:id/changes", h.ListEntityChanges)
	}
}

// GetFreshness godoc
// @Summary      Freshness report
// @Description  Verification age buckets, stale counts and enrichment status for open entities
// @Tags         reports
// @Produce      json
// @Success      200  {object}  Freshness
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /v1/reports/freshness [get]
func (h *Handler) GetFreshness(c *gin.Context) {
	f, err := h.service.Freshness(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// GetChanges godoc
// @Summary      Change activity report
// @Description  Change log, sync run and webhook activity over a trailing window
// @Tags         reports
// @Produce      json
// @Param        window  query     string  false  "Trailing window as a Go duration, default 24h, at most 2160h"
// @Success      200     {object}  Changes
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /v1/reports/changes [get]
func (h *Handler) GetChanges(c *gin.Context) {
	window := defaultWindow
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxWindow {
			h.HandleError(c, pkgerrors.ErrInvalidRequest.WithDetail("message", "window must be a positive duration up to 2160h"))
			return
		}
		window = d
	}

	out, err := h.service.Changes(c.Request.Context(), window)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListReviewQueue godoc
// @Summary      Pending reviews
// @Description  Oldest pending review items first
// @Tags         reports
// @Produce      json
// @Param        limit  query     int  false  "Maximum items"
// @Success      200    {array}   changelog.ReviewItem
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /v1/review-queue [get]
func (h *Handler) ListReviewQueue(c *gin.Context) {
	items, err := h.service.ReviewQueue(c.Request.Context(), api.ParseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if items == nil {
		items = []changelog.ReviewItem{}
	}
	c.JSON(http.StatusOK, items)
}

// ListEntityChanges godoc
// @Summary      Change history of one entity
// @Tags         reports
// @Produce      json
// @Param        id     path      string  true   "Entity ID"
// @Param        limit  query     int     false  "Maximum entries"
// @Success      200    {array}   changelog.Entry
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /v1/entities/{id}/changes [get]
func (h *Handler) ListEntityChanges(c *gin.Context) {
	entries, err := h.service.EntityChanges(c.Request.Context(), c.Param("id"), api.ParseLimit(c.Query("limit")))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if entries == nil {
		entries = []changelog.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}
