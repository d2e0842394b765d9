package enrichment

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"restosync/internal/api"
	"restosync/internal/logger"
)

type Handler struct {
	api.BaseHandler
	scorer *Scorer
}

func NewHandler(scorer *Scorer, log logger.Logger) *Handler {
	return &Handler{BaseHandler: api.BaseHandler{Logger: log}, scorer: scorer}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/entities/:id/enrichment", h.GetProfile)
		v1.POST("/enrichment/recompute", h.Recompute)
	}
}

type RecomputeRequest struct {
	EntityIDs []string `json:"entityIds"`
	BatchSize int      `json:"batchSize" binding:"omitempty,min=1,max=1000"`
}

// GetProfile godoc
// @Summary      Get an entity's enrichment profile
// @Description  Computes the completeness checklist from current stored state
// @Tags         enrichment
// @Produce      json
// @Param        id   path      string  true  "Entity ID"
// @Success      200  {object}  Profile
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /v1/entities/{id}/enrichment [get]
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.scorer.Profile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Recompute godoc
// @Summary      Recompute enrichment profiles
// @Description  Recomputes the listed entities, or every entity when none are listed
// @Tags         enrichment
// @Accept       json
// @Produce      json
// @Param        request  body      RecomputeRequest  false  "Entities to recompute"
// @Success      200      {object}  RecomputeStats
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      500      {object}  errors.ErrorResponse
// @Router       /v1/enrichment/recompute [post]
func (h *Handler) Recompute(c *gin.Context) {
	var req RecomputeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.BadRequest(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	if len(req.EntityIDs) > 0 {
		c.JSON(http.StatusOK, h.scorer.RecomputeMany(ctx, req.EntityIDs))
		return
	}
	stats, err := h.scorer.RecomputeAll(ctx, req.BatchSize)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
