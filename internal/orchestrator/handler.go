package orchestrator

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"restosync/internal/api"
	"restosync/internal/logger"
)

const (
	recentRunsLimit = 20
	statsWindow     = 24 * time.Hour
)

type Handler struct {
	api.BaseHandler
	orchestrator *Orchestrator
	runs         RunStore
}

func NewHandler(o *Orchestrator, runs RunStore, log logger.Logger) *Handler {
	return &Handler{BaseHandler: api.BaseHandler{Logger: log}, orchestrator: o, runs: runs}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/sync", h.TriggerSync)
		v1.GET("/sync", h.ListRuns)
		v1.GET("/sync/:id", h.GetRun)
	}
}

type SyncRequest struct {
	Type         ScopeType `json:"type" binding:"required,oneof=single mall stale full"`
	RestaurantID string    `json:"restaurantId"`
	MallSlug     string    `json:"mallSlug"`
	Limit        int       `json:"limit" binding:"omitempty,min=1"`
	ForceRefresh bool      `json:"forceRefresh"`
	DryRun       bool      `json:"dryRun"`
}

type SyncResponse struct {
	Type     ScopeType `json:"type"`
	Success  bool      `json:"success"`
	RunID    string    `json:"runId"`
	Status   Status    `json:"status"`
	Synced   int       `json:"synced"`
	Failed   int       `json:"failed"`
	Closures int       `json:"closures"`
	Total    int       `json:"total,omitempty"`
	Errors   []string  `json:"errors,omitempty"`
}

type RunsResponse struct {
	Runs  []Run     `json:"runs"`
	Stats *RunStats `json:"stats"`
}

// TriggerSync godoc
// @Summary      Trigger a sync run
// @Description  Refreshes one entity, a mall, stale entities or everything. dryRun returns a preview instead.
// @Tags         sync
// @Accept       json
// @Produce      json
// @Param        request  body      SyncRequest  true  "Sync scope"
// @Success      200      {object}  SyncResponse
// @Failure      400      {object}  errors.ErrorResponse
// @Failure      404      {object}  errors.ErrorResponse
// @Failure      500      {object}  errors.ErrorResponse
// @Router       /v1/sync [post]
func (h *Handler) TriggerSync(c *gin.Context) {
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, err)
		return
	}

	scope := Scope{Type: req.Type, EntityID: req.RestaurantID, MallSlug: req.MallSlug}
	opts := Options{MaxItems: req.Limit, ForceRefresh: req.ForceRefresh, DryRun: req.DryRun}

	ctx := c.Request.Context()
	if req.DryRun {
		p, err := h.orchestrator.Preview(ctx, scope, opts)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
		return
	}

	run, err := h.orchestrator.RunSync(ctx, scope, opts)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp := SyncResponse{
		Type:     req.Type,
		Success:  run.Status == StatusCompleted,
		RunID:    run.ID,
		Status:   run.Status,
		Synced:   run.Processed - run.Failed,
		Failed:   run.Failed,
		Closures: run.Closures,
		Errors:   run.Errors,
	}
	if req.Type == ScopeStale || req.Type == ScopeFull || req.Type == ScopeMall {
		resp.Total = run.Requested
	}
	c.JSON(http.StatusOK, resp)
}

// ListRuns godoc
// @Summary      Recent sync runs
// @Description  Lists recent runs with aggregate statistics over the last 24 hours
// @Tags         sync
// @Produce      json
// @Param        limit  query     int  false  "Maximum runs to return"
// @Success      200    {object}  RunsResponse
// @Failure      500    {object}  errors.ErrorResponse
// @Router       /v1/sync [get]
func (h *Handler) ListRuns(c *gin.Context) {
	ctx := c.Request.Context()
	limit := recentRunsLimit
	if c.Query("limit") != "" {
		limit = api.ParseLimit(c.Query("limit"))
	}

	runs, err := h.runs.Recent(ctx, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	stats, err := h.runs.Stats(ctx, time.Now().UTC().Add(-statsWindow))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	c.JSON(http.StatusOK, RunsResponse{Runs: runs, Stats: stats})
}

// GetRun godoc
// @Summary      Get a sync run
// @Tags         sync
// @Produce      json
// @Param        id   path      string  true  "Run ID"
// @Success      200  {object}  Run
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /v1/sync/{id} [get]
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
