package webhook

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"restosync/internal/api"
	"restosync/internal/constants"
	"restosync/internal/logger"
	pkgerrors "restosync/pkg/errors"
)

const (
	maxBodyBytes = 1 << 20
	statsWindow  = 24 * time.Hour
)

type Handler struct {
	api.BaseHandler
	ingestor *Ingestor
	store    IngestionStore
	archive  Archive
	limiter  gin.HandlerFunc
}

// NewHandler wires the webhook routes. limiter guards the POST route and
// may be nil; archive may be nil when payload archiving is off.
func NewHandler(ingestor *Ingestor, store IngestionStore, archive Archive, limiter gin.HandlerFunc, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: api.BaseHandler{Logger: log},
		ingestor:    ingestor,
		store:       store,
		archive:     archive,
		limiter:     limiter,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	hooks := router.Group("/api/webhooks")
	{
		post := []gin.HandlerFunc{h.Receive}
		if h.limiter != nil {
			post = append([]gin.HandlerFunc{h.limiter}, post...)
		}
		hooks.POST("/restaurant-updates", post...)
		hooks.GET("/restaurant-updates", h.Stats)
		hooks.GET("/restaurant-updates/archive/:id", h.GetArchived)
	}
}

// Receive godoc
// @Summary      Receive a restaurant update webhook
// @Description  Validates, authenticates and applies an inbound change event. With async=true the event is queued instead.
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        X-Webhook-Signature  header    string  false  "hex HMAC-SHA256 of {timestamp}.{body}"
// @Param        X-Webhook-Timestamp  header    string  false  "unix seconds or RFC 3339"
// @Param        async                query     bool    false  "queue the event for the automation consumer"
// @Param        payload              body      Payload  true  "Webhook payload"
// @Success      200  {object}  Result
// @Success      202  {object}  map[string]interface{}
// @Failure      400  {object}  errors.ErrorResponse
// @Failure      401  {object}  errors.ErrorResponse
// @Failure      404  {object}  errors.ErrorResponse
// @Router       /webhooks/restaurant-updates [post]
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		h.BadRequest(c, err)
		return
	}
	if len(body) > maxBodyBytes {
		h.HandleError(c, pkgerrors.ErrInvalidRequest.WithDetail("message", "payload too large"))
		return
	}

	headers := AuthHeaders{
		Signature: c.GetHeader(constants.HeaderWebhookSignature),
		Timestamp: c.GetHeader(constants.HeaderWebhookTimestamp),
	}
	ctx := c.Request.Context()

	if c.Query("async") == "true" {
		if err := h.ingestor.Enqueue(ctx, body, headers); err != nil {
			h.HandleError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"success": true, "queued": true})
		return
	}

	res, err := h.ingestor.Ingest(ctx, body, headers)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stats godoc
// @Summary      Webhook activity
// @Description  Counts of webhook requests in the trailing 24 hours grouped by terminal status
// @Tags         webhooks
// @Produce      json
// @Success      200  {object}  Stats
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /webhooks/restaurant-updates [get]
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context(), time.Now().UTC().Add(-statsWindow))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetArchived godoc
// @Summary      Archived webhook payload
// @Tags         webhooks
// @Produce      json
// @Param        id   path      string  true  "Ingestion ID"
// @Success      200  {object}  ArchivedPayload
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      503  {object}  errors.ErrorResponse
// @Router       /webhooks/restaurant-updates/archive/{id} [get]
func (h *Handler) GetArchived(c *gin.Context) {
	if h.archive == nil {
		h.HandleError(c, pkgerrors.ErrServiceUnavailable.WithDetail("message", "payload archive is disabled"))
		return
	}
	p, err := h.archive.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
