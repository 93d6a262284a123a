// Package api implements the REST management surface for the Conduit engine.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/verdantops/conduit/internal/cost"
	"github.com/verdantops/conduit/internal/database"
	"github.com/verdantops/conduit/internal/metrics"
	"github.com/verdantops/conduit/internal/pricing"
	"github.com/verdantops/conduit/internal/queue"
	"github.com/verdantops/conduit/internal/semcache"
	"github.com/verdantops/conduit/pkg/models"
)

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	queue   *queue.Queue
	cache   *semcache.Cache
	costs   *cost.Optimizer
	pricing *pricing.Table
	db      *database.DB
}

// NewHandlers creates a new Handlers instance. cache and db may be nil; the
// affected endpoints degrade rather than fail at startup. A nil table falls
// back to the built-in pricing.
func NewHandlers(q *queue.Queue, cache *semcache.Cache, costs *cost.Optimizer, table *pricing.Table, db *database.DB) *Handlers {
	if table == nil {
		table = pricing.Default()
	}
	return &Handlers{queue: q, cache: cache, costs: costs, pricing: table, db: db}
}

// HealthCheck returns the service health status.
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "conduit",
		"version": "0.1.0",
	})
}

// EnqueueRequest represents the request body for POST /v1/queue.
type EnqueueRequest struct {
	Provider       models.LLMProvider `json:"provider" binding:"required"`
	Model          string             `json:"model" binding:"required"`
	Messages       []models.Message   `json:"messages" binding:"required"`
	Priority       models.Priority    `json:"priority"`
	OrganizationID string             `json:"organization_id" binding:"required"`
	UserID         string             `json:"user_id"`
	ConversationID string             `json:"conversation_id"`
	MaxRetries     int                `json:"max_retries"`
	TimeoutMs      int64              `json:"timeout_ms"`
	SkipCache      bool               `json:"skip_cache"`
}

// Enqueue accepts a request into the queue. Before queuing it checks budget
// admission and the semantic cache; a cache hit returns the stored response
// inline and never reaches a provider.
func (h *Handlers) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A model the pricing table does not know would be served but charged
	// at zero, bypassing every budget. Reject it up front.
	if _, err := h.pricing.Lookup(req.Provider, req.Model); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_model", "message": err.Error()})
		return
	}

	allowed, reason, err := h.costs.CheckAdmission(c.Request.Context(), req.OrganizationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !allowed {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":           "budget_exceeded",
			"message":         reason,
			"organization_id": req.OrganizationID,
		})
		return
	}

	if h.cache != nil && !req.SkipCache {
		match, err := h.cache.Get(c.Request.Context(), req.OrganizationID, req.Provider, req.Model, req.Messages, semcache.GetOptions{})
		switch {
		case err != nil:
			// Fail open: a cache outage degrades to a miss.
			metrics.CacheLookups.WithLabelValues("error").Inc()
			log.Printf("api: cache lookup failed, treating as miss: %v", err)
		case match != nil:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			h.trackCachedHit(c, &req)
			c.JSON(http.StatusOK, gin.H{
				"cached":     true,
				"similarity": match.Similarity,
				"entry_id":   match.Entry.ID,
				"response":   match.Entry.Response,
			})
			return
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	id, err := h.queue.Enqueue(c.Request.Context(), queue.EnqueueOptions{
		Provider:       req.Provider,
		Model:          req.Model,
		Messages:       req.Messages,
		Priority:       req.Priority,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		MaxRetries:     req.MaxRetries,
		TimeoutMs:      req.TimeoutMs,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "queue_full", "message": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	metrics.RequestsEnqueued.WithLabelValues(string(priority)).Inc()
	c.JSON(http.StatusAccepted, gin.H{
		"request_id": id,
		"status":     models.StatusPending,
	})
}

// trackCachedHit records a usage entry for a cache hit: zero tokens, zero
// cost, cached=true, so hit rates show up in cost metrics.
func (h *Handlers) trackCachedHit(c *gin.Context, req *EnqueueRequest) {
	rec := &models.CostRecord{
		RequestID:      uuid.New().String(),
		OrganizationID: req.OrganizationID,
		Provider:       req.Provider,
		Model:          req.Model,
		Cached:         true,
		Success:        true,
		Timestamp:      time.Now().UTC(),
	}
	if err := h.costs.TrackRequest(c.Request.Context(), rec); err != nil {
		metrics.CostRecordsDropped.Inc()
		log.Printf("api: tracking cached hit: %v", err)
	}
}

// QueueAction handles GET /v1/queue?action=stats|status|cleanup.
func (h *Handlers) QueueAction(c *gin.Context) {
	switch c.DefaultQuery("action", "stats") {
	case "stats":
		stats, err := h.queue.GetStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)

	case "status":
		orgID := c.Query("organization_id")
		requestID := c.Query("request_id")
		if orgID == "" || requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id and request_id are required"})
			return
		}
		req, err := h.queue.GetStatus(c.Request.Context(), orgID, requestID)
		if err != nil {
			if errors.Is(err, queue.ErrRequestNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, req)

	case "cleanup":
		removed, err := h.queue.Cleanup(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": removed})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}

// CancelRequest handles DELETE /v1/queue/:request_id.
func (h *Handlers) CancelRequest(c *gin.Context) {
	orgID := c.Query("organization_id")
	requestID := c.Param("request_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}

	err := h.queue.Cancel(c.Request.Context(), orgID, requestID)
	switch {
	case errors.Is(err, queue.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
	case errors.Is(err, queue.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "request already finished"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"request_id": requestID, "status": "cancel_requested"})
	}
}

// CostAction handles GET /v1/cost?action=....
func (h *Handlers) CostAction(c *gin.Context) {
	orgID := c.Query("organization_id")
	action := c.DefaultQuery("action", "metrics")

	if action != "provider-recommendation" && orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}

	switch action {
	case "metrics":
		period := models.Period(c.DefaultQuery("period", string(models.PeriodDaily)))
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "1"))
		if err != nil || limit < 1 || limit > 168 {
			limit = 1
		}
		ms, err := h.costs.GetCostMetrics(c.Request.Context(), orgID, period, limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(ms), "data": ms})

	case "summary":
		if h.db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cost archive unavailable"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 1 || limit > 1000 {
			limit = 50
		}
		records, err := h.db.GetRecentCostRecords(c.Request.Context(), orgID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(records), "data": records})

	case "alerts":
		includeAcked := c.Query("include_acknowledged") == "true"
		alerts, err := h.costs.GetAlerts(c.Request.Context(), orgID, includeAcked)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(alerts), "data": alerts})

	case "recommendations":
		recs, err := h.costs.GetRecommendations(c.Request.Context(), orgID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(recs), "data": recs})

	case "provider-recommendation":
		rt := models.RequestType(c.DefaultQuery("request_type", string(models.RequestSimple)))
		priority := models.Priority(c.DefaultQuery("priority", string(models.PriorityNormal)))
		rec, err := h.costs.OptimalProvider(rt, priority)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}

// SetBudgetRequest represents the request body for POST /v1/cost.
type SetBudgetRequest struct {
	Action              string        `json:"action" binding:"required"`
	OrganizationID      string        `json:"organization_id" binding:"required"`
	Period              models.Period `json:"period"`
	LimitUSD            float64       `json:"limit_usd"`
	WarningThresholdPct float64       `json:"warning_threshold_pct"`
	AlertThresholdPct   float64       `json:"alert_threshold_pct"`
	RolloverUnused      bool          `json:"rollover_unused"`
	HardBlock           bool          `json:"hard_block"`
	AlertID             string        `json:"alert_id"`
}

// CostMutation handles POST /v1/cost (set-budget, acknowledge-alert).
func (h *Handlers) CostMutation(c *gin.Context) {
	var req SetBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Action {
	case "set-budget":
		b := &models.Budget{
			OrganizationID:      req.OrganizationID,
			Period:              req.Period,
			LimitUSD:            req.LimitUSD,
			WarningThresholdPct: req.WarningThresholdPct,
			AlertThresholdPct:   req.AlertThresholdPct,
			RolloverUnused:      req.RolloverUnused,
			HardBlock:           req.HardBlock,
		}
		if err := h.costs.SetBudget(c.Request.Context(), b); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, b)

	case "acknowledge-alert":
		if req.AlertID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "alert_id is required"})
			return
		}
		if err := h.costs.AcknowledgeAlert(c.Request.Context(), req.OrganizationID, req.AlertID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alert_id": req.AlertID, "acknowledged": true})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}

// CacheAction handles GET /v1/cache?action=stats.
func (h *Handlers) CacheAction(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "semantic cache unavailable"})
		return
	}
	orgID := c.Query("organization_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}

	switch c.DefaultQuery("action", "stats") {
	case "stats":
		stats, err := h.cache.GetStats(c.Request.Context(), orgID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}

// ClearCache handles DELETE /v1/cache?organization_id=...&tags=a,b.
func (h *Handlers) ClearCache(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "semantic cache unavailable"})
		return
	}
	orgID := c.Query("organization_id")
	tagsParam := c.Query("tags")
	if orgID == "" || tagsParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id and tags are required"})
		return
	}

	removed, err := h.cache.ClearByTags(c.Request.Context(), orgID, strings.Split(tagsParam, ","))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
