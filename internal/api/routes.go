package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdantops/conduit/internal/middleware"
	"github.com/verdantops/conduit/pkg/kv"
)

// RegisterRoutes wires the HTTP surface onto the engine. Health and metrics
// are open; everything under /v1 requires the admin key.
func RegisterRoutes(r *gin.Engine, h *Handlers, store kv.Store, adminKey string) {
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.LoggingMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Admin-Key", "X-Org-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(middleware.AdminAuthMiddleware(adminKey))
	v1.Use(middleware.RateLimitMiddleware(store, 600, time.Minute))
	{
		v1.POST("/queue", h.Enqueue)
		v1.GET("/queue", h.QueueAction)
		v1.DELETE("/queue/:request_id", h.CancelRequest)

		v1.GET("/cost", h.CostAction)
		v1.POST("/cost", h.CostMutation)

		v1.GET("/cache", h.CacheAction)
		v1.DELETE("/cache", h.ClearCache)
	}
}
