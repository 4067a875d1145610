package http

import (
	"net/http"

	"mediasession/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// OpsHandler serves liveness, readiness, metrics and the activity feed.
type OpsHandler struct {
	health  *monitoring.HealthChecker
	metrics http.Handler
	feed    http.HandlerFunc
}

func NewOpsHandler(health *monitoring.HealthChecker, metrics http.Handler, feed http.HandlerFunc) *OpsHandler {
	return &OpsHandler{health: health, metrics: metrics, feed: feed}
}

func (h *OpsHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
	if h.feed != nil {
		router.GET("/ws", gin.WrapF(h.feed))
	}
}

func (h *OpsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *OpsHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
