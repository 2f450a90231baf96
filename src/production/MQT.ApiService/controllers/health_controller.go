package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports the state of the gateway's dependencies
type ReadinessChecker interface {
	GetHealthStatus(ctx context.Context) (map[string]any, bool)
}

// HealthController handles health and metrics requests
type HealthController struct {
	checker  ReadinessChecker
	gatherer prometheus.Gatherer
}

// NewHealthController creates a new health controller
func NewHealthController(checker ReadinessChecker, gatherer prometheus.Gatherer) *HealthController {
	return &HealthController{checker: checker, gatherer: gatherer}
}

// RegisterRoutes registers the health routes with Gin
func (c *HealthController) RegisterRoutes(router gin.IRouter) {
	router.GET("/health/live", c.HealthLive)
	router.GET("/health/ready", c.HealthReady)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})))
}

func (c *HealthController) HealthLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func (c *HealthController) HealthReady(ctx *gin.Context) {
	status, ready := c.checker.GetHealthStatus(ctx.Request.Context())
	if !ready {
		ctx.JSON(http.StatusServiceUnavailable, status)
		return
	}
	ctx.JSON(http.StatusOK, status)
}
