package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/josernestodavila/the-eye/internal/metrics"
)

// MetricsHandler exposes pipeline counters for observability
type MetricsHandler struct {
	metrics *metrics.Metrics
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(collector *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: collector}
}

// GetMetrics handles GET /metrics
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", h.GetMetrics)
}
