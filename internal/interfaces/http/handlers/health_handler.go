package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	redisconn "github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/persistence/redis"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// HealthHandler provides liveness and readiness endpoints.
type HealthHandler struct {
	redis *redisconn.Connection
	log   logger.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(redis *redisconn.Connection, log logger.Logger) *HealthHandler {
	return &HealthHandler{redis: redis, log: log}
}

// LivenessCheck reports that the process is up.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

// ReadinessCheck reports whether the service can make admission decisions,
// which requires the shared store.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	checks := map[string]string{"redis": "ok"}
	status := "ready"
	httpStatus := http.StatusOK

	if err := h.redis.HealthCheck(c.Request.Context()); err != nil {
		checks["redis"] = err.Error()
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}
