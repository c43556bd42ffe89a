package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const healthCheckTimeout = 3 * time.Second

// HealthCheck reports an error when a dependency is unreachable.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// HealthCheck godoc
// @Summary Health check endpoint
// @Description Check if the service and its dependencies are reachable
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/v1/health [get]
func (h *HealthHandler) HandleHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	result := gin.H{"message": "ok"}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("dependency", name).Msg("health check failed")
			status = http.StatusServiceUnavailable
			result["message"] = "unavailable"
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}

	c.JSON(status, result)
}
