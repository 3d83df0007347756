package health

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/bus"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
)

// DefinitionChecker reports whether the room definition source is usable.
type DefinitionChecker interface {
	Check(ctx context.Context) string
}

// DirChecker verifies that the definition directory exists and is readable.
type DirChecker struct {
	Dir string
}

// Check stats the configured directory. Rooms created from inline
// definitions keep working either way, so this only gates readiness.
func (c *DirChecker) Check(ctx context.Context) string {
	info, err := os.Stat(c.Dir)
	if err != nil {
		logging.Error(ctx, "Definition directory check failed", zap.Error(err), zap.String("dir", c.Dir))
		return "unhealthy"
	}
	if !info.IsDir() {
		logging.Warn(ctx, "Definition path is not a directory", zap.String("dir", c.Dir))
		return "unhealthy"
	}
	return "healthy"
}

// Handler manages health check endpoints
type Handler struct {
	redisService *bus.Service
	defChecker   DefinitionChecker
}

// NewHandler creates a new health check handler. definitionDir may be
// empty when the host serves inline definitions only, in which case the
// definitions check is skipped.
func NewHandler(redisService *bus.Service, definitionDir string) *Handler {
	h := &Handler{redisService: redisService}
	if definitionDir != "" {
		h.defChecker = &DirChecker{Dir: definitionDir}
	}
	return h
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /healthz
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /readyz
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check Redis connectivity
	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	// Check the definition source (if configured)
	if h.defChecker != nil {
		defStatus := h.defChecker.Check(ctx)
		checks["definitions"] = defStatus
		if defStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	// Try to ping Redis
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
