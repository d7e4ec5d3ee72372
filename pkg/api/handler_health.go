package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stepflow-ai/stepflow/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Checks only stepflow's own components: the store ping and the dispatch
// pool backlog. The LLM provider is excluded since the pipeline degrades to
// heuristics without it.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	httpStatus := http.StatusOK

	dbHealth, err := s.dbClient.Health(reqCtx)
	if err != nil {
		status = healthStatusUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}

	queued, tracked := s.runtime.PoolDepth()

	c.JSON(httpStatus, &HealthResponse{
		Status:       status,
		Version:      version.GitCommit,
		Database:     dbHealth,
		DispatchPool: DispatchPoolStatus{Queued: queued, Tracked: tracked},
	})
}
