package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// userStatsHandler handles GET /users/:user_id/stats.
// Users with no completions yet get zero-value counters, not a 404.
func (s *Server) userStatsHandler(c *gin.Context) {
	// Step 1: Call service layer
	stats, err := s.stats.GetStats(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	// Step 2: Return response
	c.JSON(http.StatusOK, stats)
}
