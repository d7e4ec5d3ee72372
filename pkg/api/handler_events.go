package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stepflow-ai/stepflow/pkg/services"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// listEventsHandler handles GET /events?since=<event_id>&user_id=<id>.
// Returns the user's events with event_id > since, ordered by event_id, so
// clients replay the feed by carrying the last id they saw.
func (s *Server) listEventsHandler(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		respondServiceError(c, services.NewValidationError("user_id", "required"))
		return
	}

	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondServiceError(c, services.NewValidationError("since",
				"must be a non-negative event id"))
			return
		}
		since = parsed
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondServiceError(c, services.NewValidationError("limit",
				"must be a positive integer"))
			return
		}
		limit = min(parsed, maxEventLimit)
	}

	evs, err := s.eventSvc.ListSince(c.Request.Context(), userID, since, limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, evs)
}
