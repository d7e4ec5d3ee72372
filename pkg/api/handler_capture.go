package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stepflow-ai/stepflow/pkg/capture"
)

// captureHandler handles POST /capture.
// Turns one free-form utterance into a persisted plan of MicroSteps and
// returns the plan with its open clarifications and a breakdown summary.
func (s *Server) captureHandler(c *gin.Context) {
	// 1. Bind HTTP request
	var req CaptureUtteranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	// 2. Run the capture pipeline; it owns mode defaulting, text limits,
	// analysis, planning, and the persist transaction.
	result, err := s.pipeline.Capture(c.Request.Context(), capture.Request{
		UserID:         req.UserID,
		Text:           req.Text,
		Mode:           req.Mode,
		VoiceInput:     req.VoiceInput,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}

	// 3. Return the plan
	c.JSON(http.StatusCreated, &CaptureResponse{
		Task:           result.Task,
		MicroSteps:     result.Steps,
		Clarifications: result.Clarifications,
		Breakdown:      breakdownOf(result.Steps),
		Persisted:      result.Persisted,
		ProcessingMS:   result.ProcessingMS,
	})
}
