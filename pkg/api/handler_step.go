package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// startStepHandler handles POST /steps/:step_id/start.
// Moves the step to IN_PROGRESS; DIGITAL steps with an automation plan are
// handed to the dispatch pool after the transition commits.
func (s *Server) startStepHandler(c *gin.Context) {
	step, evs, err := s.runtime.StartStep(c.Request.Context(), c.Param("step_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &StartStepResponse{Step: step, EmittedEvents: evs})
}

// completeStepHandler handles POST /steps/:step_id/complete.
// Books actual minutes, settles XP and streak, and promotes the parent task
// when this was its last open step. The body is optional.
func (s *Server) completeStepHandler(c *gin.Context) {
	var req CompleteStepRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBindError(c, err)
		return
	}

	result, err := s.runtime.CompleteStep(c.Request.Context(), c.Param("step_id"), req.ActualMinutes)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &CompleteStepResponse{
		Step:          result.Step,
		XPAwarded:     result.XPAwarded,
		Bonus:         result.Bonus,
		Streak:        result.Streak,
		StreakChanged: result.StreakChanged,
		TaskCompleted: result.TaskCompleted,
	})
}

// cancelStepHandler handles POST /steps/:step_id/cancel. The body is
// optional; an omitted reason records a user cancellation.
func (s *Server) cancelStepHandler(c *gin.Context) {
	var req CancelStepRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondBindError(c, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = events.CancelReasonUser
	}

	step, _, err := s.runtime.CancelStep(c.Request.Context(), c.Param("step_id"), reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &CancelStepResponse{Step: step})
}

// resolveStepHandler handles POST /steps/:step_id/resolve.
// Answers one clarification need and re-classifies the step; a step already
// running its plan is re-dispatched immediately with the answer in hand.
func (s *Server) resolveStepHandler(c *gin.Context) {
	var req ResolveStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := s.pipeline.ResolveClarification(
		c.Request.Context(), c.Param("step_id"), req.Field, req.Answer)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	if result.Step.Status == models.StepStatusInProgress {
		if err := s.runtime.Dispatch(result.Step); err != nil {
			// The resolve itself succeeded; the reconciler retries dispatch.
			slog.Warn("Automation dispatch deferred after resolve",
				"step_id", result.Step.StepID, "error", err)
		}
	}

	c.JSON(http.StatusOK, &ResolveStepResponse{
		Step:          result.Step,
		TaskPersisted: result.TaskPersisted,
	})
}
