package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getTaskHandler handles GET /tasks/:task_id.
func (s *Server) getTaskHandler(c *gin.Context) {
	task, steps, err := s.tasks.GetTaskWithSteps(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &TaskDetailResponse{Task: task, MicroSteps: steps})
}

// taskProgressHandler handles GET /tasks/:task_id/progress.
func (s *Server) taskProgressHandler(c *gin.Context) {
	progress, err := s.tasks.GetProgress(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// archiveTaskHandler handles DELETE /tasks/:task_id.
// Tasks are never hard-deleted: the task archives to CANCELLED and its open
// steps are cancelled with it.
func (s *Server) archiveTaskHandler(c *gin.Context) {
	evs, err := s.tasks.ArchiveTask(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if len(evs) > 0 {
		s.bus.Poke()
	}
	c.Status(http.StatusNoContent)
}
