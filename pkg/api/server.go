// Package api exposes the HTTP surface: capture, step transitions, task
// reads, the event feed, and health. Handlers bind and validate input,
// call the service layer, and map its errors onto wire error bodies.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stepflow-ai/stepflow/pkg/capture"
	"github.com/stepflow-ai/stepflow/pkg/database"
	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/runtime"
	"github.com/stepflow-ai/stepflow/pkg/services"
)

// Server wires the HTTP routes to the capture pipeline and the step runtime.
type Server struct {
	pipeline *capture.Pipeline
	runtime  *runtime.Runtime
	tasks    *services.TaskService
	eventSvc *services.EventService
	stats    *services.StatsService
	bus      *events.Bus
	dbClient *database.Client

	httpServer *http.Server
}

// NewServer creates the API server. All dependencies are required.
func NewServer(
	pipeline *capture.Pipeline,
	rt *runtime.Runtime,
	tasks *services.TaskService,
	eventSvc *services.EventService,
	stats *services.StatsService,
	bus *events.Bus,
	dbClient *database.Client,
) *Server {
	return &Server{
		pipeline: pipeline,
		runtime:  rt,
		tasks:    tasks,
		eventSvc: eventSvc,
		stats:    stats,
		bus:      bus,
		dbClient: dbClient,
	}
}

// Routes builds the gin engine with middleware and all routes registered.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(), securityHeaders())

	r.POST("/capture", s.captureHandler)

	r.POST("/steps/:step_id/start", s.startStepHandler)
	r.POST("/steps/:step_id/complete", s.completeStepHandler)
	r.POST("/steps/:step_id/cancel", s.cancelStepHandler)
	r.POST("/steps/:step_id/resolve", s.resolveStepHandler)

	r.GET("/tasks/:task_id", s.getTaskHandler)
	r.GET("/tasks/:task_id/progress", s.taskProgressHandler)
	r.DELETE("/tasks/:task_id", s.archiveTaskHandler)

	r.GET("/events", s.listEventsHandler)
	r.GET("/users/:user_id/stats", s.userStatsHandler)
	r.GET("/health", s.healthHandler)

	return r
}

// Start runs the HTTP server on addr. Blocks until shutdown or failure.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener runs the HTTP server on a caller-provided listener,
// letting tests bind port 0 and read the assigned address back. Blocks
// like Start.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
