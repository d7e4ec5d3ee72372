// Package e2e boots a complete stepflow instance for end-to-end tests:
// real store, real event bus, real dispatch pool, HTTP server on a
// random port.
package e2e

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/api"
	"github.com/stepflow-ai/stepflow/pkg/capture"
	"github.com/stepflow-ai/stepflow/pkg/database"
	"github.com/stepflow-ai/stepflow/pkg/decompose"
	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/llm"
	"github.com/stepflow-ai/stepflow/pkg/runtime"
	"github.com/stepflow-ai/stepflow/pkg/services"
	"github.com/stepflow-ai/stepflow/pkg/split"
	"github.com/stepflow-ai/stepflow/test/util"
)

// busPollInterval keeps the ticker fallback snappy in tests. Services Poke
// the bus after every commit, so the ticker rarely fires.
const busPollInterval = 50 * time.Millisecond

// TestApp boots a complete stepflow instance for e2e testing.
type TestApp struct {
	// Core
	DB *database.Client

	// Test wiring
	LLM *ScriptedLLMClient // nil runs the pipeline on heuristics only

	// Real infrastructure
	Events   *services.EventService
	Steps    *services.StepService
	Tasks    *services.TaskService
	Stats    *services.StatsService
	Bus      *events.Bus
	Pipeline *capture.Pipeline
	Runtime  *runtime.Runtime
	Server   *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	llmClient       *ScriptedLLMClient
	handlers        []runtime.Handler
	workers         int
	queueSize       int
	handlerDeadline time.Duration
	cancelOnFailure bool
	reconcile       runtime.ReconcilerOptions
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithLLMClient routes the pipeline's LLM stages through a scripted client.
func WithLLMClient(client *ScriptedLLMClient) TestAppOption {
	return func(c *testAppConfig) { c.llmClient = client }
}

// WithHandlers replaces the built-in automation handlers.
func WithHandlers(handlers ...runtime.Handler) TestAppOption {
	return func(c *testAppConfig) { c.handlers = handlers }
}

// WithWorkerCount sets the number of dispatch pool workers.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workers = n }
}

// WithHandlerDeadline bounds a single automation handler execution.
func WithHandlerDeadline(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.handlerDeadline = d }
}

// WithCancelOnHandlerFailure cancels steps whose handler execution failed
// instead of leaving them in progress for the reconciler.
func WithCancelOnHandlerFailure() TestAppOption {
	return func(c *testAppConfig) { c.cancelOnFailure = true }
}

// WithReconciler sets the stale-dispatch scan cadence. The default keeps
// the production cadence, which a short-lived test never reaches.
func WithReconciler(interval, staleAfter time.Duration) TestAppOption {
	return func(c *testAppConfig) {
		c.reconcile = runtime.ReconcilerOptions{Interval: interval, StaleAfter: staleAfter}
	}
}

// NewTestApp creates and starts a full stepflow test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		workers:         2,
		queueSize:       16,
		handlerDeadline: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(tc)
	}

	// Assign only a non-nil client: a typed nil inside the interface would
	// defeat the pipeline's heuristics-only checks.
	var llmClient llm.Client
	if tc.llmClient != nil {
		llmClient = tc.llmClient
	}

	ctx := context.Background()

	// 1. Store, migrated, in a per-test temp directory.
	db := util.NewTestDB(t)

	// 2. Domain services.
	eventService := services.NewEventService(db)
	stepService := services.NewStepService(db, eventService)
	taskService := services.NewTaskService(db, eventService)
	statsService := services.NewStatsService(db)

	// 3. Event bus tailing the committed log.
	bus := events.NewBus(eventService, busPollInterval)
	require.NoError(t, bus.Start(ctx))

	// 4. Capture pipeline.
	splitter := split.NewProxy(llmClient, split.NewHeuristic(), split.Options{})
	pipeline, err := capture.NewPipeline(capture.Deps{
		LLM:        llmClient,
		Decomposer: decompose.New(splitter, nil),
		Tasks:      taskService,
		Steps:      stepService,
		Bus:        bus,
	}, capture.Options{})
	require.NoError(t, err)

	// 5. Step runtime with its dispatch pool.
	var registry *runtime.Registry
	if len(tc.handlers) > 0 {
		registry = runtime.NewRegistry(tc.handlers...)
	}
	rt, err := runtime.New(stepService, registry, bus, runtime.Options{
		Pool:                   runtime.PoolOptions{Workers: tc.workers, QueueSize: tc.queueSize},
		HandlerDeadline:        tc.handlerDeadline,
		CancelOnHandlerFailure: tc.cancelOnFailure,
	})
	require.NoError(t, err)
	rt.Start(ctx)

	// 6. Stale-dispatch reconciler.
	reconciler := runtime.NewReconciler(stepService, rt, tc.reconcile)
	reconciler.Start(ctx)

	// 7. HTTP server on a random port.
	server := api.NewServer(pipeline, rt, taskService, eventService, statsService, bus, db)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		DB:       db,
		LLM:      tc.llmClient,
		Events:   eventService,
		Steps:    stepService,
		Tasks:    taskService,
		Stats:    statsService,
		Bus:      bus,
		Pipeline: pipeline,
		Runtime:  rt,
		Server:   server,
		BaseURL:  "http://" + ln.Addr().String(),
		t:        t,
	}

	// Reverse-creation order. The store closes via its own cleanup, which
	// runs after this one.
	t.Cleanup(func() {
		reconciler.Stop()
		rt.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		bus.Stop()
	})

	return app
}
