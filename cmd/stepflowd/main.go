// Stepflow server: turns free-form task utterances into persisted plans of
// two-to-five-minute micro-steps, runs their automations, and serves the
// HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stepflow-ai/stepflow/pkg/api"
	"github.com/stepflow-ai/stepflow/pkg/capture"
	"github.com/stepflow-ai/stepflow/pkg/classify"
	"github.com/stepflow-ai/stepflow/pkg/config"
	"github.com/stepflow-ai/stepflow/pkg/database"
	"github.com/stepflow-ai/stepflow/pkg/decompose"
	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/llm"
	"github.com/stepflow-ai/stepflow/pkg/masking"
	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/runtime"
	"github.com/stepflow-ai/stepflow/pkg/services"
	"github.com/stepflow-ai/stepflow/pkg/split"
	"github.com/stepflow-ai/stepflow/pkg/version"
)

const busPollInterval = time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("STEPFLOW_CONFIG", ""),
		"Path to stepflow.yaml (empty runs on built-in defaults)")
	flag.Parse()

	// Load .env so {{.VAR}} expansion and API key fallback see it
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting stepflow", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Open the store and run migrations
	dbConfig := database.DefaultConfig(cfg.Database.Path)
	dbConfig.BusyTimeout = cfg.Database.BusyTimeout()

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	// 3. Domain services over the store
	eventService := services.NewEventService(dbClient)
	stepService := services.NewStepService(dbClient, eventService)
	taskService := services.NewTaskService(dbClient, eventService)
	statsService := services.NewStatsService(dbClient)
	slog.Info("Services initialized")

	// 4. Event bus tails the event log for subscribers
	bus := events.NewBus(eventService, busPollInterval)
	if err := bus.Start(ctx); err != nil {
		slog.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	// 5. LLM client; nil means heuristics only
	masker := masking.NewService()
	llmClient, err := llm.New(llm.Options{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		Deadline:       cfg.LLM.Deadline(),
		MaxConcurrency: int64(cfg.LLM.MaxConcurrency),
	}, masker)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	// 6. Capture pipeline: analyze, split, classify, persist
	splitter := split.NewProxy(llmClient, split.NewHeuristic(), split.Options{
		TargetMinutes:   cfg.Split.TargetMinutes,
		ForceSplitScope: models.Scope(cfg.Split.ForceSplitScope),
	})
	classifier := classify.NewClassifier(nil)
	pipeline, err := capture.NewPipeline(capture.Deps{
		LLM:        llmClient,
		Decomposer: decompose.New(splitter, classifier),
		Classifier: classifier,
		Tasks:      taskService,
		Steps:      stepService,
		Bus:        bus,
	}, capture.Options{Deadline: cfg.Runtime.DefaultDeadline()})
	if err != nil {
		slog.Error("Failed to build capture pipeline", "error", err)
		os.Exit(1)
	}

	// 7. Step runtime: dispatch pool plus the stale-dispatch reconciler
	stepRuntime, err := runtime.New(stepService, nil, bus, runtime.Options{
		Pool: runtime.PoolOptions{
			Workers:   cfg.Runtime.Workers,
			QueueSize: cfg.Runtime.HandlerQueue,
		},
		HandlerDeadline:        cfg.Runtime.DefaultDeadline(),
		CancelOnHandlerFailure: cfg.Runtime.CancelOnHandlerFailure,
	})
	if err != nil {
		slog.Error("Failed to build step runtime", "error", err)
		os.Exit(1)
	}
	stepRuntime.Start(ctx)

	reconciler := runtime.NewReconciler(stepService, stepRuntime, runtime.ReconcilerOptions{})
	reconciler.Start(ctx)

	// 8. HTTP server (non-blocking)
	httpServer := api.NewServer(pipeline, stepRuntime, taskService, eventService, statsService, bus, dbClient)

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Stepflow started",
		"workers", cfg.Runtime.Workers,
		"llm_provider", cfg.LLM.Provider)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop feeding work, drain handlers, then HTTP
	reconciler.Stop()

	done := make(chan struct{})
	go func() {
		stepRuntime.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Dispatch pool stopped gracefully")
	case <-time.After(10 * time.Second):
		slog.Warn("Dispatch pool shutdown timeout exceeded, the reconciler re-queues unfinished work on next start")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
