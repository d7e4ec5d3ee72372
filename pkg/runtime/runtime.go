// Package runtime executes the micro-step lifecycle: it drives step
// transitions through the services layer and dispatches DIGITAL steps to
// automation handlers on a bounded worker pool.
//
// StartStep returns as soon as the transition is committed; handler work
// happens afterwards. Handler outcomes feed back through the same state
// machine as user actions: success completes the step, missing input
// raises clarification needs, and an execution failure either cancels the
// step or leaves it IN_PROGRESS for the reconciler, per configuration.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/services"
)

const (
	// transitionDeadline bounds a step transition when the caller's context
	// carries no deadline of its own.
	transitionDeadline = 2 * time.Second

	// defaultHandlerDeadline bounds a single handler execution.
	defaultHandlerDeadline = 5 * time.Second
)

// Options configures the runtime.
type Options struct {
	// Pool sizes the dispatch pool.
	Pool PoolOptions
	// HandlerDeadline bounds one handler execution. Zero means 5s.
	HandlerDeadline time.Duration
	// CancelOnHandlerFailure cancels a step whose handler execution failed
	// instead of leaving it IN_PROGRESS for a retry.
	CancelOnHandlerFailure bool
}

// Runtime coordinates step transitions, handler dispatch, and the feedback
// of handler outcomes into the step state machine.
type Runtime struct {
	steps           *services.StepService
	registry        *Registry
	bus             *events.Bus
	pool            *Pool
	handlerDeadline time.Duration
	cancelOnFailure bool
}

// New wires a runtime over the step service. A nil registry means the
// built-in handlers.
func New(steps *services.StepService, registry *Registry, bus *events.Bus, opts Options) (*Runtime, error) {
	if steps == nil {
		return nil, fmt.Errorf("step service is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if registry == nil {
		registry = NewRegistry(BuiltinHandlers()...)
	}
	if opts.HandlerDeadline <= 0 {
		opts.HandlerDeadline = defaultHandlerDeadline
	}
	r := &Runtime{
		steps:           steps,
		registry:        registry,
		bus:             bus,
		handlerDeadline: opts.HandlerDeadline,
		cancelOnFailure: opts.CancelOnHandlerFailure,
	}
	r.pool = NewPool(r, opts.Pool)
	return r, nil
}

// Start launches the dispatch pool. ctx bounds the workers' lifetime
// alongside Stop.
func (r *Runtime) Start(ctx context.Context) {
	r.pool.Start(ctx)
}

// Stop drains the pool, waiting for running handlers to finish.
func (r *Runtime) Stop() {
	r.pool.Stop()
}

// PoolDepth reports the dispatch backlog, for health reporting.
func (r *Runtime) PoolDepth() (queued, tracked int) {
	return r.pool.Depth()
}

// StartStep moves the step to IN_PROGRESS and, for a DIGITAL step carrying
// an automation plan, queues the handler execution. The call returns once
// the transition is committed; a full dispatch queue is not an error here,
// the reconciler re-queues the step on its next scan.
func (r *Runtime) StartStep(ctx context.Context, stepID string) (*models.MicroStep, []models.Event, error) {
	ctx, cancel := r.withTransitionDeadline(ctx)
	defer cancel()

	step, appended, err := r.steps.StartStep(ctx, stepID)
	if err != nil {
		return nil, nil, err
	}
	r.bus.Poke()

	if err := r.Dispatch(step); err != nil {
		slog.Warn("Automation dispatch deferred",
			"step_id", step.StepID,
			"handler_key", step.AutomationPlan.HandlerKey,
			"error", err)
	}
	return step, appended, nil
}

// CompleteStep completes the step and publishes the appended events.
func (r *Runtime) CompleteStep(ctx context.Context, stepID string, actualMinutes *int) (*services.CompletionResult, error) {
	ctx, cancel := r.withTransitionDeadline(ctx)
	defer cancel()

	result, err := r.steps.CompleteStep(ctx, stepID, actualMinutes)
	if err != nil {
		return nil, err
	}
	if len(result.Events) > 0 {
		r.bus.Poke()
	}
	return result, nil
}

// CancelStep cancels the step and publishes the appended events.
func (r *Runtime) CancelStep(ctx context.Context, stepID, reason string) (*models.MicroStep, []models.Event, error) {
	ctx, cancel := r.withTransitionDeadline(ctx)
	defer cancel()

	step, appended, err := r.steps.CancelStep(ctx, stepID, reason)
	if err != nil {
		return nil, nil, err
	}
	r.bus.Poke()
	return step, appended, nil
}

// Dispatch queues the step's automation plan. Steps that are not
// IN_PROGRESS, not DIGITAL, or carry no plan are left to the human and nil
// is returned. Safe to call repeatedly: a step already queued or running
// is not queued again.
func (r *Runtime) Dispatch(step *models.MicroStep) error {
	if step.Status != models.StepStatusInProgress {
		return nil
	}
	if step.LeafType != models.LeafDigital || step.AutomationPlan == nil {
		return nil
	}
	return r.pool.Enqueue(step.StepID, *step.AutomationPlan)
}

// ExecutePlan runs one dispatched plan and feeds the outcome back through
// the step state machine. Outcome writes use a fresh context: the dispatch
// context may already be cancelled by the time the handler returns, and
// the result must still be recorded.
func (r *Runtime) ExecutePlan(ctx context.Context, stepID string, plan models.AutomationPlan) {
	logger := slog.With("step_id", stepID, "handler_key", plan.HandlerKey)

	handler, ok := r.registry.Lookup(plan.HandlerKey)
	if !ok {
		logger.Warn("No handler registered for plan, leaving step in progress")
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, r.handlerDeadline)
	result, err := handler.Execute(execCtx, plan.Arguments)
	cancel()

	if err != nil {
		r.handleFailure(stepID, logger, err)
		return
	}
	if result == nil {
		logger.Error("Handler returned neither result nor error, leaving step in progress")
		return
	}
	if len(result.Needs) > 0 {
		r.raiseNeeds(stepID, result.Needs, logger)
		return
	}
	r.completeFromHandler(stepID, result.ActualMinutes, logger)
}

func (r *Runtime) handleFailure(stepID string, logger *slog.Logger, execErr error) {
	if !r.cancelOnFailure {
		logger.Warn("Handler execution failed, step stays in progress", "error", execErr)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transitionDeadline)
	defer cancel()
	if _, _, err := r.steps.CancelStep(ctx, stepID, events.CancelReasonHandlerFailed); err != nil {
		if errors.Is(err, services.ErrConflictState) {
			logger.Info("Step already terminal, skipping handler-failure cancel")
			return
		}
		logger.Error("Failed to cancel step after handler failure", "error", err)
		return
	}
	r.bus.Poke()
	logger.Warn("Step cancelled after handler failure", "error", execErr)
}

func (r *Runtime) raiseNeeds(stepID string, needs []models.ClarificationNeed, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), transitionDeadline)
	defer cancel()
	if _, _, err := r.steps.RaiseClarifications(ctx, stepID, needs); err != nil {
		if errors.Is(err, services.ErrConflictState) {
			logger.Info("Step already terminal, dropping handler clarifications")
			return
		}
		logger.Error("Failed to record handler clarifications", "error", err)
		return
	}
	r.bus.Poke()
	logger.Info("Handler raised clarifications", "needs", len(needs))
}

func (r *Runtime) completeFromHandler(stepID string, actualMinutes int, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), transitionDeadline)
	defer cancel()

	var supplied *int
	if actualMinutes > 0 {
		supplied = &actualMinutes
	}
	result, err := r.steps.CompleteStep(ctx, stepID, supplied)
	if err != nil {
		if errors.Is(err, services.ErrConflictState) {
			logger.Info("Step no longer completable, dropping handler result")
			return
		}
		logger.Error("Failed to complete step from handler result", "error", err)
		return
	}
	if len(result.Events) > 0 {
		r.bus.Poke()
	}
	logger.Info("Handler completed step", "actual_minutes", actualMinutes, "xp_awarded", result.XPAwarded)
}

func (r *Runtime) withTransitionDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, transitionDeadline)
}
