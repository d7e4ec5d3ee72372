package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/stepflow-ai/stepflow/pkg/services"
)

const (
	defaultReconcileInterval = 30 * time.Second
	defaultStaleAfter        = time.Minute
	reconcileBatch           = 64
)

// Reconciler re-queues automation for DIGITAL steps sitting IN_PROGRESS
// with no handler attending them: dispatches lost to queue overflow, a
// restart, or a handler failure configured to leave the step retryable.
// Steps waiting on clarification answers are not touched; they become
// eligible again the moment their needs are resolved.
type Reconciler struct {
	steps    *services.StepService
	runtime  *Runtime
	interval time.Duration
	stale    time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// ReconcilerOptions configures the scan cadence.
type ReconcilerOptions struct {
	// Interval between scans. Zero means 30s.
	Interval time.Duration
	// StaleAfter is how long a step must sit without a write before it is
	// re-queued. Zero means 1m.
	StaleAfter time.Duration
}

// NewReconciler creates a reconciler feeding the runtime's dispatch pool.
func NewReconciler(steps *services.StepService, rt *Runtime, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = defaultReconcileInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	return &Reconciler{
		steps:    steps,
		runtime:  rt,
		interval: opts.Interval,
		stale:    opts.StaleAfter,
	}
}

// Start begins periodic scans, with one immediate scan to recover
// dispatches lost to the previous shutdown. Call Stop to halt.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	slog.Info("Automation reconciler started", "interval", r.interval, "stale_after", r.stale)
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("Automation reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	r.scan(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *Reconciler) scan(ctx context.Context) {
	n, err := r.runOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Automation reconcile scan failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Info("Re-queued stale automations", "count", n)
	}
}

// runOnce scans one batch of stale dispatches and hands them back to the
// pool. Returns how many were queued; a full queue ends the scan early and
// leaves the rest for the next tick.
func (r *Reconciler) runOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.stale)
	steps, err := r.steps.ListStaleAutomations(ctx, cutoff, reconcileBatch)
	if err != nil {
		return 0, err
	}

	queued := 0
	for i := range steps {
		if err := r.runtime.Dispatch(&steps[i]); err != nil {
			break
		}
		queued++
	}
	return queued, nil
}
