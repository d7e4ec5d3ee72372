package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/services"
)

// ErrQueueFull is returned by Enqueue when the dispatch backlog is at
// capacity. It wraps services.ErrUnavailable: the step keeps its state and
// the reconciler re-queues it on a later scan.
var ErrQueueFull = fmt.Errorf("handler queue full: %w", services.ErrUnavailable)

// Executor runs one dispatched plan to completion, feeding the outcome
// back through the step lifecycle.
type Executor interface {
	ExecutePlan(ctx context.Context, stepID string, plan models.AutomationPlan)
}

type dispatch struct {
	stepID string
	plan   models.AutomationPlan
}

// PoolOptions sizes the dispatch pool.
type PoolOptions struct {
	// Workers is the number of concurrent handler executions. Zero means 4.
	Workers int
	// QueueSize bounds the backlog of accepted dispatches. Zero means 64.
	QueueSize int
}

// Pool is a bounded dispatch queue drained by a fixed set of workers. Every
// queued or running step is tracked by ID so the same step is never handed
// to two workers at once, no matter how many times it is enqueued.
type Pool struct {
	executor Executor
	queue    chan dispatch
	workers  int

	mu      sync.Mutex
	pending map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool. Start must be called before queued dispatches are
// executed.
func NewPool(executor Executor, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Pool{
		executor: executor,
		queue:    make(chan dispatch, opts.QueueSize),
		workers:  opts.Workers,
		pending:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the workers. Their lifetime is bounded by ctx and by Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	slog.Info("Dispatch pool started", "workers", p.workers, "queue_size", cap(p.queue))
}

// Stop shuts the pool down and waits for running handlers to finish.
// Dispatches still queued are dropped; the reconciler picks their steps up
// again after a restart.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	slog.Info("Dispatch pool stopped")
}

// Enqueue schedules a plan execution. A step already queued or running is
// left alone and nil is returned; a full queue returns ErrQueueFull.
func (p *Pool) Enqueue(stepID string, plan models.AutomationPlan) error {
	p.mu.Lock()
	if _, dup := p.pending[stepID]; dup {
		p.mu.Unlock()
		return nil
	}
	p.pending[stepID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- dispatch{stepID: stepID, plan: plan}:
		return nil
	default:
		p.forget(stepID)
		return ErrQueueFull
	}
}

// Depth reports the queued backlog and the number of steps queued or
// running, for health reporting.
func (p *Pool) Depth() (queued, tracked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), len(p.pending)
}

func (p *Pool) forget(stepID string) {
	p.mu.Lock()
	delete(p.pending, stepID)
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := slog.With("worker_id", id)
	logger.Debug("Dispatch worker started")
	for {
		select {
		case <-p.stopCh:
			logger.Debug("Dispatch worker stopping")
			return
		case <-ctx.Done():
			logger.Debug("Dispatch worker context cancelled")
			return
		case d := <-p.queue:
			p.executor.ExecutePlan(ctx, d.stepID, d.plan)
			p.forget(d.stepID)
		}
	}
}
