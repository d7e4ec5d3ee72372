// Package capture turns free-form utterances into persisted task plans.
// The pipeline runs analyze -> decompose -> persist; the LLM-bearing
// stages degrade to heuristics on provider failure, so a capture that
// reached the persist stage always stores a plan.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-ai/stepflow/pkg/classify"
	"github.com/stepflow-ai/stepflow/pkg/decompose"
	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/llm"
	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/services"
	"github.com/stepflow-ai/stepflow/pkg/split"
)

const (
	// captureDeadline bounds the LLM-bearing stages when the caller's
	// context carries no deadline of its own.
	captureDeadline = 5 * time.Second
	// decomposeDeadline bounds planning within the overall budget.
	decomposeDeadline = 2 * time.Second
	// persistDeadline bounds the storage write. Persistence runs on a
	// context detached from the caller's so an expired capture deadline
	// cannot discard a plan that was already produced.
	persistDeadline = 500 * time.Millisecond
)

// Request is one capture utterance.
type Request struct {
	UserID         string             `json:"user_id"`
	Text           string             `json:"text"`
	Mode           models.CaptureMode `json:"mode"`
	VoiceInput     bool               `json:"voice_input"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// Clarification is an open question the plan needs answered.
type Clarification struct {
	StepID   string `json:"step_id"`
	Field    string `json:"field"`
	Question string `json:"question"`
	Required bool   `json:"required"`
}

// Result is the persisted outcome of a capture.
type Result struct {
	Task           *models.Task       `json:"task"`
	Steps          []models.MicroStep `json:"micro_steps"`
	Clarifications []Clarification    `json:"clarifications,omitempty"`
	Persisted      bool               `json:"persisted"`
	ProcessingMS   int64              `json:"processing_ms"`
}

// Decomposer produces the ordered MicroStep plan for a task.
type Decomposer interface {
	Decompose(ctx context.Context, task *models.Task) ([]models.MicroStep, error)
}

// Classifier re-reads a step's leaf type after its needs change.
type Classifier interface {
	Classify(step *models.MicroStep) classify.Classification
}

// Deps are the pipeline's collaborators.
type Deps struct {
	LLM        llm.Client // optional; nil runs heuristics only
	Decomposer Decomposer // optional; defaults to the built-in planner
	Classifier Classifier // optional; defaults to the built-in registry
	Tasks      *services.TaskService
	Steps      *services.StepService
	Bus        *events.Bus
}

// Options tune the pipeline.
type Options struct {
	// Deadline applied when the caller's context has none. Default 5s.
	Deadline time.Duration
}

// Pipeline is the capture orchestrator.
type Pipeline struct {
	analyzer   *analyzer
	decomposer Decomposer
	classifier Classifier
	tasks      *services.TaskService
	steps      *services.StepService
	bus        *events.Bus
	deadline   time.Duration
}

// NewPipeline wires a capture pipeline from its dependencies.
func NewPipeline(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task service is required")
	}
	if deps.Steps == nil {
		return nil, fmt.Errorf("step service is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if deps.Decomposer == nil {
		proxy := split.NewProxy(deps.LLM, split.NewHeuristic(), split.Options{})
		deps.Decomposer = decompose.New(proxy, nil)
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.NewClassifier(nil)
	}
	if opts.Deadline <= 0 {
		opts.Deadline = captureDeadline
	}
	return &Pipeline{
		analyzer:   newAnalyzer(deps.LLM),
		decomposer: deps.Decomposer,
		classifier: deps.Classifier,
		tasks:      deps.Tasks,
		steps:      deps.Steps,
		bus:        deps.Bus,
		deadline:   opts.Deadline,
	}, nil
}

// Capture analyzes the utterance, plans its MicroSteps, and persists the
// plan. CLARIFY mode holds the task in draft while required questions are
// open; AUTO and MANUAL persist it live either way.
func (p *Pipeline) Capture(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	if req.UserID == "" {
		return nil, services.NewValidationError("user_id", "required")
	}
	if req.Mode == "" {
		req.Mode = models.CaptureModeAuto
	}
	if !req.Mode.IsValid() {
		return nil, services.NewValidationError("mode",
			fmt.Sprintf("unknown capture mode %q", req.Mode))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	text := req.Text
	if req.VoiceInput {
		text = stripFillers(text)
	}

	meta, err := p.analyzer.analyze(ctx, text)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &models.Task{
		TaskID:         uuid.New().String(),
		UserID:         req.UserID,
		Title:          meta.Title,
		Description:    meta.Description,
		Status:         models.TaskStatusTodo,
		Priority:       meta.Priority,
		Scope:          models.ScopeForEstimate(meta.EstimatedHours),
		EstimatedHours: meta.EstimatedHours,
		IdempotencyKey: req.IdempotencyKey,
		Tags:           meta.Tags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if task.Tags == nil {
		task.Tags = []string{}
	}

	dctx, dcancel := context.WithTimeout(ctx, decomposeDeadline)
	steps, err := p.decomposer.Decompose(dctx, task)
	dcancel()
	if err != nil {
		return nil, fmt.Errorf("failed to plan task: %w", err)
	}

	clars := collectClarifications(steps)
	draft := req.Mode == models.CaptureModeClarify && len(clars) > 0
	if draft {
		task.Status = models.TaskStatusDraft
	}
	for i := range steps {
		steps[i].CreatedAt = now
		steps[i].UpdatedAt = now
		if draft && len(steps[i].OpenNeeds()) > 0 {
			steps[i].Status = models.StepStatusPendingClarification
		}
	}

	evs, err := captureEvents(task, steps, draft, now)
	if err != nil {
		return nil, err
	}

	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistDeadline)
	storedTask, storedSteps, reused, err := p.tasks.UpsertTaskWithSteps(pctx, task, steps, evs)
	pcancel()
	if err != nil {
		return nil, err
	}
	if reused {
		slog.Info("Capture replayed an existing plan",
			"user_id", req.UserID,
			"task_id", storedTask.TaskID,
			"idempotency_key", req.IdempotencyKey)
		clars = collectClarifications(storedSteps)
	} else {
		p.bus.Poke()
	}

	return &Result{
		Task:           storedTask,
		Steps:          storedSteps,
		Clarifications: clars,
		Persisted:      storedTask.Status != models.TaskStatusDraft,
		ProcessingMS:   time.Since(start).Milliseconds(),
	}, nil
}

func collectClarifications(steps []models.MicroStep) []Clarification {
	var clars []Clarification
	for i := range steps {
		for _, need := range steps[i].OpenNeeds() {
			clars = append(clars, Clarification{
				StepID:   steps[i].StepID,
				Field:    need.Field,
				Question: need.Question,
				Required: need.Required,
			})
		}
	}
	return clars
}

// captureEvents builds the rows appended alongside the plan: task.captured
// always, clarification.raised per held step when the capture is a draft.
func captureEvents(task *models.Task, steps []models.MicroStep, draft bool, now time.Time) ([]models.Event, error) {
	captured, err := events.New(events.EventTypeTaskCaptured, task.UserID, &task.TaskID, nil,
		events.TaskCapturedPayload{
			Type:      events.EventTypeTaskCaptured,
			TaskID:    task.TaskID,
			Title:     task.Title,
			Scope:     string(task.Scope),
			StepCount: len(steps),
			Draft:     draft,
			Timestamp: events.Stamp(now),
		}, now)
	if err != nil {
		return nil, err
	}
	evs := []models.Event{captured}
	if !draft {
		return evs, nil
	}

	for i := range steps {
		open := steps[i].OpenNeeds()
		if len(open) == 0 {
			continue
		}
		questions := make([]string, 0, len(open))
		for _, need := range open {
			questions = append(questions, need.Question)
		}
		stepID := steps[i].StepID
		raised, err := events.New(events.EventTypeClarificationRaised, task.UserID, &task.TaskID, &stepID,
			events.ClarificationRaisedPayload{
				Type:      events.EventTypeClarificationRaised,
				TaskID:    task.TaskID,
				StepID:    stepID,
				Questions: questions,
				Timestamp: events.Stamp(now),
			}, now)
		if err != nil {
			return nil, err
		}
		evs = append(evs, raised)
	}
	return evs, nil
}

// stripFillers removes spoken hesitation tokens from voice transcripts.
func stripFillers(text string) string {
	fields := strings.Fields(text)
	kept := fields[:0]
	for _, f := range fields {
		switch strings.ToLower(strings.Trim(f, ",.;:!?")) {
		case "um", "umm", "uh", "uhh", "er", "erm", "hmm":
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
