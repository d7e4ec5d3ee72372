// Package decompose turns a task into its flat, ordered micro-step plan.
//
// The decomposer drives the splitter, classifies every produced step
// concurrently, recurses into steps whose estimates are still
// project-sized, and enriches tags deterministically. During decomposition
// the step tree lives in an arena keyed by integer handles; parent links
// are handles into the same arena, so the tree cannot contain cycles and
// flattening is a single depth-first walk.
package decompose

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/stepflow-ai/stepflow/pkg/classify"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

const maxDepth = models.MaxTreeDepth

// Splitter produces the ordered micro-step plan for one task level.
type Splitter interface {
	Split(ctx context.Context, task *models.Task, force bool) ([]models.MicroStep, error)
}

// Decomposer orchestrates splitting, classification and tag enrichment.
type Decomposer struct {
	splitter   Splitter
	classifier *classify.Classifier
}

// New creates a decomposer. A nil classifier gets the built-in registry.
func New(splitter Splitter, classifier *classify.Classifier) *Decomposer {
	if classifier == nil {
		classifier = classify.NewClassifier(nil)
	}
	return &Decomposer{splitter: splitter, classifier: classifier}
}

// Decompose returns the full step plan for the task: classified, tagged,
// numbered contiguously from 1, with parent links for progressively
// decomposed steps.
func (d *Decomposer) Decompose(ctx context.Context, task *models.Task) ([]models.MicroStep, error) {
	if task == nil {
		return nil, fmt.Errorf("decompose: task is required")
	}
	a := newArena()
	if err := d.decompose(ctx, task, 0, a, -1); err != nil {
		return nil, err
	}
	return a.flatten(), nil
}

func (d *Decomposer) decompose(ctx context.Context, task *models.Task, depth int, a *arena, parent int) error {
	if depth > maxDepth {
		slog.Warn("Decomposition depth exceeded, truncating",
			"task_id", task.TaskID, "depth", depth)
		d.addLeaf(a, taskAsStep(task), parent)
		return nil
	}
	if models.ScopeForEstimate(task.EstimatedHours) == models.ScopeSimple {
		d.addLeaf(a, taskAsStep(task), parent)
		return nil
	}

	steps, err := d.splitter.Split(ctx, task, depth > 0)
	if err != nil {
		return err
	}

	// Annotate clamps estimates into the leaf type's bounds, so the scope
	// decision has to be taken from the splitter's raw estimates.
	rawMinutes := make([]int, len(steps))
	for i := range steps {
		rawMinutes[i] = steps[i].EstimatedMinutes
	}

	// Classification is independent per step; annotate in place so the
	// input order survives.
	var wg sync.WaitGroup
	for i := range steps {
		wg.Add(1)
		go func(step *models.MicroStep) {
			defer wg.Done()
			d.classifier.Annotate(step)
		}(&steps[i])
	}
	wg.Wait()

	for i := range steps {
		steps[i].Tags = enrichTags(steps[i].Tags, steps[i].Description)
	}

	for i := range steps {
		h := a.add(steps[i], parent)
		if minutesScope(rawMinutes[i]) != models.ScopeProject {
			continue
		}
		if depth+1 > maxDepth {
			slog.Warn("Decomposition depth limit reached, keeping step as leaf",
				"task_id", task.TaskID, "step_id", steps[i].StepID, "depth", depth+1)
			continue
		}
		sub := subTask(task, &steps[i], rawMinutes[i])
		if err := d.decompose(ctx, &sub, depth+1, a, h); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decomposer) addLeaf(a *arena, step models.MicroStep, parent int) {
	d.classifier.Annotate(&step)
	step.Tags = enrichTags(step.Tags, step.Description)
	a.add(step, parent)
}

// taskAsStep wraps an atomic task as its own sole step.
func taskAsStep(task *models.Task) models.MicroStep {
	minutes := models.LeafHuman.ClampMinutes(int(math.Round(task.EstimatedHours * 60)))
	return models.MicroStep{
		StepID:           uuid.New().String(),
		ParentTaskID:     task.TaskID,
		StepNumber:       1,
		Description:      task.Title,
		ShortLabel:       "Do it",
		Icon:             "✅",
		EstimatedMinutes: minutes,
		DelegationMode:   models.DelegationDo,
		LeafType:         models.LeafHuman,
		Status:           models.StepStatusTodo,
		Tags:             []string{},
		IsLeaf:           true,
	}
}

// subTask turns an oversized step into the task decomposed one level down.
// rawMinutes is the splitter's estimate before clamping.
func subTask(task *models.Task, step *models.MicroStep, rawMinutes int) models.Task {
	hours := float64(rawMinutes) / 60.0
	return models.Task{
		TaskID:         task.TaskID,
		UserID:         task.UserID,
		Title:          step.Description,
		Status:         task.Status,
		Priority:       task.Priority,
		Scope:          models.ScopeForEstimate(hours),
		EstimatedHours: hours,
		Tags:           step.Tags,
	}
}

func minutesScope(minutes int) models.Scope {
	return models.ScopeForEstimate(float64(minutes) / 60.0)
}
