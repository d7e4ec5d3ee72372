package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/services"
)

// ResolveResult is the outcome of answering a clarification need.
type ResolveResult struct {
	Step          *models.MicroStep `json:"step"`
	TaskPersisted bool              `json:"task_persisted"`
}

// ResolveClarification answers one clarification need and re-classifies
// the step with the answer in hand. Resolving the last pending step of a
// draft task takes the task live.
func (p *Pipeline) ResolveClarification(ctx context.Context, stepID, field, answer string) (*ResolveResult, error) {
	if stepID == "" {
		return nil, services.NewValidationError("step_id", "required")
	}
	if field == "" {
		return nil, services.NewValidationError("field", "required")
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, services.NewValidationError("answer", "required")
	}

	step, err := p.steps.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	needs := make([]models.ClarificationNeed, len(step.ClarificationNeeds))
	copy(needs, step.ClarificationNeeds)
	matched := false
	for i := range needs {
		if needs[i].Field == field {
			needs[i].AnsweredWith = answer
			matched = true
			break
		}
	}
	if !matched {
		return nil, services.NewValidationError("field",
			fmt.Sprintf("step has no clarification need %q", field))
	}

	reStep := *step
	reStep.ClarificationNeeds = needs
	cls := p.classifier.Classify(&reStep)

	resolved, activated, _, err := p.steps.ResolveStep(ctx, stepID, services.ResolutionPatch{
		Field:              field,
		LeafType:           cls.LeafType,
		AutomationPlan:     cls.Plan,
		ClarificationNeeds: cls.Needs,
	})
	if err != nil {
		return nil, err
	}
	p.bus.Poke()

	taskPersisted := activated
	if task, terr := p.tasks.GetTask(ctx, resolved.ParentTaskID); terr == nil {
		taskPersisted = task.Status != models.TaskStatusDraft
	} else {
		slog.Warn("Failed to read task status after resolve",
			"task_id", resolved.ParentTaskID, "error", terr)
	}

	return &ResolveResult{Step: resolved, TaskPersisted: taskPersisted}, nil
}
