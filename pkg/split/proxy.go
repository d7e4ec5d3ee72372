package split

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/stepflow-ai/stepflow/pkg/llm"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// minValidSteps is the smallest LLM batch worth keeping; below it the proxy
// rejects the batch and re-splits heuristically.
const minValidSteps = 2

// maxPlanSteps caps a single plan after clamp expansion so a pathological
// reply cannot flood the task with steps.
const maxPlanSteps = 20

const llmDeadline = 2 * time.Second

const splitSystemPrompt = `You split a personal task into tiny, immediately actionable micro-steps.

Rules:
- Between 3 and 6 steps.
- Each step takes 2 to 5 minutes of focused effort.
- The first step must be a trivial "begin" step: open the tool, gather the materials.
- Steps are concrete physical or digital actions, never vague ("work on it").

Output ONLY a JSON array (no wrapper, no markdown, no prose). Each element:
{"description": string, "short_label": string (1-2 words), "icon": string (single emoji), "estimated_minutes": int, "delegation_mode": "DO"|"DO_WITH_ME"|"DELEGATE"}`

var stepsSchema = llm.MustCompileSchema("steps.json", []byte(`{
	"type": "array",
	"minItems": 1,
	"maxItems": 12,
	"items": {
		"type": "object",
		"required": ["description", "estimated_minutes"],
		"properties": {
			"description": {"type": "string"},
			"short_label": {"type": "string"},
			"icon": {"type": "string"},
			"estimated_minutes": {"type": "integer", "minimum": 1, "maximum": 60},
			"delegation_mode": {"type": "string"}
		}
	}
}`))

// Options tunes the proxy.
type Options struct {
	// TargetMinutes is the duration assigned to drafts with no usable
	// estimate and the target when oversized estimates are split. Default 4.
	TargetMinutes int
	// ForceSplitScope is the minimum scope that triggers splitting; smaller
	// tasks come back as a single step. Default MULTI.
	ForceSplitScope models.Scope
}

// Proxy composes the LLM splitter with the heuristic fallback. Split never
// propagates an LLM error: callers always receive a valid plan.
type Proxy struct {
	llm        llm.Client // nil means heuristics only
	heuristic  *Heuristic
	target     int
	forceScope models.Scope
}

// NewProxy creates a split proxy. client may be nil.
func NewProxy(client llm.Client, heuristic *Heuristic, opts Options) *Proxy {
	if opts.TargetMinutes < models.HumanMinMinutes || opts.TargetMinutes > models.HumanMaxMinutes {
		opts.TargetMinutes = 4
	}
	if opts.ForceSplitScope != models.ScopeMulti && opts.ForceSplitScope != models.ScopeProject {
		opts.ForceSplitScope = models.ScopeMulti
	}
	return &Proxy{
		llm:        client,
		heuristic:  heuristic,
		target:     opts.TargetMinutes,
		forceScope: opts.ForceSplitScope,
	}
}

// Split produces the ordered micro-step plan for a task. The result always
// satisfies the MicroStep invariants: 2-5 minute human steps, contiguous
// numbering from 1, source order preserved. Timestamps are left zero for
// the caller to stamp.
func (p *Proxy) Split(ctx context.Context, task *models.Task, force bool) ([]models.MicroStep, error) {
	if task == nil {
		return nil, fmt.Errorf("split: task is required")
	}

	scope := models.ScopeForEstimate(task.EstimatedHours)
	if !force && scopeRank(scope) < scopeRank(p.forceScope) {
		return []models.MicroStep{p.singleStep(task)}, nil
	}

	var drafts []Draft
	fromLLM := false
	if p.llm != nil {
		llmDrafts, err := p.llmDrafts(ctx, task)
		if err != nil {
			slog.Warn("LLM split failed, falling back to heuristic",
				"task_id", task.TaskID, "error", err)
		} else {
			drafts, fromLLM = llmDrafts, true
		}
	}
	if !fromLLM {
		drafts = p.heuristic.Split(task)
	}

	steps := p.normalize(drafts, task)
	if len(steps) < minValidSteps && fromLLM {
		slog.Warn("LLM split rejected, too few valid steps",
			"task_id", task.TaskID, "valid", len(steps))
		steps = p.normalize(p.heuristic.Split(task), task)
	}
	return steps, nil
}

func (p *Proxy) llmDrafts(ctx context.Context, task *models.Task) ([]Draft, error) {
	resp, err := p.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: splitSystemPrompt},
			{Role: llm.RoleUser, Content: splitUserPrompt(task)},
		},
		Schema:      stepsSchema,
		MaxTokens:   512,
		Temperature: 0.3,
		Deadline:    llmDeadline,
	})
	if err != nil {
		return nil, err
	}
	var drafts []Draft
	if err := json.Unmarshal([]byte(resp.Content), &drafts); err != nil {
		return nil, fmt.Errorf("failed to decode step drafts: %w", err)
	}
	return drafts, nil
}

func splitUserPrompt(task *models.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&sb, "Details: %s\n", task.Description)
	}
	if task.EstimatedHours > 0 {
		fmt.Fprintf(&sb, "Rough total effort: %.1f hours\n", task.EstimatedHours)
	}
	return sb.String()
}

// normalize turns raw drafts into valid MicroSteps: empty descriptions
// dropped, oversized estimates split into ⌈e/5⌉ parts, minutes clamped to
// the human range, contiguous numbering from 1. Draft order is preserved
// throughout; the begin-first shape comes from the prompt and the
// templates, not from re-sorting.
func (p *Proxy) normalize(drafts []Draft, task *models.Task) []models.MicroStep {
	valid := make([]Draft, 0, len(drafts))
	for _, d := range drafts {
		d.Description = strings.TrimSpace(d.Description)
		if d.Description == "" {
			continue
		}
		if len(d.Description) > models.MaxStepDescriptionLen {
			d.Description = truncate(d.Description, models.MaxStepDescriptionLen)
		}

		e := d.EstimatedMinutes
		if e <= 0 {
			e = p.target
		}
		if e <= models.HumanMaxMinutes {
			d.EstimatedMinutes = models.LeafHuman.ClampMinutes(e)
			valid = append(valid, d)
			continue
		}

		pieces := (e + models.HumanMaxMinutes - 1) / models.HumanMaxMinutes
		per := models.LeafHuman.ClampMinutes(int(math.Round(float64(e) / float64(pieces))))
		for i := 0; i < pieces; i++ {
			part := d
			part.EstimatedMinutes = per
			part.Description = fmt.Sprintf("%s (part %d of %d)", d.Description, i+1, pieces)
			valid = append(valid, part)
		}
	}

	if len(valid) > maxPlanSteps {
		slog.Warn("Plan truncated", "task_id", task.TaskID,
			"steps", len(valid), "kept", maxPlanSteps)
		valid = valid[:maxPlanSteps]
	}

	steps := make([]models.MicroStep, 0, len(valid))
	for i, d := range valid {
		steps = append(steps, models.MicroStep{
			StepID:           uuid.New().String(),
			ParentTaskID:     task.TaskID,
			StepNumber:       i + 1,
			Description:      d.Description,
			ShortLabel:       trimLabel(d.ShortLabel),
			Icon:             validIcon(d.Icon),
			EstimatedMinutes: d.EstimatedMinutes,
			DelegationMode:   parseMode(d.DelegationMode),
			LeafType:         models.LeafHuman,
			Status:           models.StepStatusTodo,
			Tags:             []string{},
			IsLeaf:           true,
		})
	}
	return steps
}

// singleStep wraps a SIMPLE task as its own sole step.
func (p *Proxy) singleStep(task *models.Task) models.MicroStep {
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

func scopeRank(s models.Scope) int {
	switch s {
	case models.ScopeProject:
		return 2
	case models.ScopeMulti:
		return 1
	default:
		return 0
	}
}

func parseMode(raw string) models.DelegationMode {
	mode := models.DelegationMode(strings.ToUpper(strings.TrimSpace(raw)))
	if mode.IsValid() && mode != models.DelegationDelete {
		return mode
	}
	return models.DelegationDo
}

func trimLabel(label string) string {
	words := strings.Fields(label)
	if len(words) > 2 {
		words = words[:2]
	}
	return strings.Join(words, " ")
}

func validIcon(icon string) string {
	icon = strings.TrimSpace(icon)
	if icon == "" || utf8.RuneCountInString(icon) > 2 {
		return ""
	}
	return icon
}

// truncate shortens s to at most limit bytes, backing off to a rune
// boundary and ending with an ellipsis.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
