package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stepflow-ai/stepflow/pkg/decompose"
	"github.com/stepflow-ai/stepflow/pkg/llm"
	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/services"
)

const (
	analyzeDeadline = 1 * time.Second
	maxRawTextLen   = 4000

	// Estimate tiers, in hours: a leading quick verb, a heavy-work word
	// anywhere, and the last-resort default.
	quickEstimateHours   = 5.0 / 60.0
	sittingEstimateHours = 1.0
	defaultEstimateHours = 0.5
)

// analysis is the normalized reading of raw capture text.
type analysis struct {
	Title          string
	Description    string
	Priority       models.Priority
	EstimatedHours float64
	Tags           []string
}

var (
	hoursPattern    = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(?:hours?|hrs?)\b`)
	minutesPattern  = regexp.MustCompile(`(?i)\b(\d+)\s*(?:minutes?|mins?)\b`)
	halfHourPattern = regexp.MustCompile(`(?i)\bhalf\s+an?\s+hour\b`)
	oneHourPattern  = regexp.MustCompile(`(?i)\ban\s+hour\b`)
)

// quickVerbs open under-ten-minute utterances.
var quickVerbs = map[string]bool{
	"reply": true, "respond": true, "call": true, "text": true,
	"send": true, "check": true, "confirm": true, "remind": true,
	"pay": true, "email": true, "ping": true,
}

// sittingWords signal work that takes a real sitting.
var sittingWords = []string{
	"research", "plan", "organize", "organise", "prepare",
	"write", "build", "review", "draft",
}

var analysisSchema = llm.MustCompileSchema("analysis.json", []byte(`{
	"type": "object",
	"required": ["title", "priority", "estimated_hours"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"priority": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "URGENT"]},
		"estimated_hours": {"type": "number", "minimum": 0},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`))

const analyzeSystemPrompt = `You normalize a personal task utterance into metadata.

Output ONLY a JSON object:
{"title": string (imperative, at most 80 characters), "priority": "LOW"|"MEDIUM"|"HIGH"|"URGENT", "estimated_hours": number (total focused effort), "tags": [up to 3 short topic strings]}`

// analyzer derives task metadata from raw text: heuristics always, LLM
// refinement when a provider is configured.
type analyzer struct {
	llm llm.Client
}

func newAnalyzer(client llm.Client) *analyzer {
	return &analyzer{llm: client}
}

func (a *analyzer) analyze(ctx context.Context, raw string) (analysis, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return analysis{}, services.NewValidationError("text", "required")
	}
	if len(raw) > maxRawTextLen {
		return analysis{}, services.NewValidationError("text",
			fmt.Sprintf("exceeds %d characters", maxRawTextLen))
	}

	result := heuristicAnalysis(raw)
	if a.llm == nil {
		return result, nil
	}

	refined, err := a.refine(ctx, raw)
	if err != nil {
		slog.Warn("LLM analysis failed, keeping heuristic reading", "error", err)
		return result, nil
	}
	return mergeAnalysis(result, refined), nil
}

func (a *analyzer) refine(ctx context.Context, raw string) (analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, analyzeDeadline)
	defer cancel()

	resp, err := a.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: analyzeSystemPrompt},
			{Role: llm.RoleUser, Content: raw},
		},
		Schema:      analysisSchema,
		MaxTokens:   256,
		Temperature: 0.2,
		Deadline:    analyzeDeadline,
	})
	if err != nil {
		return analysis{}, err
	}

	var out struct {
		Title          string   `json:"title"`
		Priority       string   `json:"priority"`
		EstimatedHours float64  `json:"estimated_hours"`
		Tags           []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return analysis{}, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return analysis{
		Title:          strings.TrimSpace(out.Title),
		Priority:       models.Priority(strings.ToUpper(out.Priority)),
		EstimatedHours: out.EstimatedHours,
		Tags:           out.Tags,
	}, nil
}

func heuristicAnalysis(raw string) analysis {
	title, description := splitTitle(raw)
	return analysis{
		Title:          title,
		Description:    description,
		Priority:       priorityFor(raw),
		EstimatedHours: estimateHours(raw),
		Tags:           decompose.TagsFor(title),
	}
}

// mergeAnalysis lets valid refined fields win over the heuristic reading.
// The description never comes from the model.
func mergeAnalysis(base, refined analysis) analysis {
	if refined.Title != "" {
		base.Title = clip(refined.Title, models.MaxTitleLen)
	}
	if refined.Priority.IsValid() {
		base.Priority = refined.Priority
	}
	if refined.EstimatedHours > 0 {
		base.EstimatedHours = math.Min(refined.EstimatedHours, models.MaxEstimatedHours)
	}
	tags := make([]string, 0, 3)
	for _, t := range refined.Tags {
		if t = strings.TrimSpace(t); t != "" && len(tags) < 3 {
			tags = append(tags, t)
		}
	}
	if len(tags) > 0 {
		base.Tags = tags
	}
	return base
}

// splitTitle takes the first line as the title and keeps the rest as the
// description, both clipped to their field limits.
func splitTitle(raw string) (title, description string) {
	head, rest, _ := strings.Cut(raw, "\n")
	title = clip(strings.TrimSpace(head), models.MaxTitleLen)
	description = clip(strings.TrimSpace(rest), models.MaxDescriptionLen)
	return title, description
}

func priorityFor(raw string) models.Priority {
	lowered := strings.ToLower(raw)
	switch {
	case strings.Contains(lowered, "urgent") || strings.Contains(lowered, "asap"):
		return models.PriorityUrgent
	case strings.Contains(lowered, "important"):
		return models.PriorityHigh
	case strings.Contains(lowered, "whenever") || strings.Contains(lowered, "someday"):
		return models.PriorityLow
	default:
		return models.PriorityMedium
	}
}

// estimateHours reads an effort estimate out of the text: explicit
// duration phrases first, then keyword tiers, then the default.
func estimateHours(raw string) float64 {
	lowered := strings.ToLower(raw)

	if m := hoursPattern.FindStringSubmatch(lowered); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v > 0 {
			return math.Min(v, models.MaxEstimatedHours)
		}
	}
	if m := minutesPattern.FindStringSubmatch(lowered); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 0 {
			return math.Min(float64(v)/60.0, models.MaxEstimatedHours)
		}
	}
	if halfHourPattern.MatchString(lowered) {
		return 0.5
	}
	if oneHourPattern.MatchString(lowered) {
		return 1.0
	}

	if fields := strings.Fields(lowered); len(fields) > 0 {
		if quickVerbs[strings.Trim(fields[0], `,.;:!?"'`)] {
			return quickEstimateHours
		}
	}
	for _, w := range sittingWords {
		if strings.Contains(lowered, w) {
			return sittingEstimateHours
		}
	}
	return defaultEstimateHours
}

// clip shortens s to at most limit bytes on a rune boundary.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}
