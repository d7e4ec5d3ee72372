// Package split turns a Task into its ordered MicroStep plan. The proxy
// prefers an LLM draft and falls back to keyword templates; either way the
// result satisfies every MicroStep invariant.
package split

import (
	"strings"

	"github.com/stepflow-ai/stepflow/pkg/models"
)

// Draft is one proposed step before normalization. It is both the heuristic
// template element and the JSON element the LLM is asked for.
type Draft struct {
	Description      string `json:"description"`
	ShortLabel       string `json:"short_label,omitempty"`
	Icon             string `json:"icon,omitempty"`
	EstimatedMinutes int    `json:"estimated_minutes"`
	DelegationMode   string `json:"delegation_mode,omitempty"`
}

// titleFragmentLen bounds how much of the task title gets spliced into
// template descriptions.
const titleFragmentLen = 60

// Heuristic produces micro-step drafts from keyword templates: no network,
// no randomness, same input same output.
type Heuristic struct{}

// NewHeuristic creates the template splitter.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Split picks a template by keyword match against the title and stamps it
// out for the task. Output is 3-6 drafts, every estimate inside [2, 5]
// minutes, first draft a begin/gather step.
func (h *Heuristic) Split(task *models.Task) []Draft {
	tpl := matchTemplate(task.Title)
	fragment := titleFragment(task.Title)

	drafts := make([]Draft, 0, len(tpl.steps))
	for _, step := range tpl.steps {
		d := step
		d.Description = strings.ReplaceAll(d.Description, "{task}", fragment)
		if d.DelegationMode == "" {
			d.DelegationMode = string(models.DelegationDo)
		}
		drafts = append(drafts, d)
	}
	return drafts
}

func matchTemplate(title string) template {
	lowered := strings.ToLower(title)
	for _, tpl := range templates {
		for _, kw := range tpl.keywords {
			if strings.Contains(lowered, kw) {
				return tpl
			}
		}
	}
	return defaultTemplate
}

func titleFragment(title string) string {
	title = strings.TrimSpace(title)
	if len(title) <= titleFragmentLen {
		return title
	}
	cut := title[:titleFragmentLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > titleFragmentLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
