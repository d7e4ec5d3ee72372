// Package classify annotates micro-steps with a leaf type, an automation
// plan for steps a handler can run, and clarification needs for steps
// whose handler arguments are missing.
//
// Matching is purely lexical: the step's leading verb is checked against
// each integration's verb list and the object keywords against the rest of
// the description. DIGITAL needs every required argument, either extracted
// from the description or answered through an earlier clarification; a
// match with missing arguments is UNKNOWN and carries one clarification
// need per gap; no match is HUMAN.
package classify

import (
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// Classification is the outcome for a single step.
type Classification struct {
	LeafType models.LeafType
	Plan     *models.AutomationPlan
	Needs    []models.ClarificationNeed
}

// Classifier matches steps against an integration registry. It is
// stateless and safe for concurrent use.
type Classifier struct {
	registry *Registry
}

// NewClassifier creates a classifier over the given registry; a nil
// registry means the built-in set.
func NewClassifier(registry *Registry) *Classifier {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Classifier{registry: registry}
}

// Registry returns the integration registry backing this classifier.
func (c *Classifier) Registry() *Registry {
	return c.registry
}

type match struct {
	integration *Integration
	args        map[string]string
	missing     []ArgSpec
	satisfied   int
}

// Classify computes the classification without touching the step. Answers
// recorded on the step's existing clarification needs count as satisfied
// arguments, so re-classifying after a Resolve can promote UNKNOWN to
// DIGITAL.
func (c *Classifier) Classify(step *models.MicroStep) Classification {
	answered := answeredFields(step.ClarificationNeeds)

	var best *match
	for i := range c.registry.integrations {
		integ := &c.registry.integrations[i]
		if !matches(integ, step.Description) {
			continue
		}
		m := evaluate(integ, step.Description, answered)
		if best == nil || m.satisfied > best.satisfied {
			best = m
		}
	}

	if best == nil {
		return Classification{LeafType: models.LeafHuman, Needs: step.ClarificationNeeds}
	}
	if len(best.missing) == 0 {
		return Classification{
			LeafType: models.LeafDigital,
			Plan: &models.AutomationPlan{
				HandlerKey:           best.integration.HandlerKey,
				Arguments:            best.args,
				ConfirmationRequired: best.integration.ConfirmationRequired,
			},
			Needs: step.ClarificationNeeds,
		}
	}
	return Classification{
		LeafType: models.LeafUnknown,
		Needs:    mergeNeeds(step.ClarificationNeeds, best.missing),
	}
}

// Annotate classifies the step and writes the result onto it, clamping the
// estimate into the new leaf type's bounds.
func (c *Classifier) Annotate(step *models.MicroStep) Classification {
	cls := c.Classify(step)
	step.LeafType = cls.LeafType
	step.AutomationPlan = cls.Plan
	step.ClarificationNeeds = cls.Needs
	step.EstimatedMinutes = cls.LeafType.ClampMinutes(step.EstimatedMinutes)
	return cls
}

func matches(integ *Integration, desc string) bool {
	tokens := tokenize(desc)
	if len(tokens) == 0 {
		return false
	}
	if !containsWord(integ.Verbs, tokens[0]) {
		return false
	}
	if len(integ.Objects) == 0 {
		return true
	}
	for _, tok := range tokens {
		if containsWord(integ.Objects, tok) {
			return true
		}
	}
	return false
}

func evaluate(integ *Integration, desc string, answered map[string]string) *match {
	m := &match{integration: integ, args: make(map[string]string)}
	for _, spec := range integ.Required {
		if v, ok := answered[spec.Name]; ok {
			m.args[spec.Name] = v
			m.satisfied++
			continue
		}
		if v, ok := spec.Extract(desc); ok {
			m.args[spec.Name] = v
			m.satisfied++
			continue
		}
		m.missing = append(m.missing, spec)
	}
	for _, spec := range integ.Optional {
		if v, ok := answered[spec.Name]; ok {
			m.args[spec.Name] = v
			continue
		}
		if spec.Extract == nil {
			continue
		}
		if v, ok := spec.Extract(desc); ok {
			m.args[spec.Name] = v
		}
	}
	return m
}

func answeredFields(needs []models.ClarificationNeed) map[string]string {
	answered := make(map[string]string, len(needs))
	for _, n := range needs {
		if n.AnsweredWith != "" {
			answered[n.Field] = n.AnsweredWith
		}
	}
	return answered
}

// mergeNeeds keeps the existing needs, answers included, and appends a new
// need for each missing argument not already tracked.
func mergeNeeds(existing []models.ClarificationNeed, missing []ArgSpec) []models.ClarificationNeed {
	needs := make([]models.ClarificationNeed, len(existing))
	copy(needs, existing)
	for _, spec := range missing {
		if hasField(needs, spec.Name) {
			continue
		}
		needs = append(needs, models.ClarificationNeed{
			Field:    spec.Name,
			Question: spec.Question,
			Required: true,
		})
	}
	return needs
}

func hasField(needs []models.ClarificationNeed, field string) bool {
	for _, n := range needs {
		if n.Field == field {
			return true
		}
	}
	return false
}

func containsWord(words []string, w string) bool {
	for _, candidate := range words {
		if candidate == w {
			return true
		}
	}
	return false
}
