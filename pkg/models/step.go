package models

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Duration bounds for persisted leaves, enforced here and by the store
// schema.
const (
	HumanMinMinutes   = 2
	HumanMaxMinutes   = 5
	DigitalMinMinutes = 1
	DigitalMaxMinutes = 15

	MaxStepDescriptionLen = 500
	MaxQuestionLen        = 200
)

// MicroStep is the atomic unit of action under a Task.
type MicroStep struct {
	StepID           string         `json:"step_id"`
	ParentTaskID     string         `json:"parent_task_id"`
	StepNumber       int            `json:"step_number"`
	Description      string         `json:"description"`
	ShortLabel       string         `json:"short_label,omitempty"`
	Icon             string         `json:"icon,omitempty"`
	EstimatedMinutes int            `json:"estimated_minutes"`
	DelegationMode   DelegationMode `json:"delegation_mode"`
	LeafType         LeafType       `json:"leaf_type"`
	Status           StepStatus     `json:"status"`

	AutomationPlan     *AutomationPlan     `json:"automation_plan,omitempty"`
	ClarificationNeeds []ClarificationNeed `json:"clarification_needs,omitempty"`
	Tags               []string            `json:"tags"`

	ParentStepID *string `json:"parent_step_id,omitempty"`
	Level        int     `json:"level"`
	IsLeaf       bool    `json:"is_leaf"`

	ActualMinutes *int       `json:"actual_minutes,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ClarificationNeed is an unresolved argument blocking classification.
type ClarificationNeed struct {
	Field        string `json:"field"`
	Question     string `json:"question"`
	Required     bool   `json:"required"`
	AnsweredWith string `json:"answered_with,omitempty"`
}

// AutomationPlan is the typed handler invocation attached to DIGITAL leaves.
type AutomationPlan struct {
	HandlerKey           string            `json:"handler_key"`
	Arguments            map[string]string `json:"arguments"`
	ConfirmationRequired bool              `json:"confirmation_required"`
}

// MinutesBounds returns the permitted estimated_minutes range for the leaf
// type. UNKNOWN leaves use the human range since they resolve to either.
func (t LeafType) MinutesBounds() (min, max int) {
	if t == LeafDigital {
		return DigitalMinMinutes, DigitalMaxMinutes
	}
	return HumanMinMinutes, HumanMaxMinutes
}

// ClampMinutes forces minutes into the permitted range for the leaf type.
func (t LeafType) ClampMinutes(minutes int) int {
	min, max := t.MinutesBounds()
	if minutes < min {
		return min
	}
	if minutes > max {
		return max
	}
	return minutes
}

// Validate checks the step against the schema invariants.
func (s *MicroStep) Validate() error {
	if s.StepID == "" {
		return fmt.Errorf("step_id is required")
	}
	if s.ParentTaskID == "" {
		return fmt.Errorf("parent_task_id is required")
	}
	if s.StepNumber < 1 {
		return fmt.Errorf("step_number %d must be >= 1", s.StepNumber)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Description) > MaxStepDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", MaxStepDescriptionLen)
	}
	if s.Icon != "" && utf8.RuneCountInString(s.Icon) > 2 {
		return fmt.Errorf("icon must be a single emoji")
	}
	if !s.DelegationMode.IsValid() {
		return fmt.Errorf("invalid delegation_mode %q", s.DelegationMode)
	}
	if !s.LeafType.IsValid() {
		return fmt.Errorf("invalid leaf_type %q", s.LeafType)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	min, max := s.LeafType.MinutesBounds()
	if s.EstimatedMinutes < min || s.EstimatedMinutes > max {
		return fmt.Errorf("estimated_minutes %d outside [%d, %d] for %s leaf",
			s.EstimatedMinutes, min, max, s.LeafType)
	}
	if s.LeafType == LeafUnknown && len(s.ClarificationNeeds) == 0 {
		return fmt.Errorf("UNKNOWN leaf requires at least one clarification need")
	}
	if s.LeafType == LeafDigital && s.AutomationPlan == nil {
		return fmt.Errorf("DIGITAL leaf requires an automation plan")
	}
	if s.Level < 0 || s.Level > MaxTreeDepth {
		return fmt.Errorf("level %d outside [0, %d]", s.Level, MaxTreeDepth)
	}
	if s.Status == StepStatusCompleted {
		if s.CompletedAt == nil {
			return fmt.Errorf("completed step missing completed_at")
		}
		if s.ActualMinutes == nil || *s.ActualMinutes < 0 {
			return fmt.Errorf("completed step missing actual_minutes")
		}
	}
	for _, need := range s.ClarificationNeeds {
		if err := need.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a clarification need.
func (n *ClarificationNeed) Validate() error {
	if n.Field == "" {
		return fmt.Errorf("clarification field is required")
	}
	if n.Question == "" {
		return fmt.Errorf("clarification question is required")
	}
	if len(n.Question) > MaxQuestionLen {
		return fmt.Errorf("clarification question exceeds %d characters", MaxQuestionLen)
	}
	return nil
}

// OpenNeeds returns the required clarification needs that are still
// unanswered.
func (s *MicroStep) OpenNeeds() []ClarificationNeed {
	var open []ClarificationNeed
	for _, n := range s.ClarificationNeeds {
		if n.Required && n.AnsweredWith == "" {
			open = append(open, n)
		}
	}
	return open
}
