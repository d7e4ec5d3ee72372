package models

import (
	"fmt"
	"time"
)

// Field limits enforced on ingest and again by the store schema.
const (
	MaxTitleLen       = 255
	MaxDescriptionLen = 2000
	MaxEstimatedHours = 100.0

	// MaxTreeDepth bounds both task nesting and progressive step
	// decomposition.
	MaxTreeDepth = 6
)

// Task is a captured user intent, the root of a MicroStep plan.
type Task struct {
	TaskID         string     `json:"task_id"`
	UserID         string     `json:"user_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	Priority       Priority   `json:"priority"`
	Scope          Scope      `json:"scope"`
	EstimatedHours float64    `json:"estimated_hours"`
	ParentTaskID   *string    `json:"parent_task_id,omitempty"`
	IdempotencyKey string     `json:"-"`
	Tags           []string   `json:"tags"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the task against the schema invariants. It is called
// before every insert; the store schema backstops the same rules.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if t.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds %d characters", MaxTitleLen)
	}
	if len(t.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", MaxDescriptionLen)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if !t.Scope.IsValid() {
		return fmt.Errorf("invalid scope %q", t.Scope)
	}
	if t.EstimatedHours < 0 || t.EstimatedHours > MaxEstimatedHours {
		return fmt.Errorf("estimated_hours %.2f outside [0, %.0f]", t.EstimatedHours, MaxEstimatedHours)
	}
	if t.Scope != ScopeSimple && t.EstimatedHours <= 0 {
		return fmt.Errorf("estimated_hours must be positive for %s scope", t.Scope)
	}
	if t.Status == TaskStatusCompleted && t.CompletedAt == nil {
		return fmt.Errorf("completed task missing completed_at")
	}
	if t.Status != TaskStatusCompleted && t.CompletedAt != nil {
		return fmt.Errorf("completed_at set on %s task", t.Status)
	}
	if t.CompletedAt != nil && t.CompletedAt.Before(t.CreatedAt) {
		return fmt.Errorf("completed_at precedes created_at")
	}
	return nil
}

// TaskProgress summarizes step completion for a task.
type TaskProgress struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	InProgress    int     `json:"in_progress"`
	Percent       float64 `json:"percent"`
	MinutesEst    int     `json:"minutes_est"`
	MinutesActual int     `json:"minutes_actual"`
}

// UserStats carries per-user gamification counters. The streak day is a
// UTC calendar date in YYYY-MM-DD form so day comparisons are string
// comparisons.
type UserStats struct {
	UserID           string    `json:"user_id"`
	XPTotal          int       `json:"xp_total"`
	Streak           int       `json:"streak"`
	LastCompletedDay string    `json:"last_completed_day,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}
