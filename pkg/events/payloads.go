package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepflow-ai/stepflow/pkg/models"
)

// TaskCapturedPayload is the payload for task.captured events.
// Published once per persisted capture, after the capture transaction commits.
type TaskCapturedPayload struct {
	Type      string `json:"type"`       // always EventTypeTaskCaptured
	TaskID    string `json:"task_id"`    // new task UUID
	Title     string `json:"title"`      // derived task title
	Scope     string `json:"scope"`      // SIMPLE, MULTI, PROJECT
	StepCount int    `json:"step_count"` // persisted micro-steps
	Draft     bool   `json:"draft"`      // true when persisted awaiting clarification
	Timestamp string `json:"timestamp"`  // RFC3339Nano
}

// TaskArchivedPayload is the payload for task.archived events.
// Published when a task is soft-archived; open steps are cancelled first.
type TaskArchivedPayload struct {
	Type           string `json:"type"`            // always EventTypeTaskArchived
	TaskID         string `json:"task_id"`         // archived task UUID
	CancelledSteps int    `json:"cancelled_steps"` // steps cancelled by the archive
	Timestamp      string `json:"timestamp"`       // RFC3339Nano
}

// StepStartedPayload is the payload for step.started events.
type StepStartedPayload struct {
	Type      string `json:"type"`      // always EventTypeStepStarted
	StepID    string `json:"step_id"`   // step UUID
	TaskID    string `json:"task_id"`   // owning task UUID
	LeafType  string `json:"leaf_type"` // DIGITAL, HUMAN, UNKNOWN
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// StepCompletedPayload is the payload for step.completed events.
// Emitted at most once per step over its lifetime.
type StepCompletedPayload struct {
	Type             string `json:"type"`              // always EventTypeStepCompleted
	StepID           string `json:"step_id"`           // step UUID
	TaskID           string `json:"task_id"`           // owning task UUID
	EstimatedMinutes int    `json:"estimated_minutes"` // planned effort
	ActualMinutes    int    `json:"actual_minutes"`    // measured or reported effort
	XPAwarded        int    `json:"xp_awarded"`        // XP granted by this completion
	TaskCompleted    bool   `json:"task_completed"`    // true when this completion promoted the task
	Timestamp        string `json:"timestamp"`         // RFC3339Nano
}

// StepCancelledPayload is the payload for step.cancelled events.
type StepCancelledPayload struct {
	Type      string `json:"type"`      // always EventTypeStepCancelled
	StepID    string `json:"step_id"`   // step UUID
	TaskID    string `json:"task_id"`   // owning task UUID
	Reason    string `json:"reason"`    // user_cancelled, task_archived, handler_failed
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// ClarificationRaisedPayload is the payload for clarification.raised events.
// Raised per step: at capture time for draft steps holding open needs, and
// by handlers that could not run with the arguments they were given.
type ClarificationRaisedPayload struct {
	Type      string   `json:"type"`      // always EventTypeClarificationRaised
	TaskID    string   `json:"task_id"`   // draft task UUID
	StepID    string   `json:"step_id"`   // step holding the needs
	Questions []string `json:"questions"` // open question texts, in step order
	Timestamp string   `json:"timestamp"` // RFC3339Nano
}

// ClarificationResolvedPayload is the payload for clarification.resolved events.
type ClarificationResolvedPayload struct {
	Type      string `json:"type"`      // always EventTypeClarificationResolved
	TaskID    string `json:"task_id"`   // owning task UUID
	StepID    string `json:"step_id"`   // resolved step UUID
	Field     string `json:"field"`     // the argument the answer filled
	LeafType  string `json:"leaf_type"` // classification after resolution
	Activated bool   `json:"activated"` // true when the draft task went live
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// XPAwardedPayload is the payload for xp.awarded events.
type XPAwardedPayload struct {
	Type      string `json:"type"`      // always EventTypeXPAwarded
	StepID    string `json:"step_id"`   // completed step UUID
	Amount    int    `json:"amount"`    // XP granted, bonus included
	Bonus     bool   `json:"bonus"`     // true when the on-estimate bonus applied
	XPTotal   int    `json:"xp_total"`  // user total after the award
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// StreakUpdatedPayload is the payload for streak.updated events.
// Emitted at most once per UTC day per user, on the first completion.
type StreakUpdatedPayload struct {
	Type      string `json:"type"`      // always EventTypeStreakUpdated
	Streak    int    `json:"streak"`    // consecutive UTC days with a completion
	Day       string `json:"day"`       // UTC day of the completion, YYYY-MM-DD
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// New builds a persistable Event from a typed payload. The EventID is zero
// until the row is inserted.
func New(eventType, userID string, taskID, stepID *string, payload any, at time.Time) (models.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return models.Event{
		EventType:  eventType,
		UserID:     userID,
		TaskID:     taskID,
		StepID:     stepID,
		Payload:    raw,
		OccurredAt: at,
	}, nil
}

// Stamp formats an event timestamp the way payloads carry them.
func Stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
