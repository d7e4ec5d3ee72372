package api

import (
	"github.com/stepflow-ai/stepflow/pkg/capture"
	"github.com/stepflow-ai/stepflow/pkg/database"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// CaptureResponse is returned by POST /capture.
type CaptureResponse struct {
	Task           *models.Task            `json:"task"`
	MicroSteps     []models.MicroStep      `json:"micro_steps"`
	Clarifications []capture.Clarification `json:"clarifications,omitempty"`
	Breakdown      PlanBreakdown           `json:"breakdown"`
	Persisted      bool                    `json:"persisted"`
	ProcessingMS   int64                   `json:"processing_ms"`
}

// PlanBreakdown summarizes a captured plan.
type PlanBreakdown struct {
	TotalSteps   int `json:"total_steps"`
	DigitalCount int `json:"digital_count"`
	HumanCount   int `json:"human_count"`
	TotalMinutes int `json:"total_minutes"`
}

// StartStepResponse is returned by POST /steps/:step_id/start.
type StartStepResponse struct {
	Step          *models.MicroStep `json:"step"`
	EmittedEvents []models.Event    `json:"emitted_events"`
}

// CompleteStepResponse is returned by POST /steps/:step_id/complete.
type CompleteStepResponse struct {
	Step          *models.MicroStep `json:"step"`
	XPAwarded     int               `json:"xp_awarded"`
	Bonus         bool              `json:"bonus"`
	Streak        int               `json:"streak"`
	StreakChanged bool              `json:"streak_changed"`
	TaskCompleted bool              `json:"task_completed"`
}

// CancelStepResponse is returned by POST /steps/:step_id/cancel.
type CancelStepResponse struct {
	Step *models.MicroStep `json:"step"`
}

// ResolveStepResponse is returned by POST /steps/:step_id/resolve.
type ResolveStepResponse struct {
	Step          *models.MicroStep `json:"step"`
	TaskPersisted bool              `json:"task_persisted"`
}

// TaskDetailResponse is returned by GET /tasks/:task_id.
type TaskDetailResponse struct {
	Task       *models.Task       `json:"task"`
	MicroSteps []models.MicroStep `json:"micro_steps"`
}

// DispatchPoolStatus reports automation dispatch backlog.
type DispatchPoolStatus struct {
	Queued  int `json:"queued"`
	Tracked int `json:"tracked"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status       string                 `json:"status"`
	Version      string                 `json:"version"`
	Database     *database.HealthStatus `json:"database"`
	DispatchPool DispatchPoolStatus     `json:"dispatch_pool"`
}

func breakdownOf(steps []models.MicroStep) PlanBreakdown {
	b := PlanBreakdown{TotalSteps: len(steps)}
	for i := range steps {
		switch steps[i].LeafType {
		case models.LeafDigital:
			b.DigitalCount++
		case models.LeafHuman:
			b.HumanCount++
		}
		b.TotalMinutes += steps[i].EstimatedMinutes
	}
	return b
}
