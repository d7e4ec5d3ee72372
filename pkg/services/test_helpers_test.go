package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/test/util"
)

const testUser = "user-1"

// svcFixture bundles the services under test over one temp database.
type svcFixture struct {
	log   *EventService
	steps *StepService
	tasks *TaskService
	stats *StatsService
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()

	db := util.NewTestDB(t)
	log := NewEventService(db)
	return &svcFixture{
		log:   log,
		steps: NewStepService(db, log),
		tasks: NewTaskService(db, log),
		stats: NewStatsService(db),
	}
}

// seed persists a task and its steps, failing the test on any rejection.
func (f *svcFixture) seed(t *testing.T, task *models.Task, steps ...models.MicroStep) []models.MicroStep {
	t.Helper()

	_, persisted, reused, err := f.tasks.UpsertTaskWithSteps(context.Background(), task, steps, nil)
	require.NoError(t, err)
	require.False(t, reused)
	return persisted
}

// clockAt pins a service clock to a fixed instant.
func clockAt(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func testTask(userID string) *models.Task {
	now := time.Now().UTC()
	return &models.Task{
		TaskID:    uuid.NewString(),
		UserID:    userID,
		Title:     "reply to alice",
		Status:    models.TaskStatusTodo,
		Priority:  models.PriorityMedium,
		Scope:     models.ScopeSimple,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func humanStep(taskID string, number, minutes int) models.MicroStep {
	now := time.Now().UTC()
	return models.MicroStep{
		StepID:           uuid.NewString(),
		ParentTaskID:     taskID,
		StepNumber:       number,
		Description:      fmt.Sprintf("step %d", number),
		EstimatedMinutes: minutes,
		DelegationMode:   models.DelegationDo,
		LeafType:         models.LeafHuman,
		Status:           models.StepStatusTodo,
		Tags:             []string{},
		IsLeaf:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func digitalStep(taskID string, number, minutes int) models.MicroStep {
	st := humanStep(taskID, number, minutes)
	st.LeafType = models.LeafDigital
	st.DelegationMode = models.DelegationDelegate
	st.AutomationPlan = &models.AutomationPlan{
		HandlerKey: "email.send",
		Arguments:  map[string]string{"recipient": "alice@x.com"},
	}
	return st
}

func pendingStep(taskID string, number int, field string) models.MicroStep {
	st := humanStep(taskID, number, 3)
	st.LeafType = models.LeafUnknown
	st.Status = models.StepStatusPendingClarification
	st.ClarificationNeeds = []models.ClarificationNeed{
		{Field: field, Question: "Which " + field + "?", Required: true},
	}
	return st
}

// decodePayload unmarshals an event payload into its typed form.
func decodePayload[T any](t *testing.T, ev models.Event) T {
	t.Helper()

	var p T
	require.NoError(t, json.Unmarshal(ev.Payload, &p), "payload of %s", ev.EventType)
	return p
}

func intPtr(v int) *int { return &v }
