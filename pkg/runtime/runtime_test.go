package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/services"
	"github.com/stepflow-ai/stepflow/test/util"
)

const testUser = "user-1"

type runtimeFixture struct {
	runtime *Runtime
	tasks   *services.TaskService
	steps   *services.StepService
	log     *services.EventService
}

func newRuntimeFixture(t *testing.T, registry *Registry, opts Options) *runtimeFixture {
	t.Helper()

	db := util.NewTestDB(t)
	log := services.NewEventService(db)
	stepSvc := services.NewStepService(db, log)
	taskSvc := services.NewTaskService(db, log)
	bus := events.NewBus(log, 50*time.Millisecond)

	rt, err := New(stepSvc, registry, bus, opts)
	require.NoError(t, err)

	return &runtimeFixture{runtime: rt, tasks: taskSvc, steps: stepSvc, log: log}
}

// seedTask persists a task with the given steps, numbering them 1..n.
func (f *runtimeFixture) seedTask(t *testing.T, steps ...models.MicroStep) (*models.Task, []models.MicroStep) {
	t.Helper()

	now := time.Now().UTC()
	task := &models.Task{
		TaskID:         uuid.NewString(),
		UserID:         testUser,
		Title:          "Fixture task",
		Status:         models.TaskStatusTodo,
		Priority:       models.PriorityMedium,
		Scope:          models.ScopeSimple,
		EstimatedHours: 0.25,
		Tags:           []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i := range steps {
		steps[i].StepID = uuid.NewString()
		steps[i].ParentTaskID = task.TaskID
		steps[i].StepNumber = i + 1
		steps[i].IsLeaf = true
		steps[i].CreatedAt = now
		steps[i].UpdatedAt = now
	}
	stored, storedSteps, _, err := f.tasks.UpsertTaskWithSteps(context.Background(), task, steps, nil)
	require.NoError(t, err)
	return stored, storedSteps
}

func (f *runtimeFixture) eventsOfType(t *testing.T, eventType string) []models.Event {
	t.Helper()
	evs, err := f.log.ListSince(context.Background(), testUser, 0, 200)
	require.NoError(t, err)
	var filtered []models.Event
	for _, ev := range evs {
		if ev.EventType == eventType {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

func (f *runtimeFixture) getStep(t *testing.T, stepID string) *models.MicroStep {
	t.Helper()
	step, err := f.steps.GetStep(context.Background(), stepID)
	require.NoError(t, err)
	return step
}

func humanStep(desc string) models.MicroStep {
	return models.MicroStep{
		Description:      desc,
		ShortLabel:       "Do it",
		Icon:             "✅",
		EstimatedMinutes: 3,
		DelegationMode:   models.DelegationDo,
		LeafType:         models.LeafHuman,
		Status:           models.StepStatusTodo,
	}
}

func digitalStep(desc, handlerKey string, args map[string]string) models.MicroStep {
	return models.MicroStep{
		Description:      desc,
		ShortLabel:       "Automate",
		Icon:             "🤖",
		EstimatedMinutes: 2,
		DelegationMode:   models.DelegationDelegate,
		LeafType:         models.LeafDigital,
		Status:           models.StepStatusTodo,
		AutomationPlan: &models.AutomationPlan{
			HandlerKey: handlerKey,
			Arguments:  args,
		},
	}
}

// failingHandler simulates an integration whose backend is down.
type failingHandler struct{ key string }

func (h *failingHandler) Key() string { return h.key }

func (h *failingHandler) Execute(ctx context.Context, args map[string]string) (*Result, error) {
	return nil, fmt.Errorf("smtp: connection refused")
}

func TestStartStep_DispatchesDigitalPlan(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	_, steps := f.seedTask(t, digitalStep("Send email to bob@example.com", "email.send",
		map[string]string{"recipient": "bob@example.com"}))
	stepID := steps[0].StepID

	f.runtime.Start(context.Background())
	t.Cleanup(f.runtime.Stop)

	step, appended, err := f.runtime.StartStep(context.Background(), stepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInProgress, step.Status)
	require.Len(t, appended, 1)
	assert.Equal(t, events.EventTypeStepStarted, appended[0].EventType)

	require.Eventually(t, func() bool {
		got, err := f.steps.GetStep(context.Background(), stepID)
		return err == nil && got.Status == models.StepStatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "handler never completed the step")

	got := f.getStep(t, stepID)
	require.NotNil(t, got.ActualMinutes)
	assert.Equal(t, 1, *got.ActualMinutes)

	completed := f.eventsOfType(t, events.EventTypeStepCompleted)
	require.Len(t, completed, 1)
	var payload events.StepCompletedPayload
	require.NoError(t, json.Unmarshal(completed[0].Payload, &payload))
	assert.True(t, payload.TaskCompleted)

	awarded := f.eventsOfType(t, events.EventTypeXPAwarded)
	require.Len(t, awarded, 1)
	var xp events.XPAwardedPayload
	require.NoError(t, json.Unmarshal(awarded[0].Payload, &xp))
	// base 10 + estimate 2, plus the on-time bonus for 1 actual minute.
	assert.Equal(t, 17, xp.Amount)
	assert.True(t, xp.Bonus)
}

func TestStartStep_HumanStepIsNotDispatched(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	_, steps := f.seedTask(t, humanStep("Lay out the slides on paper"))

	step, _, err := f.runtime.StartStep(context.Background(), steps[0].StepID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInProgress, step.Status)

	queued, tracked := f.runtime.PoolDepth()
	assert.Zero(t, queued)
	assert.Zero(t, tracked)
}

func TestExecutePlan_MissingInputRaisesNeeds(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	_, steps := f.seedTask(t, digitalStep("Send email to alice", "email.send",
		map[string]string{"recipient": "alice"}))
	stepID := steps[0].StepID

	_, _, err := f.steps.StartStep(context.Background(), stepID)
	require.NoError(t, err)

	f.runtime.ExecutePlan(context.Background(), stepID, *steps[0].AutomationPlan)

	got := f.getStep(t, stepID)
	assert.Equal(t, models.StepStatusInProgress, got.Status)
	open := got.OpenNeeds()
	require.Len(t, open, 1)
	assert.Equal(t, "recipient", open[0].Field)
	assert.Contains(t, open[0].Question, `"alice"`)

	raised := f.eventsOfType(t, events.EventTypeClarificationRaised)
	require.Len(t, raised, 1)
	var payload events.ClarificationRaisedPayload
	require.NoError(t, json.Unmarshal(raised[0].Payload, &payload))
	assert.Equal(t, stepID, payload.StepID)
	assert.Equal(t, []string{open[0].Question}, payload.Questions)
}

func TestExecutePlan_ReopensAnsweredNeed(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	step := digitalStep("Send email to alice", "email.send",
		map[string]string{"recipient": "alice"})
	step.ClarificationNeeds = []models.ClarificationNeed{{
		Field:        "recipient",
		Question:     "Who should receive this email?",
		Required:     true,
		AnsweredWith: "alice",
	}}
	_, steps := f.seedTask(t, step)
	stepID := steps[0].StepID

	_, _, err := f.steps.StartStep(context.Background(), stepID)
	require.NoError(t, err)

	f.runtime.ExecutePlan(context.Background(), stepID, *steps[0].AutomationPlan)

	got := f.getStep(t, stepID)
	require.Len(t, got.ClarificationNeeds, 1)
	assert.Empty(t, got.ClarificationNeeds[0].AnsweredWith)
	assert.Contains(t, got.ClarificationNeeds[0].Question, `"alice"`)
	assert.Len(t, got.OpenNeeds(), 1)
}

func TestExecutePlan_FailureLeavesStepRetryable(t *testing.T) {
	registry := NewRegistry(&failingHandler{key: "email.send"})
	f := newRuntimeFixture(t, registry, Options{})
	_, steps := f.seedTask(t, digitalStep("Send email to bob@example.com", "email.send",
		map[string]string{"recipient": "bob@example.com"}))
	stepID := steps[0].StepID

	_, _, err := f.steps.StartStep(context.Background(), stepID)
	require.NoError(t, err)

	f.runtime.ExecutePlan(context.Background(), stepID, *steps[0].AutomationPlan)

	got := f.getStep(t, stepID)
	assert.Equal(t, models.StepStatusInProgress, got.Status)
	assert.Empty(t, f.eventsOfType(t, events.EventTypeStepCancelled))
}

func TestExecutePlan_FailureCancelsWhenConfigured(t *testing.T) {
	registry := NewRegistry(&failingHandler{key: "email.send"})
	f := newRuntimeFixture(t, registry, Options{CancelOnHandlerFailure: true})
	_, steps := f.seedTask(t, digitalStep("Send email to bob@example.com", "email.send",
		map[string]string{"recipient": "bob@example.com"}))
	stepID := steps[0].StepID

	_, _, err := f.steps.StartStep(context.Background(), stepID)
	require.NoError(t, err)

	f.runtime.ExecutePlan(context.Background(), stepID, *steps[0].AutomationPlan)

	got := f.getStep(t, stepID)
	assert.Equal(t, models.StepStatusCancelled, got.Status)

	cancelled := f.eventsOfType(t, events.EventTypeStepCancelled)
	require.Len(t, cancelled, 1)
	var payload events.StepCancelledPayload
	require.NoError(t, json.Unmarshal(cancelled[0].Payload, &payload))
	assert.Equal(t, events.CancelReasonHandlerFailed, payload.Reason)
}

func TestExecutePlan_UnknownHandlerLeavesStep(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	_, steps := f.seedTask(t, digitalStep("Send a fax to the county office", "fax.send",
		map[string]string{"recipient": "county office"}))
	stepID := steps[0].StepID

	_, _, err := f.steps.StartStep(context.Background(), stepID)
	require.NoError(t, err)

	f.runtime.ExecutePlan(context.Background(), stepID, *steps[0].AutomationPlan)

	got := f.getStep(t, stepID)
	assert.Equal(t, models.StepStatusInProgress, got.Status)
	assert.Empty(t, f.eventsOfType(t, events.EventTypeStepCompleted))
	assert.Empty(t, f.eventsOfType(t, events.EventTypeStepCancelled))
}

func TestExecutePlan_ResultAfterCancelIsDropped(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	_, steps := f.seedTask(t, digitalStep("Send email to bob@example.com", "email.send",
		map[string]string{"recipient": "bob@example.com"}))
	stepID := steps[0].StepID

	_, _, err := f.steps.StartStep(context.Background(), stepID)
	require.NoError(t, err)
	_, _, err = f.steps.CancelStep(context.Background(), stepID, "")
	require.NoError(t, err)

	f.runtime.ExecutePlan(context.Background(), stepID, *steps[0].AutomationPlan)

	got := f.getStep(t, stepID)
	assert.Equal(t, models.StepStatusCancelled, got.Status)
	assert.Empty(t, f.eventsOfType(t, events.EventTypeStepCompleted))
}

func TestCompleteStep_ConcurrentSiblingsPromoteOnce(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	task, steps := f.seedTask(t,
		humanStep("Pull last month's numbers"),
		humanStep("Draft the summary paragraph"),
		humanStep("Paste it into the doc"),
	)

	var wg sync.WaitGroup
	results := make([]*services.CompletionResult, len(steps))
	errs := make([]error, len(steps))
	for i := range steps {
		wg.Add(1)
		go func(i int, stepID string) {
			defer wg.Done()
			results[i], errs[i] = f.runtime.CompleteStep(context.Background(), stepID, nil)
		}(i, steps[i].StepID)
	}
	wg.Wait()

	promoted := 0
	xpSum := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].TaskCompleted {
			promoted++
		}
		xpSum += results[i].XPAwarded
	}
	assert.Equal(t, 1, promoted, "exactly one completion should promote the task")
	// Three TODO->COMPLETED completions book the estimate as actual: each
	// earns base 10 + estimate 3 + on-time bonus 5.
	assert.Equal(t, 54, xpSum)

	stored, err := f.tasks.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	assert.Len(t, f.eventsOfType(t, events.EventTypeStepCompleted), 3)
	assert.Len(t, f.eventsOfType(t, events.EventTypeXPAwarded), 3)
	assert.Len(t, f.eventsOfType(t, events.EventTypeStreakUpdated), 1,
		"same-day completions should update the streak once")

	progress, err := f.tasks.GetProgress(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Completed)
	assert.Equal(t, 100.0, progress.Percent)
}

func TestCompleteStep_Idempotent(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	_, steps := f.seedTask(t, humanStep("Water the plants"))
	stepID := steps[0].StepID

	first, err := f.runtime.CompleteStep(context.Background(), stepID, nil)
	require.NoError(t, err)
	assert.Equal(t, 18, first.XPAwarded)
	assert.True(t, first.TaskCompleted)
	require.NotEmpty(t, first.Events)

	second, err := f.runtime.CompleteStep(context.Background(), stepID, nil)
	require.NoError(t, err)
	assert.Zero(t, second.XPAwarded)
	assert.Empty(t, second.Events)
	assert.Equal(t, models.StepStatusCompleted, second.Step.Status)
	require.NotNil(t, second.Step.ActualMinutes)
	assert.Equal(t, *first.Step.ActualMinutes, *second.Step.ActualMinutes)
	require.NotNil(t, second.Step.CompletedAt)
	assert.WithinDuration(t, *first.Step.CompletedAt, *second.Step.CompletedAt, time.Second)

	assert.Len(t, f.eventsOfType(t, events.EventTypeStepCompleted), 1)
}

func TestCancelStep_PublishesEvent(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	_, steps := f.seedTask(t, humanStep("Call the dentist"))

	step, appended, err := f.runtime.CancelStep(context.Background(), steps[0].StepID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCancelled, step.Status)
	require.Len(t, appended, 1)
	assert.Equal(t, events.EventTypeStepCancelled, appended[0].EventType)
}

func TestReconciler_RequeuesLostDispatch(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	_, steps := f.seedTask(t, digitalStep("Send email to bob@example.com", "email.send",
		map[string]string{"recipient": "bob@example.com"}))
	stepID := steps[0].StepID

	// Start through the service so no dispatch is queued, as after a
	// restart that lost the in-memory queue.
	_, _, err := f.steps.StartStep(context.Background(), stepID)
	require.NoError(t, err)

	f.runtime.Start(context.Background())
	t.Cleanup(f.runtime.Stop)

	rec := NewReconciler(f.steps, f.runtime, ReconcilerOptions{
		Interval:   20 * time.Millisecond,
		StaleAfter: time.Millisecond,
	})
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)

	require.Eventually(t, func() bool {
		got, err := f.steps.GetStep(context.Background(), stepID)
		return err == nil && got.Status == models.StepStatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "reconciler never re-queued the step")
}

func TestReconciler_SkipsStepsAwaitingAnswers(t *testing.T) {
	f := newRuntimeFixture(t, nil, Options{})
	step := digitalStep("Send email to alice", "email.send",
		map[string]string{"recipient": "alice"})
	step.ClarificationNeeds = []models.ClarificationNeed{{
		Field:    "recipient",
		Question: "Who should receive this email?",
		Required: true,
	}}
	_, steps := f.seedTask(t, step)
	stepID := steps[0].StepID

	_, _, err := f.steps.StartStep(context.Background(), stepID)
	require.NoError(t, err)

	f.runtime.Start(context.Background())
	t.Cleanup(f.runtime.Stop)

	rec := NewReconciler(f.steps, f.runtime, ReconcilerOptions{
		Interval:   20 * time.Millisecond,
		StaleAfter: time.Millisecond,
	})
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)

	time.Sleep(100 * time.Millisecond)

	got := f.getStep(t, stepID)
	assert.Equal(t, models.StepStatusInProgress, got.Status)
	assert.Empty(t, f.eventsOfType(t, events.EventTypeClarificationRaised),
		"a step waiting on answers must not be re-dispatched")
}
