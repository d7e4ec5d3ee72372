package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/capture"
	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/runtime"
	"github.com/stepflow-ai/stepflow/pkg/services"
	"github.com/stepflow-ai/stepflow/test/util"
)

const testUser = "user-1"

// apiFixture stands up the full HTTP surface over a temp database with the
// heuristic-only pipeline. The dispatch pool is not started; automation
// behavior has its own tests in pkg/runtime.
type apiFixture struct {
	engine *gin.Engine
	steps  *services.StepService
	tasks  *services.TaskService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db := util.NewTestDB(t)
	log := services.NewEventService(db)
	stepSvc := services.NewStepService(db, log)
	taskSvc := services.NewTaskService(db, log)
	bus := events.NewBus(log, 50*time.Millisecond)

	pipeline, err := capture.NewPipeline(capture.Deps{
		Tasks: taskSvc,
		Steps: stepSvc,
		Bus:   bus,
	}, capture.Options{})
	require.NoError(t, err)

	rt, err := runtime.New(stepSvc, nil, bus, runtime.Options{})
	require.NoError(t, err)

	server := NewServer(pipeline, rt, taskSvc, log, services.NewStatsService(db), bus, db)
	return &apiFixture{engine: server.Routes(), steps: stepSvc, tasks: taskSvc}
}

// do runs one request through the router and decodes the JSON reply into out
// when out is non-nil.
func (f *apiFixture) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
			"failed to decode %s %s response: %s", method, path, rec.Body.String())
	}
	return rec
}

func (f *apiFixture) captureTask(t *testing.T, text string, mode models.CaptureMode) *CaptureResponse {
	t.Helper()
	var resp CaptureResponse
	rec := f.do(t, http.MethodPost, "/capture", CaptureUtteranceRequest{
		UserID: testUser,
		Text:   text,
		Mode:   mode,
	}, &resp)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return &resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestCaptureEndpoint_CreatesPlan(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.captureTask(t, "reply to alice", models.CaptureModeAuto)

	require.NotNil(t, resp.Task)
	assert.NotEmpty(t, resp.Task.TaskID)
	assert.True(t, resp.Persisted)
	require.NotEmpty(t, resp.MicroSteps)

	assert.Equal(t, len(resp.MicroSteps), resp.Breakdown.TotalSteps)
	minutes := 0
	human := 0
	for _, step := range resp.MicroSteps {
		minutes += step.EstimatedMinutes
		if step.LeafType == models.LeafHuman {
			human++
		}
	}
	assert.Equal(t, minutes, resp.Breakdown.TotalMinutes)
	assert.Equal(t, human, resp.Breakdown.HumanCount)
	assert.GreaterOrEqual(t, resp.ProcessingMS, int64(0))
}

func TestCaptureEndpoint_BindingErrors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing user_id", body: map[string]string{"text": "do the thing"}},
		{name: "missing text", body: map[string]string{"user_id": testUser}},
		{name: "body is a bare string", body: "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/capture", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION", decodeError(t, rec).Code)
		})
	}
}

func TestCaptureEndpoint_BlankTextRejectedByPipeline(t *testing.T) {
	f := newAPIFixture(t)

	// Whitespace passes binding; the pipeline trims and rejects it.
	rec := f.do(t, http.MethodPost, "/capture", CaptureUtteranceRequest{
		UserID: testUser,
		Text:   "   ",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeError(t, rec)
	assert.Equal(t, "VALIDATION", body.Code)
	assert.False(t, body.Retryable)
	assert.Contains(t, body.Message, "text")
}

func TestStepLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	plan := f.captureTask(t, "reply to alice", models.CaptureModeAuto)
	stepID := plan.MicroSteps[0].StepID

	var started StartStepResponse
	rec := f.do(t, http.MethodPost, "/steps/"+stepID+"/start", nil, &started)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StepStatusInProgress, started.Step.Status)
	require.Len(t, started.EmittedEvents, 1)
	assert.Equal(t, events.EventTypeStepStarted, started.EmittedEvents[0].EventType)

	var completed CompleteStepResponse
	rec = f.do(t, http.MethodPost, "/steps/"+stepID+"/complete",
		CompleteStepRequest{ActualMinutes: ptr(2)}, &completed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StepStatusCompleted, completed.Step.Status)
	assert.Positive(t, completed.XPAwarded)
	assert.Equal(t, 1, completed.Streak)
	assert.True(t, completed.StreakChanged)
	require.NotNil(t, completed.Step.ActualMinutes)
	assert.Equal(t, 2, *completed.Step.ActualMinutes)

	var progress models.TaskProgress
	rec = f.do(t, http.MethodGet, "/tasks/"+plan.Task.TaskID+"/progress", nil, &progress)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, plan.Breakdown.TotalSteps, progress.Total)
	assert.Equal(t, 1, progress.Completed)
}

func TestCompleteEndpoint_EmptyBodyDerivesMinutes(t *testing.T) {
	f := newAPIFixture(t)
	plan := f.captureTask(t, "reply to alice", models.CaptureModeAuto)
	stepID := plan.MicroSteps[0].StepID

	rec := f.do(t, http.MethodPost, "/steps/"+stepID+"/start", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var completed CompleteStepResponse
	rec = f.do(t, http.MethodPost, "/steps/"+stepID+"/complete", nil, &completed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StepStatusCompleted, completed.Step.Status)
	require.NotNil(t, completed.Step.ActualMinutes)
}

func TestStepEndpoints_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	plan := f.captureTask(t, "reply to alice", models.CaptureModeAuto)
	stepID := plan.MicroSteps[0].StepID

	t.Run("unknown step is 404", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/steps/no-such-step/start", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
	})

	t.Run("double start is 409", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/steps/"+stepID+"/start", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodPost, "/steps/"+stepID+"/start", nil, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)

		body := decodeError(t, rec)
		assert.Equal(t, "CONFLICT_STATE", body.Code)
		assert.False(t, body.Retryable)
	})

	t.Run("negative actual_minutes is 400", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/steps/"+stepID+"/complete",
			map[string]int{"actual_minutes": -1}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION", decodeError(t, rec).Code)
	})
}

func TestCancelEndpoint_DefaultsToUserReason(t *testing.T) {
	f := newAPIFixture(t)
	plan := f.captureTask(t, "reply to alice", models.CaptureModeAuto)
	stepID := plan.MicroSteps[0].StepID

	var cancelled CancelStepResponse
	rec := f.do(t, http.MethodPost, "/steps/"+stepID+"/cancel", nil, &cancelled)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StepStatusCancelled, cancelled.Step.Status)

	var feed []models.Event
	rec = f.do(t, http.MethodGet, "/events?user_id="+testUser, nil, &feed)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload events.StepCancelledPayload
	for _, ev := range feed {
		if ev.EventType == events.EventTypeStepCancelled {
			require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		}
	}
	assert.Equal(t, events.CancelReasonUser, payload.Reason)
}

func TestResolveEndpoint_ClarificationLoop(t *testing.T) {
	f := newAPIFixture(t)

	plan := f.captureTask(t, "send email about refund", models.CaptureModeClarify)
	assert.False(t, plan.Persisted)
	require.NotEmpty(t, plan.Clarifications)
	require.Equal(t, "recipient", plan.Clarifications[0].Field)
	stepID := plan.Clarifications[0].StepID

	var resolved ResolveStepResponse
	rec := f.do(t, http.MethodPost, "/steps/"+stepID+"/resolve",
		ResolveStepRequest{Field: "recipient", Answer: "bob@x.com"}, &resolved)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.True(t, resolved.TaskPersisted)
	assert.Equal(t, models.StepStatusTodo, resolved.Step.Status)
	assert.Equal(t, models.LeafDigital, resolved.Step.LeafType)
	require.NotNil(t, resolved.Step.AutomationPlan)
	assert.Equal(t, "email.send", resolved.Step.AutomationPlan.HandlerKey)

	t.Run("unknown field is 400", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/steps/"+stepID+"/resolve",
			ResolveStepRequest{Field: "cc", Answer: "eve@x.com"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing answer is 400", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/steps/"+stepID+"/resolve",
			map[string]string{"field": "recipient"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION", decodeError(t, rec).Code)
	})
}

func TestTaskEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	plan := f.captureTask(t, "reply to alice", models.CaptureModeAuto)
	taskID := plan.Task.TaskID

	var detail TaskDetailResponse
	rec := f.do(t, http.MethodGet, "/tasks/"+taskID, nil, &detail)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, taskID, detail.Task.TaskID)
	assert.Len(t, detail.MicroSteps, plan.Breakdown.TotalSteps)

	rec = f.do(t, http.MethodGet, "/tasks/no-such-task", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/tasks/"+taskID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/tasks/"+taskID, nil, &detail)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.TaskStatusCancelled, detail.Task.Status)
	for _, step := range detail.MicroSteps {
		assert.Equal(t, models.StepStatusCancelled, step.Status)
	}

	// Archiving an archived task is a no-op, not an error.
	rec = f.do(t, http.MethodDelete, "/tasks/"+taskID, nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEventsEndpoint_ReplayOrdering(t *testing.T) {
	f := newAPIFixture(t)
	f.captureTask(t, "reply to alice", models.CaptureModeAuto)
	f.captureTask(t, "organize downloads folder", models.CaptureModeAuto)

	var feed []models.Event
	rec := f.do(t, http.MethodGet, "/events?user_id="+testUser, nil, &feed)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, feed)

	for i := 1; i < len(feed); i++ {
		assert.Greater(t, feed[i].EventID, feed[i-1].EventID, "feed must be ordered by event_id")
	}

	// Replaying from the last seen id yields nothing new.
	last := strconv.FormatInt(feed[len(feed)-1].EventID, 10)
	var tail []models.Event
	rec = f.do(t, http.MethodGet, "/events?user_id="+testUser+"&since="+last, nil, &tail)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, tail)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestEventsEndpoint_Validation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name  string
		query string
	}{
		{name: "missing user_id", query: ""},
		{name: "bad since", query: "user_id=u&since=abc"},
		{name: "negative since", query: "user_id=u&since=-5"},
		{name: "zero limit", query: "user_id=u&limit=0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/events?"+tt.query, nil, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION", decodeError(t, rec).Code)
		})
	}
}

func TestUserStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	// A user with no completions reads as zero counters, not 404.
	var stats models.UserStats
	rec := f.do(t, http.MethodGet, "/users/"+testUser+"/stats", nil, &stats)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testUser, stats.UserID)
	assert.Zero(t, stats.XPTotal)
	assert.Zero(t, stats.Streak)

	plan := f.captureTask(t, "reply to alice", models.CaptureModeAuto)
	stepID := plan.MicroSteps[0].StepID
	rec = f.do(t, http.MethodPost, "/steps/"+stepID+"/start", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var completed CompleteStepResponse
	rec = f.do(t, http.MethodPost, "/steps/"+stepID+"/complete",
		CompleteStepRequest{ActualMinutes: ptr(2)}, &completed)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/users/"+testUser+"/stats", nil, &stats)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, completed.XPAwarded, stats.XPTotal)
	assert.Equal(t, 1, stats.Streak)
	assert.NotEmpty(t, stats.LastCompletedDay)
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	var health HealthResponse
	rec := f.do(t, http.MethodGet, "/health", nil, &health)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Version)
	require.NotNil(t, health.Database)
	assert.Equal(t, "healthy", health.Database.Status)
	assert.Equal(t, 0, health.DispatchPool.Queued)
}

func TestRequestIDPropagation(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "ids are generated when absent")
}

func ptr(v int) *int { return &v }
