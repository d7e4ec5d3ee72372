package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// TestCaptureToCompletion walks the whole happy path over the wire: one
// utterance becomes a plan, every step is worked off, and the XP, streak,
// progress and event-feed consequences line up.
func TestCaptureToCompletion(t *testing.T) {
	app := NewTestApp(t)
	userID := "user-flow"

	// "plan ..." hits the planning template: four human steps.
	resp := app.CaptureText(t, userID, "plan the team offsite")

	task, ok := resp["task"].(map[string]interface{})
	require.True(t, ok)
	taskID := taskIDOf(t, resp)
	assert.Equal(t, "TODO", task["status"])
	assert.Equal(t, "MULTI", task["scope"])
	assert.Equal(t, "MEDIUM", task["priority"])
	assert.Equal(t, true, resp["persisted"])
	assert.Nil(t, resp["clarifications"])

	steps := planSteps(t, resp)
	require.Len(t, steps, 4)
	for i, step := range steps {
		assert.Equal(t, i+1, toInt(step["step_number"]))
		assert.Equal(t, "HUMAN", step["leaf_type"])
		assert.Equal(t, "TODO", step["status"])
		minutes := toInt(step["estimated_minutes"])
		assert.GreaterOrEqual(t, minutes, models.HumanMinMinutes)
		assert.LessOrEqual(t, minutes, models.HumanMaxMinutes)
	}

	breakdown, ok := resp["breakdown"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 4, toInt(breakdown["total_steps"]))
	assert.Equal(t, 4, toInt(breakdown["human_count"]))
	assert.Equal(t, 0, toInt(breakdown["digital_count"]))
	assert.Equal(t, 12, toInt(breakdown["total_minutes"]))

	// Work the first step explicitly: start, then complete on estimate.
	started := app.StartStep(t, stepIDOf(t, steps[0]))
	startedStep, ok := started["step"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "IN_PROGRESS", startedStep["status"])
	emitted, ok := started["emitted_events"].([]interface{})
	require.True(t, ok)
	require.Len(t, emitted, 1)

	completed := app.CompleteStep(t, stepIDOf(t, steps[0]),
		map[string]interface{}{"actual_minutes": 2})
	assert.Equal(t, 17, toInt(completed["xp_awarded"]), "base 10 + estimate 2 + on-time bonus 5")
	assert.Equal(t, true, completed["bonus"])
	assert.Equal(t, 1, toInt(completed["streak"]))
	assert.Equal(t, true, completed["streak_changed"])
	assert.Equal(t, false, completed["task_completed"])

	// The rest complete straight from TODO; actual minutes derive from the
	// estimate, so each lands the on-time bonus and the streak stays put.
	for _, step := range steps[1:3] {
		res := app.CompleteStep(t, stepIDOf(t, step), nil)
		assert.Equal(t, true, res["bonus"])
		assert.Equal(t, false, res["streak_changed"])
		assert.Equal(t, false, res["task_completed"])
	}
	last := app.CompleteStep(t, stepIDOf(t, steps[3]), nil)
	assert.Equal(t, true, last["task_completed"], "last open step promotes the task")

	// Plan estimates were 2+5+2+3: XP is (10+e+5) per step.
	stats := app.GetStats(t, userID)
	assert.Equal(t, 72, toInt(stats["xp_total"]))
	assert.Equal(t, 1, toInt(stats["streak"]))
	assert.NotEmpty(t, stats["last_completed_day"])

	progress := app.GetProgress(t, taskID)
	assert.Equal(t, 4, toInt(progress["total"]))
	assert.Equal(t, 4, toInt(progress["completed"]))
	assert.Equal(t, 0, toInt(progress["in_progress"]))
	assert.InDelta(t, 100.0, progress["percent"], 0.01)
	assert.Equal(t, 12, toInt(progress["minutes_est"]))
	assert.Equal(t, 12, toInt(progress["minutes_actual"]))

	detail := app.GetTask(t, taskID)
	finalTask, ok := detail["task"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "COMPLETED", finalTask["status"])
	assert.NotEmpty(t, finalTask["completed_at"])

	// The feed replays the journey in commit order. Only the first
	// completion of the day moves the streak.
	feed := app.GetEvents(t, userID, 0)
	assert.Equal(t, []string{
		events.EventTypeTaskCaptured,
		events.EventTypeStepStarted,
		events.EventTypeStepCompleted,
		events.EventTypeXPAwarded,
		events.EventTypeStreakUpdated,
		events.EventTypeStepCompleted,
		events.EventTypeXPAwarded,
		events.EventTypeStepCompleted,
		events.EventTypeXPAwarded,
		events.EventTypeStepCompleted,
		events.EventTypeXPAwarded,
	}, eventTypes(feed))
}

// TestCaptureIdempotency replays a capture with the same idempotency key
// and expects the original plan back instead of a duplicate.
func TestCaptureIdempotency(t *testing.T) {
	app := NewTestApp(t)
	userID := "user-idem"

	body := map[string]interface{}{
		"user_id":         userID,
		"text":            "write the quarterly report",
		"idempotency_key": "capture-q3-report",
	}

	first := app.Capture(t, body)
	second := app.Capture(t, body)

	assert.Equal(t, taskIDOf(t, first), taskIDOf(t, second))
	firstSteps := planSteps(t, first)
	secondSteps := planSteps(t, second)
	require.Equal(t, len(firstSteps), len(secondSteps))
	for i := range firstSteps {
		assert.Equal(t, stepIDOf(t, firstSteps[i]), stepIDOf(t, secondSteps[i]))
	}

	// One capture event, not two.
	feed := app.GetEvents(t, userID, 0)
	captured := 0
	for _, typ := range eventTypes(feed) {
		if typ == events.EventTypeTaskCaptured {
			captured++
		}
	}
	assert.Equal(t, 1, captured)

	// A different key is a different task.
	body["idempotency_key"] = "capture-q4-report"
	third := app.Capture(t, body)
	assert.NotEqual(t, taskIDOf(t, first), taskIDOf(t, third))
}

// TestArchiveCascade archives a task mid-flight and expects open steps
// cancelled, completed work untouched, and terminal steps rejected after.
func TestArchiveCascade(t *testing.T) {
	app := NewTestApp(t)
	userID := "user-archive"

	resp := app.CaptureText(t, userID, "organize the garage shelves")
	taskID := taskIDOf(t, resp)
	steps := planSteps(t, resp)
	require.Len(t, steps, 4)

	app.StartStep(t, stepIDOf(t, steps[0]))
	app.CompleteStep(t, stepIDOf(t, steps[1]), nil)

	app.ArchiveTask(t, taskID)

	detail := app.GetTask(t, taskID)
	task, ok := detail["task"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "CANCELLED", task["status"])

	byStatus := map[string]int{}
	for _, step := range planSteps(t, detail) {
		byStatus[step["status"].(string)]++
	}
	assert.Equal(t, 3, byStatus["CANCELLED"], "in-progress and todo steps cancel")
	assert.Equal(t, 1, byStatus["COMPLETED"], "completed work survives the archive")

	feed := app.GetEvents(t, userID, 0)
	types := eventTypes(feed)
	assert.Contains(t, types, events.EventTypeTaskArchived)
	cancelled := 0
	for _, typ := range types {
		if typ == events.EventTypeStepCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 3, cancelled)

	// Terminal steps reject transitions.
	errBody := app.postJSON(t, "/steps/"+stepIDOf(t, steps[2])+"/complete", nil, http.StatusConflict)
	assert.Equal(t, "CONFLICT_STATE", errBody["code"])

	// Archiving again is a no-op, not an error.
	app.ArchiveTask(t, taskID)
}
