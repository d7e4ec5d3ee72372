package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// Capture posts one utterance body and returns the parsed plan.
func (app *TestApp) Capture(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/capture", body, http.StatusCreated)
}

// CaptureText posts an AUTO-mode utterance for the user.
func (app *TestApp) CaptureText(t *testing.T, userID, text string) map[string]interface{} {
	t.Helper()
	return app.Capture(t, map[string]interface{}{"user_id": userID, "text": text})
}

// StartStep posts /steps/:id/start and returns the parsed response.
func (app *TestApp) StartStep(t *testing.T, stepID string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/steps/"+stepID+"/start", nil, http.StatusOK)
}

// CompleteStep posts /steps/:id/complete. A nil body completes with the
// derived actual minutes.
func (app *TestApp) CompleteStep(t *testing.T, stepID string, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/steps/"+stepID+"/complete", body, http.StatusOK)
}

// CancelStep posts /steps/:id/cancel with an optional reason.
func (app *TestApp) CancelStep(t *testing.T, stepID, reason string) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if reason != "" {
		body = map[string]interface{}{"reason": reason}
	}
	return app.postJSON(t, "/steps/"+stepID+"/cancel", body, http.StatusOK)
}

// ResolveStep answers one clarification need on a step.
func (app *TestApp) ResolveStep(t *testing.T, stepID, field, answer string) map[string]interface{} {
	t.Helper()
	return app.postJSON(t, "/steps/"+stepID+"/resolve",
		map[string]interface{}{"field": field, "answer": answer}, http.StatusOK)
}

// GetTask retrieves a task with its plan.
func (app *TestApp) GetTask(t *testing.T, taskID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/tasks/"+taskID, http.StatusOK)
}

// GetProgress retrieves a task's step completion summary.
func (app *TestApp) GetProgress(t *testing.T, taskID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/tasks/"+taskID+"/progress", http.StatusOK)
}

// ArchiveTask deletes a task, expecting the 204 cascade.
func (app *TestApp) ArchiveTask(t *testing.T, taskID string) {
	t.Helper()
	app.doJSON(t, http.MethodDelete, "/tasks/"+taskID, nil, nil, http.StatusNoContent)
}

// GetStats retrieves the user's gamification counters.
func (app *TestApp) GetStats(t *testing.T, userID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/users/"+userID+"/stats", http.StatusOK)
}

// GetEvents retrieves the user's event feed after the given id.
func (app *TestApp) GetEvents(t *testing.T, userID string, since int64) []interface{} {
	t.Helper()
	return app.getJSONArray(t, fmt.Sprintf("/events?user_id=%s&since=%d", userID, since), http.StatusOK)
}

// GetHealth calls GET /health.
func (app *TestApp) GetHealth(t *testing.T) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, "/health", http.StatusOK)
}

// doJSON issues one request against the app and decodes the response body
// into out. A nil out skips decoding (204 responses).
func (app *TestApp) doJSON(t *testing.T, method, path string, body, out interface{}, expectedStatus int) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "%s %s: unexpected status", method, path)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func (app *TestApp) postJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	app.doJSON(t, http.MethodPost, path, body, &result, expectedStatus)
	return result
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	app.doJSON(t, http.MethodGet, path, nil, &result, expectedStatus)
	return result
}

func (app *TestApp) getJSONArray(t *testing.T, path string, expectedStatus int) []interface{} {
	t.Helper()
	var result []interface{}
	app.doJSON(t, http.MethodGet, path, nil, &result, expectedStatus)
	return result
}

// ────────────────────────────────────────────────────────────
// Response Projection
// ────────────────────────────────────────────────────────────

// planSteps pulls the micro_steps array out of a capture or task response.
func planSteps(t *testing.T, resp map[string]interface{}) []map[string]interface{} {
	t.Helper()
	raw, ok := resp["micro_steps"].([]interface{})
	require.True(t, ok, "response has no micro_steps array")
	steps := make([]map[string]interface{}, 0, len(raw))
	for _, s := range raw {
		m, ok := s.(map[string]interface{})
		require.True(t, ok, "micro_steps element is not an object")
		steps = append(steps, m)
	}
	return steps
}

// taskIDOf pulls task.task_id out of a capture or task response.
func taskIDOf(t *testing.T, resp map[string]interface{}) string {
	t.Helper()
	task, ok := resp["task"].(map[string]interface{})
	require.True(t, ok, "response has no task object")
	id, ok := task["task_id"].(string)
	require.True(t, ok, "task has no task_id")
	return id
}

// stepIDOf pulls step_id out of one projected step.
func stepIDOf(t *testing.T, step map[string]interface{}) string {
	t.Helper()
	id, ok := step["step_id"].(string)
	require.True(t, ok, "step has no step_id")
	return id
}

// eventTypes projects the event_type column from a feed response, in feed
// order.
func eventTypes(events []interface{}) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		if m, ok := e.(map[string]interface{}); ok {
			if s, ok := m["event_type"].(string); ok {
				types = append(types, s)
			}
		}
	}
	return types
}

// toInt narrows a JSON-decoded number (float64 from encoding/json) to int.
// Returns 0 for nil or non-numeric values.
func toInt(v interface{}) int {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForStepStatus polls the store until the step reaches one of the
// expected statuses and returns the status it settled on.
func (app *TestApp) WaitForStepStatus(t *testing.T, stepID string, expected ...models.StepStatus) models.StepStatus {
	t.Helper()
	var actual models.StepStatus
	require.Eventually(t, func() bool {
		step, err := app.Steps.GetStep(context.Background(), stepID)
		if err != nil {
			return false
		}
		actual = step.Status
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"step %s did not reach status %v", stepID, expected)
	return actual
}

// WaitForTaskStatus polls the store until the task reaches the expected
// status.
func (app *TestApp) WaitForTaskStatus(t *testing.T, taskID string, expected models.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := app.Tasks.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		return task.Status == expected
	}, 30*time.Second, 100*time.Millisecond,
		"task %s did not reach status %s", taskID, expected)
}

// WaitForEvent polls the feed until an event of the given type exists for
// the user and returns the earliest one.
func (app *TestApp) WaitForEvent(t *testing.T, userID, eventType string) models.Event {
	t.Helper()
	var found models.Event
	require.Eventually(t, func() bool {
		evs, err := app.Events.ListSince(context.Background(), userID, 0, 500)
		if err != nil {
			return false
		}
		for _, e := range evs {
			if e.EventType == eventType {
				found = e
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"no %s event for user %s", eventType, userID)
	return found
}
