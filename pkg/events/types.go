// Package events provides the in-process event bus and the typed payloads
// stored in the events table.
//
// ════════════════════════════════════════════════════════════════
// Delivery contract
// ════════════════════════════════════════════════════════════════
//
// Every event is PERSISTED FIRST, inside the same store transaction as the
// state change it describes. The bus never sees an event that is not already
// committed: it tails the events table in event_id order, so subscribers
// observe events in commit order. Because write transactions are serialized
// by the database, event_id order and commit order are the same thing, and
// per-(user, task) ordering follows from the global order.
//
// Delivery to in-process subscribers is at-least-once. A subscriber whose
// buffer overflows is marked lagged and must catch up with a replay query
// using the last event_id it handled; the bus logs the overflow and keeps
// going rather than stalling other subscribers.
//
// Producers do not talk to the bus directly. Services append event rows in
// their own transactions and then Poke() the bus after commit; the ticker
// fallback picks up anything a missed poke would have left behind.
// ════════════════════════════════════════════════════════════════
package events

// Event types stored in the event_type column.
const (
	// Capture lifecycle
	EventTypeTaskCaptured = "task.captured"
	EventTypeTaskArchived = "task.archived"

	// Step lifecycle
	EventTypeStepStarted   = "step.started"
	EventTypeStepCompleted = "step.completed"
	EventTypeStepCancelled = "step.cancelled"

	// Clarification lifecycle
	EventTypeClarificationRaised   = "clarification.raised"
	EventTypeClarificationResolved = "clarification.resolved"

	// Gamification
	EventTypeXPAwarded     = "xp.awarded"
	EventTypeStreakUpdated = "streak.updated"
)

// Step cancellation reasons recorded in StepCancelledPayload.Reason.
const (
	CancelReasonUser          = "user_cancelled"
	CancelReasonTaskArchived  = "task_archived"
	CancelReasonHandlerFailed = "handler_failed"
)
