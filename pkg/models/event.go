package models

import (
	"encoding/json"
	"time"
)

// Event is an immutable append-only domain event. EventID is assigned by
// the store and is monotonic, so it doubles as the replay offset.
type Event struct {
	EventID    int64           `json:"event_id"`
	EventType  string          `json:"event_type"`
	UserID     string          `json:"user_id"`
	TaskID     *string         `json:"task_id,omitempty"`
	StepID     *string         `json:"step_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}
