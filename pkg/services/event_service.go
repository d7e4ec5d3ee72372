package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stepflow-ai/stepflow/pkg/database"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// defaultEventLimit bounds ListSince when the caller passes limit <= 0.
const defaultEventLimit = 100

// maxEventLimit is the hard cap on any single event query.
const maxEventLimit = 1000

// EventService reads and appends the event log. Appends normally happen
// inside another service's transaction via AppendTx so the event commits
// with the state change it describes.
type EventService struct {
	client *database.Client
}

// NewEventService creates a new EventService.
func NewEventService(client *database.Client) *EventService {
	return &EventService{client: client}
}

type eventRow struct {
	EventID    int64          `db:"event_id"`
	EventType  string         `db:"event_type"`
	UserID     string         `db:"user_id"`
	TaskID     sql.NullString `db:"task_id"`
	StepID     sql.NullString `db:"step_id"`
	Payload    string         `db:"payload"`
	OccurredAt time.Time      `db:"occurred_at"`
}

func (r *eventRow) toModel() models.Event {
	return models.Event{
		EventID:    r.EventID,
		EventType:  r.EventType,
		UserID:     r.UserID,
		TaskID:     ptrFromNull(r.TaskID),
		StepID:     ptrFromNull(r.StepID),
		Payload:    json.RawMessage(r.Payload),
		OccurredAt: r.OccurredAt,
	}
}

// AppendTx inserts an event inside an existing transaction and fills in the
// assigned event_id. The event becomes visible to the bus at commit.
func (s *EventService) AppendTx(tx *sqlx.Tx, e *models.Event) error {
	if e.EventType == "" {
		return NewValidationError("event_type", "required")
	}
	if e.UserID == "" {
		return NewValidationError("user_id", "required")
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	res, err := tx.Exec(
		`INSERT INTO events (event_type, user_id, task_id, step_id, payload, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.EventType, e.UserID, nullStringPtr(e.TaskID), nullStringPtr(e.StepID),
		payload, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", mapWriteError(err, "event"))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	e.EventID = id
	return nil
}

// Append inserts a single event in its own transaction. Prefer AppendTx when
// the event describes a state change made elsewhere.
func (s *EventService) Append(ctx context.Context, e *models.Event) error {
	return s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		return s.AppendTx(tx, e)
	})
}

// ListSince returns events for one user with event_id > sinceID, oldest
// first. Used by the replay endpoint and by lagged subscribers.
func (s *EventService) ListSince(ctx context.Context, userID string, sinceID int64, limit int) ([]models.Event, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	limit = clampEventLimit(limit)

	var rows []eventRow
	err := s.client.DB().SelectContext(ctx, &rows,
		`SELECT event_id, event_type, user_id, task_id, step_id, payload, occurred_at
		 FROM events
		 WHERE user_id = ? AND event_id > ?
		 ORDER BY event_id ASC
		 LIMIT ?`,
		userID, sinceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return eventRowsToModels(rows), nil
}

// ListAfter returns events across all users with event_id > afterID, oldest
// first. The bus dispatch loop tails the log through this query.
func (s *EventService) ListAfter(ctx context.Context, afterID int64, limit int) ([]models.Event, error) {
	limit = clampEventLimit(limit)

	var rows []eventRow
	err := s.client.DB().SelectContext(ctx, &rows,
		`SELECT event_id, event_type, user_id, task_id, step_id, payload, occurred_at
		 FROM events
		 WHERE event_id > ?
		 ORDER BY event_id ASC
		 LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return eventRowsToModels(rows), nil
}

// LatestID returns the highest event_id in the log, or 0 when empty.
func (s *EventService) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := s.client.DB().GetContext(ctx, &id,
		`SELECT COALESCE(MAX(event_id), 0) FROM events`)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest event id: %w", err)
	}
	return id, nil
}

func clampEventLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}

func eventRowsToModels(rows []eventRow) []models.Event {
	out := make([]models.Event, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out
}
