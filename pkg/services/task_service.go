package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stepflow-ai/stepflow/pkg/database"
	"github.com/stepflow-ai/stepflow/pkg/events"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// TaskService manages task persistence: capture upserts, archival, and
// progress reads. Step lifecycle transitions live in StepService.
type TaskService struct {
	client *database.Client
	events *EventService
	now    func() time.Time
}

// NewTaskService creates a new TaskService.
func NewTaskService(client *database.Client, events *EventService) *TaskService {
	return &TaskService{client: client, events: events, now: time.Now}
}

type taskRow struct {
	TaskID         string            `db:"task_id"`
	UserID         string            `db:"user_id"`
	Title          string            `db:"title"`
	Description    string            `db:"description"`
	Status         models.TaskStatus `db:"status"`
	Priority       models.Priority   `db:"priority"`
	Scope          models.Scope      `db:"scope"`
	EstimatedHours float64           `db:"estimated_hours"`
	ParentTaskID   sql.NullString    `db:"parent_task_id"`
	IdempotencyKey sql.NullString    `db:"idempotency_key"`
	Tags           string            `db:"tags"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
	CompletedAt    sql.NullTime      `db:"completed_at"`
}

func (r *taskRow) toModel() (*models.Task, error) {
	tags, err := tagsFromJSON(r.Tags)
	if err != nil {
		return nil, err
	}
	return &models.Task{
		TaskID:         r.TaskID,
		UserID:         r.UserID,
		Title:          r.Title,
		Description:    r.Description,
		Status:         r.Status,
		Priority:       r.Priority,
		Scope:          r.Scope,
		EstimatedHours: r.EstimatedHours,
		ParentTaskID:   ptrFromNull(r.ParentTaskID),
		IdempotencyKey: r.IdempotencyKey.String,
		Tags:           tags,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    timePtr(r.CompletedAt),
	}, nil
}

const taskColumns = `task_id, user_id, title, description, status, priority, scope,
	estimated_hours, parent_task_id, idempotency_key, tags, created_at, updated_at, completed_at`

// fetchTask loads one task inside q (a *sqlx.DB or *sqlx.Tx).
func fetchTask(ctx context.Context, q sqlx.QueryerContext, taskID string) (*models.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return row.toModel()
}

func findTaskByIdempotencyKey(ctx context.Context, q sqlx.QueryerContext, userID, key string) (*models.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND idempotency_key = ?`,
		userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return row.toModel()
}

func insertTask(ctx context.Context, tx *sqlx.Tx, t *models.Task) error {
	tags, err := tagsToJSON(t.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.UserID, t.Title, t.Description, t.Status, t.Priority, t.Scope,
		t.EstimatedHours, nullStringPtr(t.ParentTaskID), nullString(t.IdempotencyKey),
		tags, t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", mapWriteError(err, "task"))
	}
	return nil
}

// GetTask returns one task by ID.
func (s *TaskService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	if taskID == "" {
		return nil, NewValidationError("task_id", "required")
	}
	return fetchTask(ctx, s.client.DB(), taskID)
}

// GetTaskWithSteps returns one task together with its steps in step_number
// order.
func (s *TaskService) GetTaskWithSteps(ctx context.Context, taskID string) (*models.Task, []models.MicroStep, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := fetchSteps(ctx, s.client.DB(), taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, steps, nil
}

// UpsertTaskWithSteps persists a task, its steps, and the supplied events in
// one transaction. When the task carries an idempotency key that already
// exists for the user, the stored task and steps are returned with
// reused=true and nothing is written: no duplicate rows, no duplicate
// events. On a fresh insert the events are appended in order and their
// EventIDs filled in; callers must skip dispatch when reused is true.
func (s *TaskService) UpsertTaskWithSteps(ctx context.Context, task *models.Task, steps []models.MicroStep, evs []models.Event) (*models.Task, []models.MicroStep, bool, error) {
	if task == nil {
		return nil, nil, false, NewValidationError("task", "required")
	}
	if err := task.Validate(); err != nil {
		return nil, nil, false, NewValidationError("task", err.Error())
	}
	if err := validateStepSet(task, steps); err != nil {
		return nil, nil, false, err
	}

	var (
		persisted      *models.Task
		persistedSteps []models.MicroStep
		reused         bool
	)
	err := s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		persisted, persistedSteps, reused = nil, nil, false

		if task.IdempotencyKey != "" {
			existing, err := findTaskByIdempotencyKey(ctx, tx, task.UserID, task.IdempotencyKey)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil {
				existingSteps, err := fetchSteps(ctx, tx, existing.TaskID)
				if err != nil {
					return err
				}
				persisted, persistedSteps, reused = existing, existingSteps, true
				return nil
			}
		}

		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
		for i := range steps {
			if err := insertStep(ctx, tx, &steps[i]); err != nil {
				return err
			}
		}
		for i := range evs {
			if err := s.events.AppendTx(tx, &evs[i]); err != nil {
				return err
			}
		}
		persisted, persistedSteps = task, steps
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return persisted, persistedSteps, reused, nil
}

// validateStepSet checks linkage and numbering for a capture's step set:
// every step belongs to the task, validates on its own, and step numbers
// are contiguous from 1.
func validateStepSet(task *models.Task, steps []models.MicroStep) error {
	seen := make(map[int]bool, len(steps))
	for i := range steps {
		st := &steps[i]
		if st.ParentTaskID != task.TaskID {
			return NewValidationError(fmt.Sprintf("steps[%d].parent_task_id", i), "must match task_id")
		}
		if err := st.Validate(); err != nil {
			return NewValidationError(fmt.Sprintf("steps[%d]", i), err.Error())
		}
		if seen[st.StepNumber] {
			return NewValidationError(fmt.Sprintf("steps[%d].step_number", i), "duplicate step number")
		}
		seen[st.StepNumber] = true
	}
	for n := 1; n <= len(steps); n++ {
		if !seen[n] {
			return NewValidationError("steps", "step numbers must be contiguous from 1")
		}
	}
	return nil
}

// ArchiveTask soft-archives a task: open steps are cancelled with reason
// task_archived, the task moves to CANCELLED (completed tasks keep their
// status), and the cascade is recorded in the event log, all in one
// transaction. Archiving an already archived task is a no-op. Returns the
// appended events for post-commit dispatch.
func (s *TaskService) ArchiveTask(ctx context.Context, taskID string) ([]models.Event, error) {
	if taskID == "" {
		return nil, NewValidationError("task_id", "required")
	}

	var appended []models.Event
	err := s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		appended = nil

		task, err := fetchTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == models.TaskStatusCancelled {
			return nil
		}

		steps, err := fetchSteps(ctx, tx, taskID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		cancelled := 0
		for i := range steps {
			st := &steps[i]
			if st.Status.IsTerminal() {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE micro_steps SET status = ?, updated_at = ? WHERE step_id = ?`,
				models.StepStatusCancelled, now, st.StepID); err != nil {
				return fmt.Errorf("failed to cancel step %s: %w", st.StepID, err)
			}
			ev, err := events.New(events.EventTypeStepCancelled, task.UserID, &task.TaskID, &st.StepID,
				events.StepCancelledPayload{
					Type:      events.EventTypeStepCancelled,
					StepID:    st.StepID,
					TaskID:    task.TaskID,
					Reason:    events.CancelReasonTaskArchived,
					Timestamp: events.Stamp(now),
				}, now)
			if err != nil {
				return err
			}
			if err := s.events.AppendTx(tx, &ev); err != nil {
				return err
			}
			appended = append(appended, ev)
			cancelled++
		}

		if task.Status != models.TaskStatusCompleted {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
				models.TaskStatusCancelled, now, taskID); err != nil {
				return fmt.Errorf("failed to archive task: %w", err)
			}
		}

		ev, err := events.New(events.EventTypeTaskArchived, task.UserID, &task.TaskID, nil,
			events.TaskArchivedPayload{
				Type:           events.EventTypeTaskArchived,
				TaskID:         task.TaskID,
				CancelledSteps: cancelled,
				Timestamp:      events.Stamp(now),
			}, now)
		if err != nil {
			return err
		}
		if err := s.events.AppendTx(tx, &ev); err != nil {
			return err
		}
		appended = append(appended, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// GetProgress aggregates step completion for a task.
func (s *TaskService) GetProgress(ctx context.Context, taskID string) (*models.TaskProgress, error) {
	if taskID == "" {
		return nil, NewValidationError("task_id", "required")
	}
	if _, err := fetchTask(ctx, s.client.DB(), taskID); err != nil {
		return nil, err
	}

	var row struct {
		Total         int `db:"total"`
		Completed     int `db:"completed"`
		InProgress    int `db:"in_progress"`
		Cancelled     int `db:"cancelled"`
		MinutesEst    int `db:"minutes_est"`
		MinutesActual int `db:"minutes_actual"`
	}
	err := s.client.DB().GetContext(ctx, &row,
		`SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(CASE WHEN status = 'IN_PROGRESS' THEN 1 ELSE 0 END), 0) AS in_progress,
			COALESCE(SUM(CASE WHEN status = 'CANCELLED' THEN 1 ELSE 0 END), 0) AS cancelled,
			COALESCE(SUM(estimated_minutes), 0) AS minutes_est,
			COALESCE(SUM(COALESCE(actual_minutes, 0)), 0) AS minutes_actual
		 FROM micro_steps WHERE parent_task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate progress: %w", err)
	}

	// Percent counts completed steps against the steps still in play:
	// cancelled steps neither help nor hurt.
	denom := row.Total - row.Cancelled
	percent := 0.0
	if denom > 0 {
		percent = float64(row.Completed) / float64(denom) * 100
	}
	return &models.TaskProgress{
		Total:         row.Total,
		Completed:     row.Completed,
		InProgress:    row.InProgress,
		Percent:       percent,
		MinutesEst:    row.MinutesEst,
		MinutesActual: row.MinutesActual,
	}, nil
}
