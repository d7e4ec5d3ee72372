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

// StepService manages micro-step lifecycle transitions. Every transition
// runs in a single transaction together with its side effects: XP and
// streak accounting, parent-task promotion, and the events describing all
// of it.
type StepService struct {
	client *database.Client
	events *EventService
	now    func() time.Time
}

// NewStepService creates a new StepService.
func NewStepService(client *database.Client, events *EventService) *StepService {
	return &StepService{client: client, events: events, now: time.Now}
}

type stepRow struct {
	StepID             string                `db:"step_id"`
	ParentTaskID       string                `db:"parent_task_id"`
	StepNumber         int                   `db:"step_number"`
	Description        string                `db:"description"`
	ShortLabel         string                `db:"short_label"`
	Icon               string                `db:"icon"`
	EstimatedMinutes   int                   `db:"estimated_minutes"`
	DelegationMode     models.DelegationMode `db:"delegation_mode"`
	LeafType           models.LeafType       `db:"leaf_type"`
	Status             models.StepStatus     `db:"status"`
	AutomationPlan     sql.NullString        `db:"automation_plan"`
	ClarificationNeeds string                `db:"clarification_needs"`
	Tags               string                `db:"tags"`
	ParentStepID       sql.NullString        `db:"parent_step_id"`
	Level              int                   `db:"level"`
	IsLeaf             bool                  `db:"is_leaf"`
	ActualMinutes      sql.NullInt64         `db:"actual_minutes"`
	StartedAt          sql.NullTime          `db:"started_at"`
	CreatedAt          time.Time             `db:"created_at"`
	UpdatedAt          time.Time             `db:"updated_at"`
	CompletedAt        sql.NullTime          `db:"completed_at"`
}

func (r *stepRow) toModel() (*models.MicroStep, error) {
	plan, err := planFromJSON(r.AutomationPlan)
	if err != nil {
		return nil, err
	}
	needs, err := needsFromJSON(r.ClarificationNeeds)
	if err != nil {
		return nil, err
	}
	tags, err := tagsFromJSON(r.Tags)
	if err != nil {
		return nil, err
	}
	step := &models.MicroStep{
		StepID:             r.StepID,
		ParentTaskID:       r.ParentTaskID,
		StepNumber:         r.StepNumber,
		Description:        r.Description,
		ShortLabel:         r.ShortLabel,
		Icon:               r.Icon,
		EstimatedMinutes:   r.EstimatedMinutes,
		DelegationMode:     r.DelegationMode,
		LeafType:           r.LeafType,
		Status:             r.Status,
		AutomationPlan:     plan,
		ClarificationNeeds: needs,
		Tags:               tags,
		ParentStepID:       ptrFromNull(r.ParentStepID),
		Level:              r.Level,
		IsLeaf:             r.IsLeaf,
		StartedAt:          timePtr(r.StartedAt),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		CompletedAt:        timePtr(r.CompletedAt),
	}
	if r.ActualMinutes.Valid {
		m := int(r.ActualMinutes.Int64)
		step.ActualMinutes = &m
	}
	return step, nil
}

const stepColumns = `step_id, parent_task_id, step_number, description, short_label, icon,
	estimated_minutes, delegation_mode, leaf_type, status, automation_plan,
	clarification_needs, tags, parent_step_id, level, is_leaf, actual_minutes,
	started_at, created_at, updated_at, completed_at`

func fetchStep(ctx context.Context, q sqlx.QueryerContext, stepID string) (*models.MicroStep, error) {
	var row stepRow
	err := sqlx.GetContext(ctx, q, &row,
		`SELECT `+stepColumns+` FROM micro_steps WHERE step_id = ?`, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step: %w", err)
	}
	return row.toModel()
}

func fetchSteps(ctx context.Context, q sqlx.QueryerContext, taskID string) ([]models.MicroStep, error) {
	var rows []stepRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+stepColumns+` FROM micro_steps
		 WHERE parent_task_id = ?
		 ORDER BY step_number ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	steps := make([]models.MicroStep, 0, len(rows))
	for i := range rows {
		step, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, nil
}

func insertStep(ctx context.Context, tx *sqlx.Tx, st *models.MicroStep) error {
	plan, err := planToJSON(st.AutomationPlan)
	if err != nil {
		return err
	}
	needs, err := needsToJSON(st.ClarificationNeeds)
	if err != nil {
		return err
	}
	tags, err := tagsToJSON(st.Tags)
	if err != nil {
		return err
	}
	var actual sql.NullInt64
	if st.ActualMinutes != nil {
		actual = sql.NullInt64{Int64: int64(*st.ActualMinutes), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO micro_steps (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.StepID, st.ParentTaskID, st.StepNumber, st.Description, st.ShortLabel, st.Icon,
		st.EstimatedMinutes, st.DelegationMode, st.LeafType, st.Status, plan,
		needs, tags, nullStringPtr(st.ParentStepID), st.Level, st.IsLeaf, actual,
		nullTime(st.StartedAt), st.CreatedAt, st.UpdatedAt, nullTime(st.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", mapWriteError(err, "step"))
	}
	return nil
}

// GetStep returns one step by ID.
func (s *StepService) GetStep(ctx context.Context, stepID string) (*models.MicroStep, error) {
	if stepID == "" {
		return nil, NewValidationError("step_id", "required")
	}
	return fetchStep(ctx, s.client.DB(), stepID)
}

// ListMicroSteps returns a task's steps in step_number order. Returns
// ErrNotFound when the task itself does not exist.
func (s *StepService) ListMicroSteps(ctx context.Context, taskID string) ([]models.MicroStep, error) {
	if taskID == "" {
		return nil, NewValidationError("task_id", "required")
	}
	steps, err := fetchSteps(ctx, s.client.DB(), taskID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		if _, err := fetchTask(ctx, s.client.DB(), taskID); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// ListStaleAutomations returns DIGITAL steps still IN_PROGRESS with an
// automation plan and no write since olderThan: dispatches lost to queue
// overflow or a restart. Steps with open clarification needs are skipped,
// those wait on the user rather than on a handler.
func (s *StepService) ListStaleAutomations(ctx context.Context, olderThan time.Time, limit int) ([]models.MicroStep, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []stepRow
	err := sqlx.SelectContext(ctx, s.client.DB(), &rows,
		`SELECT `+stepColumns+` FROM micro_steps
		 WHERE status = ? AND leaf_type = ? AND automation_plan IS NOT NULL
		   AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		models.StepStatusInProgress, models.LeafDigital, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale automations: %w", err)
	}
	steps := make([]models.MicroStep, 0, len(rows))
	for i := range rows {
		step, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		if len(step.OpenNeeds()) > 0 {
			continue
		}
		steps = append(steps, *step)
	}
	return steps, nil
}

// StepPatch is a partial update applied by UpdateStep. Nil fields are left
// unchanged.
type StepPatch struct {
	Status        *models.StepStatus
	Description   *string
	ShortLabel    *string
	Icon          *string
	ActualMinutes *int
	Tags          []string
}

// UpdateStep applies a partial update. Status changes are checked against
// the step state machine and rejected with ErrConflictState when illegal.
// Lifecycle side effects (XP, promotion, events) belong to StartStep,
// CompleteStep and CancelStep; UpdateStep is the low-level mutation used
// for edits that do not change the lifecycle.
func (s *StepService) UpdateStep(ctx context.Context, stepID string, patch StepPatch) (*models.MicroStep, error) {
	if stepID == "" {
		return nil, NewValidationError("step_id", "required")
	}
	if patch.Description != nil &&
		(len(*patch.Description) == 0 || len(*patch.Description) > models.MaxStepDescriptionLen) {
		return nil, NewValidationError("description", fmt.Sprintf("must be 1-%d characters", models.MaxStepDescriptionLen))
	}
	if patch.ActualMinutes != nil && *patch.ActualMinutes < 0 {
		return nil, NewValidationError("actual_minutes", "must be >= 0")
	}

	var updated *models.MicroStep
	err := s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		updated = nil

		step, err := fetchStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if patch.Status != nil && *patch.Status != step.Status {
			if !step.Status.CanTransitionTo(*patch.Status) {
				return fmt.Errorf("%w: %s -> %s", ErrConflictState, step.Status, *patch.Status)
			}
			step.Status = *patch.Status
		}
		if patch.Description != nil {
			step.Description = *patch.Description
		}
		if patch.ShortLabel != nil {
			step.ShortLabel = *patch.ShortLabel
		}
		if patch.Icon != nil {
			step.Icon = *patch.Icon
		}
		if patch.ActualMinutes != nil {
			step.ActualMinutes = patch.ActualMinutes
		}
		if patch.Tags != nil {
			step.Tags = patch.Tags
		}
		step.UpdatedAt = s.now().UTC()

		tags, err := tagsToJSON(step.Tags)
		if err != nil {
			return err
		}
		var actual sql.NullInt64
		if step.ActualMinutes != nil {
			actual = sql.NullInt64{Int64: int64(*step.ActualMinutes), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE micro_steps
			 SET status = ?, description = ?, short_label = ?, icon = ?,
			     actual_minutes = ?, tags = ?, updated_at = ?
			 WHERE step_id = ?`,
			step.Status, step.Description, step.ShortLabel, step.Icon,
			actual, tags, step.UpdatedAt, stepID); err != nil {
			return fmt.Errorf("failed to update step: %w", mapWriteError(err, "step"))
		}
		updated = step
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// StartStep moves a step to IN_PROGRESS, stamps started_at, and pulls the
// owning task to IN_PROGRESS if this is its first started step. Returns the
// updated step and the events appended in the same transaction.
func (s *StepService) StartStep(ctx context.Context, stepID string) (*models.MicroStep, []models.Event, error) {
	if stepID == "" {
		return nil, nil, NewValidationError("step_id", "required")
	}

	var (
		started  *models.MicroStep
		appended []models.Event
	)
	err := s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		started, appended = nil, nil

		step, err := fetchStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if !step.Status.CanTransitionTo(models.StepStatusInProgress) {
			return fmt.Errorf("%w: %s -> %s", ErrConflictState, step.Status, models.StepStatusInProgress)
		}

		task, err := fetchTask(ctx, tx, step.ParentTaskID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE micro_steps SET status = ?, started_at = ?, updated_at = ? WHERE step_id = ?`,
			models.StepStatusInProgress, now, now, stepID); err != nil {
			return fmt.Errorf("failed to start step: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
			models.TaskStatusInProgress, now, step.ParentTaskID, models.TaskStatusTodo); err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}

		ev, err := events.New(events.EventTypeStepStarted, task.UserID,
			&step.ParentTaskID, &step.StepID,
			events.StepStartedPayload{
				Type:      events.EventTypeStepStarted,
				StepID:    step.StepID,
				TaskID:    step.ParentTaskID,
				LeafType:  string(step.LeafType),
				Timestamp: events.Stamp(now),
			}, now)
		if err != nil {
			return err
		}
		if err := s.events.AppendTx(tx, &ev); err != nil {
			return err
		}

		step.Status = models.StepStatusInProgress
		step.StartedAt = &now
		step.UpdatedAt = now
		started, appended = step, []models.Event{ev}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return started, appended, nil
}

// CompletionResult describes everything a completion transaction did.
type CompletionResult struct {
	Step          *models.MicroStep
	XPAwarded     int
	Bonus         bool
	Streak        int
	StreakChanged bool
	TaskCompleted bool
	Events        []models.Event
}

// CompleteStep moves a step to COMPLETED and settles the consequences in
// the same transaction: actual_minutes, XP and streak accounting, parent
// promotion when every sibling is terminal with at least one completed,
// and the step.completed, xp.awarded and streak.updated events.
//
// Completing an already completed step is idempotent: the stored step comes
// back unchanged with zero XP and no events. Completion from CANCELLED or
// PENDING_CLARIFICATION fails with ErrConflictState.
//
// When actualMinutes is nil it is derived from started_at, or falls back to
// the estimate for steps completed straight from TODO.
func (s *StepService) CompleteStep(ctx context.Context, stepID string, actualMinutes *int) (*CompletionResult, error) {
	if stepID == "" {
		return nil, NewValidationError("step_id", "required")
	}
	if actualMinutes != nil && *actualMinutes < 0 {
		return nil, NewValidationError("actual_minutes", "must be >= 0")
	}

	var result *CompletionResult
	err := s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		result = nil

		step, err := fetchStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if step.Status == models.StepStatusCompleted {
			result = &CompletionResult{Step: step}
			return nil
		}
		if !step.Status.CanTransitionTo(models.StepStatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrConflictState, step.Status, models.StepStatusCompleted)
		}

		now := s.now().UTC()
		actual := deriveActualMinutes(step, actualMinutes, now)
		if _, err := tx.ExecContext(ctx,
			`UPDATE micro_steps
			 SET status = ?, actual_minutes = ?, completed_at = ?, updated_at = ?
			 WHERE step_id = ?`,
			models.StepStatusCompleted, actual, now, now, stepID); err != nil {
			return fmt.Errorf("failed to complete step: %w", err)
		}

		task, err := fetchTask(ctx, tx, step.ParentTaskID)
		if err != nil {
			return err
		}

		xp, bonus := models.XPForCompletion(step.EstimatedMinutes, actual)
		stats, streakChanged, err := applyCompletionStats(ctx, tx, task.UserID, xp, now)
		if err != nil {
			return err
		}

		taskCompleted, err := promoteTaskIfDone(ctx, tx, step.ParentTaskID, now)
		if err != nil {
			return err
		}

		var appended []models.Event
		completedEv, err := events.New(events.EventTypeStepCompleted, task.UserID,
			&step.ParentTaskID, &step.StepID,
			events.StepCompletedPayload{
				Type:             events.EventTypeStepCompleted,
				StepID:           step.StepID,
				TaskID:           step.ParentTaskID,
				EstimatedMinutes: step.EstimatedMinutes,
				ActualMinutes:    actual,
				XPAwarded:        xp,
				TaskCompleted:    taskCompleted,
				Timestamp:        events.Stamp(now),
			}, now)
		if err != nil {
			return err
		}
		if err := s.events.AppendTx(tx, &completedEv); err != nil {
			return err
		}
		appended = append(appended, completedEv)

		xpEv, err := events.New(events.EventTypeXPAwarded, task.UserID,
			&step.ParentTaskID, &step.StepID,
			events.XPAwardedPayload{
				Type:      events.EventTypeXPAwarded,
				StepID:    step.StepID,
				Amount:    xp,
				Bonus:     bonus,
				XPTotal:   stats.XPTotal,
				Timestamp: events.Stamp(now),
			}, now)
		if err != nil {
			return err
		}
		if err := s.events.AppendTx(tx, &xpEv); err != nil {
			return err
		}
		appended = append(appended, xpEv)

		if streakChanged {
			streakEv, err := events.New(events.EventTypeStreakUpdated, task.UserID,
				&step.ParentTaskID, &step.StepID,
				events.StreakUpdatedPayload{
					Type:      events.EventTypeStreakUpdated,
					Streak:    stats.Streak,
					Day:       stats.LastCompletedDay,
					Timestamp: events.Stamp(now),
				}, now)
			if err != nil {
				return err
			}
			if err := s.events.AppendTx(tx, &streakEv); err != nil {
				return err
			}
			appended = append(appended, streakEv)
		}

		step.Status = models.StepStatusCompleted
		step.ActualMinutes = &actual
		step.CompletedAt = &now
		step.UpdatedAt = now
		result = &CompletionResult{
			Step:          step,
			XPAwarded:     xp,
			Bonus:         bonus,
			Streak:        stats.Streak,
			StreakChanged: streakChanged,
			TaskCompleted: taskCompleted,
			Events:        appended,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CancelStep moves a non-terminal step to CANCELLED with the given reason.
// Cancelling the last open step promotes the task when a sibling already
// completed, the same rule CompleteStep applies.
func (s *StepService) CancelStep(ctx context.Context, stepID, reason string) (*models.MicroStep, []models.Event, error) {
	if stepID == "" {
		return nil, nil, NewValidationError("step_id", "required")
	}
	if reason == "" {
		reason = events.CancelReasonUser
	}

	var (
		cancelled *models.MicroStep
		appended  []models.Event
	)
	err := s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		cancelled, appended = nil, nil

		step, err := fetchStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if !step.Status.CanTransitionTo(models.StepStatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", ErrConflictState, step.Status, models.StepStatusCancelled)
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE micro_steps SET status = ?, updated_at = ? WHERE step_id = ?`,
			models.StepStatusCancelled, now, stepID); err != nil {
			return fmt.Errorf("failed to cancel step: %w", err)
		}

		task, err := fetchTask(ctx, tx, step.ParentTaskID)
		if err != nil {
			return err
		}

		if _, err := promoteTaskIfDone(ctx, tx, step.ParentTaskID, now); err != nil {
			return err
		}

		ev, err := events.New(events.EventTypeStepCancelled, task.UserID,
			&step.ParentTaskID, &step.StepID,
			events.StepCancelledPayload{
				Type:      events.EventTypeStepCancelled,
				StepID:    step.StepID,
				TaskID:    step.ParentTaskID,
				Reason:    reason,
				Timestamp: events.Stamp(now),
			}, now)
		if err != nil {
			return err
		}
		if err := s.events.AppendTx(tx, &ev); err != nil {
			return err
		}

		step.Status = models.StepStatusCancelled
		step.UpdatedAt = now
		cancelled, appended = step, []models.Event{ev}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return cancelled, appended, nil
}

// ResolutionPatch carries the re-classification produced by answering a
// clarification need.
type ResolutionPatch struct {
	Field              string
	LeafType           models.LeafType
	DelegationMode     models.DelegationMode
	AutomationPlan     *models.AutomationPlan
	ClarificationNeeds []models.ClarificationNeed
	EstimatedMinutes   int
}

// ResolveStep applies a clarification answer: the step takes its new
// classification, moves PENDING_CLARIFICATION -> TODO once no required
// need remains open, and the owning draft task goes live when it was the
// last pending step. Returns the updated step, whether the task was
// activated, and the appended events.
func (s *StepService) ResolveStep(ctx context.Context, stepID string, patch ResolutionPatch) (*models.MicroStep, bool, []models.Event, error) {
	if stepID == "" {
		return nil, false, nil, NewValidationError("step_id", "required")
	}
	if !patch.LeafType.IsValid() {
		return nil, false, nil, NewValidationError("leaf_type", "invalid")
	}
	if patch.LeafType == models.LeafDigital && patch.AutomationPlan == nil {
		return nil, false, nil, NewValidationError("automation_plan", "required for DIGITAL leaf")
	}

	var (
		resolved  *models.MicroStep
		activated bool
		appended  []models.Event
	)
	err := s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		resolved, activated, appended = nil, false, nil

		step, err := fetchStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if step.Status.IsTerminal() {
			return fmt.Errorf("%w: step is %s", ErrConflictState, step.Status)
		}

		now := s.now().UTC()
		step.LeafType = patch.LeafType
		if patch.DelegationMode != "" {
			step.DelegationMode = patch.DelegationMode
		}
		step.AutomationPlan = patch.AutomationPlan
		step.ClarificationNeeds = patch.ClarificationNeeds
		if patch.EstimatedMinutes > 0 {
			step.EstimatedMinutes = patch.LeafType.ClampMinutes(patch.EstimatedMinutes)
		} else {
			step.EstimatedMinutes = patch.LeafType.ClampMinutes(step.EstimatedMinutes)
		}
		if step.Status == models.StepStatusPendingClarification && len(step.OpenNeeds()) == 0 {
			step.Status = models.StepStatusTodo
		}
		step.UpdatedAt = now

		plan, err := planToJSON(step.AutomationPlan)
		if err != nil {
			return err
		}
		needs, err := needsToJSON(step.ClarificationNeeds)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE micro_steps
			 SET leaf_type = ?, delegation_mode = ?, automation_plan = ?,
			     clarification_needs = ?, estimated_minutes = ?, status = ?, updated_at = ?
			 WHERE step_id = ?`,
			step.LeafType, step.DelegationMode, plan,
			needs, step.EstimatedMinutes, step.Status, now, stepID); err != nil {
			return fmt.Errorf("failed to resolve step: %w", mapWriteError(err, "step"))
		}

		task, err := fetchTask(ctx, tx, step.ParentTaskID)
		if err != nil {
			return err
		}
		if task.Status == models.TaskStatusDraft {
			var pending int
			if err := sqlx.GetContext(ctx, tx, &pending,
				`SELECT COUNT(*) FROM micro_steps WHERE parent_task_id = ? AND status = ?`,
				task.TaskID, models.StepStatusPendingClarification); err != nil {
				return fmt.Errorf("failed to count pending steps: %w", err)
			}
			if pending == 0 {
				if _, err := tx.ExecContext(ctx,
					`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
					models.TaskStatusTodo, now, task.TaskID, models.TaskStatusDraft); err != nil {
					return fmt.Errorf("failed to activate task: %w", err)
				}
				activated = true
			}
		}

		ev, err := events.New(events.EventTypeClarificationResolved, task.UserID,
			&step.ParentTaskID, &step.StepID,
			events.ClarificationResolvedPayload{
				Type:      events.EventTypeClarificationResolved,
				TaskID:    step.ParentTaskID,
				StepID:    step.StepID,
				Field:     patch.Field,
				LeafType:  string(step.LeafType),
				Activated: activated,
				Timestamp: events.Stamp(now),
			}, now)
		if err != nil {
			return err
		}
		if err := s.events.AppendTx(tx, &ev); err != nil {
			return err
		}

		resolved, appended = step, []models.Event{ev}
		return nil
	})
	if err != nil {
		return nil, false, nil, err
	}
	return resolved, activated, appended, nil
}

// RaiseClarifications records handler-reported needs on a step without
// changing its status: an IN_PROGRESS step stays IN_PROGRESS and becomes
// dispatchable again once the needs are answered. Needs merge by field, a
// field the step already tracks is re-opened with the new question and a
// new field is appended. Appends one clarification.raised event carrying
// the step's open questions.
func (s *StepService) RaiseClarifications(ctx context.Context, stepID string, needs []models.ClarificationNeed) (*models.MicroStep, []models.Event, error) {
	if stepID == "" {
		return nil, nil, NewValidationError("step_id", "required")
	}
	if len(needs) == 0 {
		return nil, nil, NewValidationError("needs", "required")
	}
	for _, n := range needs {
		if n.Field == "" || n.Question == "" {
			return nil, nil, NewValidationError("needs", "field and question are required")
		}
	}

	var (
		updated  *models.MicroStep
		appended []models.Event
	)
	err := s.client.InTxRetry(ctx, func(tx *sqlx.Tx) error {
		updated, appended = nil, nil

		step, err := fetchStep(ctx, tx, stepID)
		if err != nil {
			return err
		}
		if step.Status.IsTerminal() {
			return fmt.Errorf("%w: step is %s", ErrConflictState, step.Status)
		}

		byField := make(map[string]int, len(step.ClarificationNeeds))
		for i, n := range step.ClarificationNeeds {
			byField[n.Field] = i
		}
		for _, n := range needs {
			if i, ok := byField[n.Field]; ok {
				step.ClarificationNeeds[i].Question = n.Question
				step.ClarificationNeeds[i].Required = n.Required
				step.ClarificationNeeds[i].AnsweredWith = ""
				continue
			}
			n.AnsweredWith = ""
			byField[n.Field] = len(step.ClarificationNeeds)
			step.ClarificationNeeds = append(step.ClarificationNeeds, n)
		}

		now := s.now().UTC()
		step.UpdatedAt = now

		needsJSON, err := needsToJSON(step.ClarificationNeeds)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE micro_steps SET clarification_needs = ?, updated_at = ? WHERE step_id = ?`,
			needsJSON, now, stepID); err != nil {
			return fmt.Errorf("failed to update step needs: %w", mapWriteError(err, "step"))
		}

		task, err := fetchTask(ctx, tx, step.ParentTaskID)
		if err != nil {
			return err
		}

		open := step.OpenNeeds()
		questions := make([]string, 0, len(open))
		for _, n := range open {
			questions = append(questions, n.Question)
		}
		ev, err := events.New(events.EventTypeClarificationRaised, task.UserID,
			&step.ParentTaskID, &step.StepID,
			events.ClarificationRaisedPayload{
				Type:      events.EventTypeClarificationRaised,
				TaskID:    step.ParentTaskID,
				StepID:    step.StepID,
				Questions: questions,
				Timestamp: events.Stamp(now),
			}, now)
		if err != nil {
			return err
		}
		if err := s.events.AppendTx(tx, &ev); err != nil {
			return err
		}

		updated, appended = step, []models.Event{ev}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, appended, nil
}

// deriveActualMinutes picks the recorded effort for a completion: the
// caller's value, else wall time since started_at, else the estimate for
// steps completed straight from TODO.
func deriveActualMinutes(step *models.MicroStep, supplied *int, now time.Time) int {
	if supplied != nil {
		return *supplied
	}
	if step.StartedAt != nil {
		m := int(now.Sub(*step.StartedAt) / time.Minute)
		if m < 0 {
			m = 0
		}
		return m
	}
	return step.EstimatedMinutes
}

// promoteTaskIfDone moves the task to COMPLETED when every step is terminal
// and at least one completed. The guarded UPDATE makes promotion fire
// exactly once even with concurrent completion transactions.
func promoteTaskIfDone(ctx context.Context, tx *sqlx.Tx, taskID string, now time.Time) (bool, error) {
	var counts struct {
		Open      int `db:"open"`
		Completed int `db:"completed"`
	}
	err := sqlx.GetContext(ctx, tx, &counts,
		`SELECT
			COALESCE(SUM(CASE WHEN status NOT IN ('COMPLETED', 'CANCELLED') THEN 1 ELSE 0 END), 0) AS open,
			COALESCE(SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END), 0) AS completed
		 FROM micro_steps WHERE parent_task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to count sibling steps: %w", err)
	}
	if counts.Open > 0 || counts.Completed == 0 {
		return false, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
		 WHERE task_id = ? AND status NOT IN ('COMPLETED', 'CANCELLED')`,
		models.TaskStatusCompleted, now, now, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to promote task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read promotion result: %w", err)
	}
	return affected > 0, nil
}
