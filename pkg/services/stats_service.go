package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stepflow-ai/stepflow/pkg/database"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// StatsService reads per-user gamification counters. Writes happen inside
// completion transactions via applyCompletionStats.
type StatsService struct {
	client *database.Client
}

// NewStatsService creates a new StatsService.
func NewStatsService(client *database.Client) *StatsService {
	return &StatsService{client: client}
}

type statsRow struct {
	UserID           string         `db:"user_id"`
	XPTotal          int            `db:"xp_total"`
	Streak           int            `db:"streak"`
	LastCompletedDay sql.NullString `db:"last_completed_day"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *statsRow) toModel() *models.UserStats {
	return &models.UserStats{
		UserID:           r.UserID,
		XPTotal:          r.XPTotal,
		Streak:           r.Streak,
		LastCompletedDay: r.LastCompletedDay.String,
		UpdatedAt:        r.UpdatedAt,
	}
}

// GetStats returns the user's counters. A user with no completions yet gets
// zero-value stats rather than ErrNotFound.
func (s *StatsService) GetStats(ctx context.Context, userID string) (*models.UserStats, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "required")
	}
	var row statsRow
	err := s.client.DB().GetContext(ctx, &row,
		`SELECT user_id, xp_total, streak, last_completed_day, updated_at
		 FROM user_stats WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.UserStats{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user stats: %w", err)
	}
	return row.toModel(), nil
}

// applyCompletionStats credits XP and advances the daily streak inside the
// caller's completion transaction. The streak moves at most once per UTC
// day: later completions on the same day only add XP.
func applyCompletionStats(ctx context.Context, tx *sqlx.Tx, userID string, xp int, now time.Time) (*models.UserStats, bool, error) {
	today := models.StreakDay(now)

	var row statsRow
	err := sqlx.GetContext(ctx, tx, &row,
		`SELECT user_id, xp_total, streak, last_completed_day, updated_at
		 FROM user_stats WHERE user_id = ?`, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		stats := &models.UserStats{
			UserID:           userID,
			XPTotal:          xp,
			Streak:           1,
			LastCompletedDay: today,
			UpdatedAt:        now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_stats (user_id, xp_total, streak, last_completed_day, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			stats.UserID, stats.XPTotal, stats.Streak, stats.LastCompletedDay, stats.UpdatedAt); err != nil {
			return nil, false, fmt.Errorf("failed to insert user stats: %w", err)
		}
		return stats, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to load user stats: %w", err)
	}

	stats := row.toModel()
	streak, changed := models.NextStreak(stats.Streak, stats.LastCompletedDay, today)
	stats.XPTotal += xp
	stats.Streak = streak
	stats.LastCompletedDay = today
	stats.UpdatedAt = now

	if _, err := tx.ExecContext(ctx,
		`UPDATE user_stats
		 SET xp_total = ?, streak = ?, last_completed_day = ?, updated_at = ?
		 WHERE user_id = ?`,
		stats.XPTotal, stats.Streak, stats.LastCompletedDay, stats.UpdatedAt, userID); err != nil {
		return nil, false, fmt.Errorf("failed to update user stats: %w", err)
	}
	return stats, changed, nil
}
