package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepflow-ai/stepflow/pkg/database"
	"github.com/stepflow-ai/stepflow/pkg/models"
)

// JSON column helpers. Tags, clarification needs and automation plans are
// stored as JSON text so the schema stays portable; rows scan them as
// strings and these helpers convert at the service boundary.

func tagsToJSON(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(raw), nil
}

func tagsFromJSON(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

func needsToJSON(needs []models.ClarificationNeed) (string, error) {
	if needs == nil {
		needs = []models.ClarificationNeed{}
	}
	raw, err := json.Marshal(needs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal clarification_needs: %w", err)
	}
	return string(raw), nil
}

func needsFromJSON(raw string) ([]models.ClarificationNeed, error) {
	if raw == "" {
		return nil, nil
	}
	var needs []models.ClarificationNeed
	if err := json.Unmarshal([]byte(raw), &needs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal clarification_needs: %w", err)
	}
	if len(needs) == 0 {
		return nil, nil
	}
	return needs, nil
}

func planToJSON(plan *models.AutomationPlan) (sql.NullString, error) {
	if plan == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal automation_plan: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func planFromJSON(raw sql.NullString) (*models.AutomationPlan, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var plan models.AutomationPlan
	if err := json.Unmarshal([]byte(raw.String), &plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal automation_plan: %w", err)
	}
	return &plan, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// mapWriteError converts database constraint failures into service sentinel
// errors so callers never see driver error types.
func mapWriteError(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%s: %w", entity, ErrAlreadyExists)
	case database.IsForeignKeyViolation(err):
		return fmt.Errorf("%s references a missing row: %w", entity, ErrInvalidInput)
	case database.IsCheckViolation(err):
		return fmt.Errorf("%s violates a schema constraint: %w", entity, ErrInvalidInput)
	default:
		return err
	}
}
