package decompose

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/split"
)

func decomposeTask(title string, hours float64) *models.Task {
	return &models.Task{
		TaskID:         uuid.New().String(),
		UserID:         "user-1",
		Title:          title,
		Status:         models.TaskStatusTodo,
		Priority:       models.PriorityMedium,
		Scope:          models.ScopeForEstimate(hours),
		EstimatedHours: hours,
		Tags:           []string{},
	}
}

// coarseSplitter always returns a single oversized step, which forces the
// decomposer to keep recursing until the depth limit.
type coarseSplitter struct {
	minutes int
	calls   int
}

func (s *coarseSplitter) Split(_ context.Context, task *models.Task, _ bool) ([]models.MicroStep, error) {
	s.calls++
	return []models.MicroStep{{
		StepID:           uuid.New().String(),
		ParentTaskID:     task.TaskID,
		StepNumber:       1,
		Description:      "Work through " + task.Title,
		EstimatedMinutes: s.minutes,
		DelegationMode:   models.DelegationDo,
		LeafType:         models.LeafHuman,
		Status:           models.StepStatusTodo,
		Tags:             []string{},
		IsLeaf:           true,
	}}, nil
}

func TestDecomposer_SimpleTaskIsAtomic(t *testing.T) {
	d := New(split.NewProxy(nil, split.NewHeuristic(), split.Options{}), nil)
	task := decomposeTask("Water the plants", 0.05)

	steps, err := d.Decompose(context.Background(), task)

	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, task.Title, steps[0].Description)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, 0, steps[0].Level)
	assert.True(t, steps[0].IsLeaf)
	assert.Nil(t, steps[0].ParentStepID)
}

func TestDecomposer_SplitsClassifiesAndTags(t *testing.T) {
	d := New(split.NewProxy(nil, split.NewHeuristic(), split.Options{}), nil)
	task := decomposeTask("Reply to the email from Dana", 0.5)

	steps, err := d.Decompose(context.Background(), task)

	require.NoError(t, err)
	require.GreaterOrEqual(t, len(steps), 3)

	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber, "contiguous numbering")
		assert.Equal(t, task.TaskID, s.ParentTaskID)
		assert.Equal(t, 0, s.Level)
		assert.True(t, s.IsLeaf)
		assert.True(t, s.LeafType.IsValid())
		require.NoError(t, s.Validate())
	}

	// The email plan mentions the inbox, so tag enrichment fires.
	tagged := false
	for _, s := range steps {
		for _, tag := range s.Tags {
			if tag == "📧 email" {
				tagged = true
			}
		}
	}
	assert.True(t, tagged, "expected at least one email-tagged step")
}

func TestDecomposer_RecursesIntoProjectSizedSteps(t *testing.T) {
	splitter := &coarseSplitter{minutes: 90}
	d := New(splitter, nil)
	task := decomposeTask("Plan the conference", 3.0)

	steps, err := d.Decompose(context.Background(), task)

	require.NoError(t, err)
	// One coarse step per level from 0 through maxDepth; the recursion
	// below maxDepth is truncated before another split.
	require.Len(t, steps, maxDepth+1)
	assert.Equal(t, maxDepth+1, splitter.calls)

	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
		assert.Equal(t, i, s.Level)
		require.NoError(t, s.Validate(), "step %d", i+1)
	}

	assert.Nil(t, steps[0].ParentStepID)
	for i := 1; i < len(steps); i++ {
		require.NotNil(t, steps[i].ParentStepID)
		assert.Equal(t, steps[i-1].StepID, *steps[i].ParentStepID)
		assert.False(t, steps[i-1].IsLeaf)
	}
	assert.True(t, steps[len(steps)-1].IsLeaf)
}

func TestDecomposer_NilTask(t *testing.T) {
	d := New(&coarseSplitter{minutes: 3}, nil)

	_, err := d.Decompose(context.Background(), nil)

	assert.Error(t, err)
}

func TestArena_FlattenOrder(t *testing.T) {
	a := newArena()
	root1 := a.add(models.MicroStep{StepID: "r1", Description: "first root"}, -1)
	a.add(models.MicroStep{StepID: "c1", Description: "child of first"}, root1)
	a.add(models.MicroStep{StepID: "r2", Description: "second root"}, -1)

	steps := a.flatten()

	require.Len(t, steps, 3)
	assert.Equal(t, []string{"r1", "c1", "r2"}, []string{steps[0].StepID, steps[1].StepID, steps[2].StepID})
	assert.Equal(t, []int{1, 2, 3}, []int{steps[0].StepNumber, steps[1].StepNumber, steps[2].StepNumber})
	assert.Equal(t, []int{0, 1, 0}, []int{steps[0].Level, steps[1].Level, steps[2].Level})
	assert.False(t, steps[0].IsLeaf)
	assert.True(t, steps[1].IsLeaf)
	require.NotNil(t, steps[1].ParentStepID)
	assert.Equal(t, "r1", *steps[1].ParentStepID)
}

func TestTagsFor(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "email",
			text: "Reply to the email from Dana",
			want: []string{"📧 email"},
		},
		{
			name: "writing and work",
			text: "Write the quarterly report",
			want: []string{"✍️ writing", "💼 work"},
		},
		{
			name: "errand and home",
			text: "Buy groceries and clean the kitchen",
			want: []string{"🛒 errand", "🏠 home"},
		},
		{
			name: "capped at three",
			text: "Email the client the quarterly research report",
			want: []string{"📧 email", "🔍 research", "✍️ writing"},
		},
		{
			name: "no match",
			text: "Stare at the wall",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TagsFor(tt.text))
		})
	}
}

func TestEnrichTags(t *testing.T) {
	got := enrichTags([]string{"📧 email"}, "email the report")
	assert.Equal(t, []string{"📧 email", "✍️ writing"}, got)
}
