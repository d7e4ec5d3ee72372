package capture

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-ai/stepflow/pkg/llm"
	"github.com/stepflow-ai/stepflow/pkg/models"
	"github.com/stepflow-ai/stepflow/pkg/services"
)

func TestEstimateHours(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"explicit hours", "spend 2 hours on taxes", 2.0},
		{"explicit minutes", "tidy the garage for 45 minutes", 0.75},
		{"half an hour", "half an hour of reading", 0.5},
		{"an hour", "block an hour for budgeting", 1.0},
		{"quick verb", "reply to alice", 5.0 / 60.0},
		{"quick verb with punctuation", "Reply, then relax", 5.0 / 60.0},
		{"quick verb first word only", "prepare weekly update email", 1.0},
		{"leading email is quick", "Email the team the final agenda", 5.0 / 60.0},
		{"sitting word", "research airfare to Lisbon", 1.0},
		{"default", "water the plants", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, estimateHours(tt.text), 1e-9)
		})
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		text string
		want models.Priority
	}{
		{"urgent: renew passport", models.PriorityUrgent},
		{"pay rent ASAP", models.PriorityUrgent},
		{"important to book the dentist", models.PriorityHigh},
		{"someday learn piano", models.PriorityLow},
		{"whenever you get a chance, water plants", models.PriorityLow},
		{"reply to alice", models.PriorityMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, priorityFor(tt.text), "text %q", tt.text)
	}
}

func TestSplitTitle(t *testing.T) {
	title, description := splitTitle("reply to alice")
	assert.Equal(t, "reply to alice", title)
	assert.Empty(t, description)

	title, description = splitTitle("Prepare board deck\nCover Q3 numbers and the hiring plan.")
	assert.Equal(t, "Prepare board deck", title)
	assert.Equal(t, "Cover Q3 numbers and the hiring plan.", description)

	title, _ = splitTitle(strings.Repeat("a", 400))
	assert.Len(t, title, models.MaxTitleLen)
}

func TestAnalyzer_HeuristicOnly(t *testing.T) {
	a := newAnalyzer(nil)

	got, err := a.analyze(context.Background(), "research airfare to Lisbon")
	require.NoError(t, err)

	assert.Equal(t, "research airfare to Lisbon", got.Title)
	assert.Equal(t, models.PriorityMedium, got.Priority)
	assert.InDelta(t, 1.0, got.EstimatedHours, 1e-9)
	assert.Contains(t, got.Tags, "🔍 research")
}

func TestAnalyzer_RefineMergesValidFields(t *testing.T) {
	stub := &stubLLM{content: `{
		"title": "Prepare the weekly update",
		"priority": "HIGH",
		"estimated_hours": 0.75,
		"tags": ["email", "work"]
	}`}
	a := newAnalyzer(stub)

	got, err := a.analyze(context.Background(), "prepare weekly update email\nInclude the launch numbers")
	require.NoError(t, err)

	assert.Equal(t, 1, stub.callCount())
	assert.Equal(t, "Prepare the weekly update", got.Title)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	assert.InDelta(t, 0.75, got.EstimatedHours, 1e-9)
	assert.Equal(t, []string{"email", "work"}, got.Tags)
	// The description never comes from the model.
	assert.Equal(t, "Include the launch numbers", got.Description)
}

func TestAnalyzer_RefineFailureKeepsHeuristic(t *testing.T) {
	stub := &stubLLM{err: &llm.Error{Kind: llm.KindUnavailable, Message: "provider down"}}
	a := newAnalyzer(stub)

	got, err := a.analyze(context.Background(), "prepare weekly update email")
	require.NoError(t, err)

	assert.Equal(t, 1, stub.callCount())
	assert.Equal(t, "prepare weekly update email", got.Title)
	assert.Equal(t, models.PriorityMedium, got.Priority)
	assert.InDelta(t, 1.0, got.EstimatedHours, 1e-9)
}

func TestAnalyzer_InvalidRefinementFieldsIgnored(t *testing.T) {
	stub := &stubLLM{content: `{
		"title": "",
		"priority": "SOMETIME",
		"estimated_hours": -2,
		"tags": []
	}`}
	a := newAnalyzer(stub)

	got, err := a.analyze(context.Background(), "prepare weekly update email")
	require.NoError(t, err)

	assert.Equal(t, "prepare weekly update email", got.Title)
	assert.Equal(t, models.PriorityMedium, got.Priority)
	assert.InDelta(t, 1.0, got.EstimatedHours, 1e-9)
	assert.Contains(t, got.Tags, "📧 email")
}

func TestAnalyzer_RejectsBadInput(t *testing.T) {
	a := newAnalyzer(nil)

	_, err := a.analyze(context.Background(), "")
	assert.True(t, services.IsValidationError(err))

	_, err = a.analyze(context.Background(), "   \n  ")
	assert.True(t, services.IsValidationError(err))

	_, err = a.analyze(context.Background(), strings.Repeat("x", maxRawTextLen+1))
	assert.True(t, services.IsValidationError(err))
}

func TestStripFillers(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"um reply to alice uh about the offsite", "reply to alice about the offsite"},
		{"Umm, send the report", "send the report"},
		{"reply to alice", "reply to alice"},
		{"hmm", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripFillers(tt.in), "input %q", tt.in)
	}
}
