package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("STEPFLOW_KEY", "sk-abc")
	t.Setenv("STEPFLOW_HOME", "/data")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single variable",
			input:    "api_key: {{.STEPFLOW_KEY}}",
			expected: "api_key: sk-abc",
		},
		{
			name:     "multiple variables",
			input:    "key: {{.STEPFLOW_KEY}}\npath: {{.STEPFLOW_HOME}}/stepflow.db",
			expected: "key: sk-abc\npath: /data/stepflow.db",
		},
		{
			name:     "missing variable expands to empty",
			input:    "api_key: {{.STEPFLOW_UNSET_VAR}}",
			expected: "api_key: ",
		},
		{
			name:     "plain yaml passes through",
			input:    "provider: openai\nport: 8080",
			expected: "provider: openai\nport: 8080",
		},
		{
			name:     "dollar signs are not template syntax",
			input:    "path: $HOME/stepflow.db",
			expected: "path: $HOME/stepflow.db",
		},
		{
			name:     "malformed template returns input unchanged",
			input:    "api_key: {{.STEPFLOW_KEY",
			expected: "api_key: {{.STEPFLOW_KEY",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(ExpandEnv([]byte(tt.input))))
		})
	}
}
