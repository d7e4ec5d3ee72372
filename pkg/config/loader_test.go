package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 2*time.Second, cfg.LLM.Deadline())
	assert.Equal(t, 16, cfg.LLM.MaxConcurrency)
	assert.Equal(t, 4, cfg.Split.TargetMinutes)
	assert.Equal(t, "MULTI", cfg.Split.ForceSplitScope)
	assert.Equal(t, 64, cfg.Runtime.HandlerQueue)
	assert.Equal(t, 4, cfg.Runtime.Workers)
	assert.Equal(t, 5*time.Second, cfg.Runtime.DefaultDeadline())
	assert.False(t, cfg.Runtime.CancelOnHandlerFailure)
	assert.Equal(t, "stepflow.db", cfg.Database.Path)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: none
split:
  target_minutes: 3
runtime:
  workers: 2
  cancel_on_handler_failure: true
database:
  path: /tmp/flow-test.db
server:
  port: 9090
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "none", cfg.LLM.Provider)
	assert.Equal(t, 3, cfg.Split.TargetMinutes)
	assert.Equal(t, 2, cfg.Runtime.Workers)
	assert.True(t, cfg.Runtime.CancelOnHandlerFailure)
	assert.Equal(t, "/tmp/flow-test.db", cfg.Database.Path)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())

	// Untouched sections keep their defaults.
	assert.Equal(t, 64, cfg.Runtime.HandlerQueue)
	assert.Equal(t, 2000, cfg.LLM.DeadlineMS)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.File, "nope.yaml")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "llm: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown provider",
			content: "llm:\n  provider: bard\n",
		},
		{
			name:    "target minutes above human ceiling",
			content: "split:\n  target_minutes: 9\n",
		},
		{
			name:    "force split scope not splittable",
			content: "split:\n  force_split_scope: SIMPLE\n",
		},
		{
			name:    "port out of range",
			content: "server:\n  port: 70000\n",
		},
		{
			name:    "capture deadline below floor",
			content: "runtime:\n  default_deadline_ms: 100\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestLoad_ExpandsEnvTemplates(t *testing.T) {
	t.Setenv("STEPFLOW_TEST_KEY", "sk-test-123")
	path := writeConfig(t, `
llm:
  provider: openai
  api_key: "{{.STEPFLOW_TEST_KEY}}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
}

func TestLoad_APIKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-456")
	path := writeConfig(t, "llm:\n  provider: anthropic\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-456", cfg.LLM.APIKey)
}

func TestLoad_ExplicitKeyBeatsEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := writeConfig(t, "llm:\n  provider: openai\n  api_key: sk-file\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.LLM.APIKey)
}

func TestValidate_DefaultsAreValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}
