package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithoutEnvFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Defaults().WorkspaceRoot, cfg.WorkspaceRoot)
	assert.Equal(t, "mock", cfg.LLMProvider)
	assert.ElementsMatch(t, []string{"ruff", "pytest", "python", "python3"}, cfg.AllowedCommands)
}

func TestLoadOverlaysEnvironmentVariables(t *testing.T) {
	t.Setenv("WORKSPACE_ROOT", "/tmp/workspaces")
	t.Setenv("MAX_CONCURRENT_TASKS", "9")
	t.Setenv("LLM_TEMPERATURE", "0.7")
	t.Setenv("ALLOWED_COMMANDS", "ruff, pytest")
	t.Setenv("ENABLE_FILE_PERSISTENCE", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/workspaces", cfg.WorkspaceRoot)
	assert.Equal(t, 9, cfg.MaxConcurrentTasks)
	assert.InDelta(t, 0.7, cfg.LLMTemperature, 1e-9)
	assert.Equal(t, []string{"ruff", "pytest"}, cfg.AllowedCommands)
	assert.False(t, cfg.EnableFilePersistence)
}

func TestLoadRejectsUnknownLLMProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "not-a-real-provider")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_PROVIDER")
}

func TestLoadRequiresAPIKeyForNonMockProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "openai")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_API_KEY")
}

func TestValidateAllCatchesNonPositiveLimits(t *testing.T) {
	cfg := Defaults()
	cfg.MaxTaskFiles = 0

	err := NewValidator(&cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_TASK_FILES")
}

func TestValidateAllAcceptsDefaults(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, NewValidator(&cfg).ValidateAll())
}
