package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads a .env file if present (missing is not an error, matching
// godotenv's own optional-file convention), overlays Defaults() with
// every environment variable spec.md §6 lists, and validates the
// result. envFile may be empty to skip the file entirely.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	cfg := Defaults()

	cfg.DatabaseURL = getString("DATABASE_URL", cfg.DatabaseURL)
	cfg.TaskTTLDays = getInt("TASK_TTL_DAYS", cfg.TaskTTLDays)
	cfg.WorkspaceRoot = getString("WORKSPACE_ROOT", cfg.WorkspaceRoot)
	cfg.WorkspaceTTLDays = getInt("WORKSPACE_TTL_DAYS", cfg.WorkspaceTTLDays)
	cfg.CleanupInterval = getSeconds("CLEANUP_INTERVAL_SECONDS", cfg.CleanupInterval)
	cfg.TemplatesDir = getString("TEMPLATES_DIR", cfg.TemplatesDir)
	cfg.EnableFilePersistence = getBool("ENABLE_FILE_PERSISTENCE", cfg.EnableFilePersistence)
	cfg.MaxConcurrentTasks = getInt("MAX_CONCURRENT_TASKS", cfg.MaxConcurrentTasks)

	cfg.RateLimitCreateTasksPerMin = getInt("RATE_LIMIT_CREATE_TASKS_PER_MIN", cfg.RateLimitCreateTasksPerMin)
	cfg.RateLimitRerunReviewPerMin = getInt("RATE_LIMIT_RERUN_REVIEW_PER_MIN", cfg.RateLimitRerunReviewPerMin)
	cfg.RateLimitDownloadsPerMin = getInt("RATE_LIMIT_DOWNLOADS_PER_MIN", cfg.RateLimitDownloadsPerMin)

	cfg.MaxTokensPerDay = getInt("MAX_TOKENS_PER_DAY", cfg.MaxTokensPerDay)
	cfg.MaxCommandRunsPerDay = getInt("MAX_COMMAND_RUNS_PER_DAY", cfg.MaxCommandRunsPerDay)
	cfg.MaxTaskBytes = getInt64("MAX_TASK_BYTES", cfg.MaxTaskBytes)
	cfg.MaxTaskFiles = getInt("MAX_TASK_FILES", cfg.MaxTaskFiles)

	cfg.CommandTimeout = getSeconds("COMMAND_TIMEOUT_SECONDS", cfg.CommandTimeout)
	cfg.CommandMaxOutputBytes = getInt("COMMAND_MAX_OUTPUT_BYTES", cfg.CommandMaxOutputBytes)
	cfg.AllowedCommands = getList("ALLOWED_COMMANDS", cfg.AllowedCommands)

	cfg.LLMProvider = getString("LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMModel = getString("LLM_MODEL", cfg.LLMModel)
	cfg.LLMAPIKey = getString("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMMaxTokens = getInt("LLM_MAX_TOKENS", cfg.LLMMaxTokens)
	cfg.LLMTimeout = getSeconds("LLM_TIMEOUT_SECONDS", cfg.LLMTimeout)
	cfg.LLMTemperature = getFloat("LLM_TEMPERATURE", cfg.LLMTemperature)
	cfg.LLMMaxCallsPerTask = getInt("LLM_MAX_CALLS_PER_TASK", cfg.LLMMaxCallsPerTask)
	cfg.LLMMaxTotalTokensPerTask = getInt("LLM_MAX_TOTAL_TOKENS_PER_TASK", cfg.LLMMaxTotalTokensPerTask)
	cfg.LLMMaxRetriesPerStep = getInt("LLM_MAX_RETRIES_PER_STEP", cfg.LLMMaxRetriesPerStep)

	cfg.OrchMicroMaxIterations = getInt("ORCH_MICRO_MAX_ITERATIONS", cfg.OrchMicroMaxIterations)
	cfg.ManualStepEnabled = getBool("MANUAL_STEP_ENABLED", cfg.ManualStepEnabled)

	cfg.AppAPIKey = getString("APP_API_KEY", cfg.AppAPIKey)
	cfg.AllowedOrigins = getList("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.Environment = getString("ENVIRONMENT", cfg.Environment)

	cfg.HTTPPort = getString("HTTP_PORT", cfg.HTTPPort)
	cfg.GitHubToken = getString("GITHUB_TOKEN", cfg.GitHubToken)

	if err := NewValidator(&cfg).ValidateAll(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getSeconds(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
