// Package config loads the flat environment-variable configuration
// spec.md §6 lists, with typed defaults and a fail-fast validation pass,
// grounded on the teacher's own Initialize()-then-Validator().ValidateAll()
// two-step config loading idiom.
package config

import "time"

// Config is every tunable spec.md §6 names, typed and defaulted.
type Config struct {
	DatabaseURL           string
	TaskTTLDays           int
	WorkspaceRoot         string
	WorkspaceTTLDays      int
	CleanupInterval       time.Duration
	TemplatesDir          string
	EnableFilePersistence bool
	MaxConcurrentTasks    int

	RateLimitCreateTasksPerMin int
	RateLimitRerunReviewPerMin int
	RateLimitDownloadsPerMin   int

	MaxTokensPerDay      int
	MaxCommandRunsPerDay int
	MaxTaskBytes         int64
	MaxTaskFiles         int

	CommandTimeout        time.Duration
	CommandMaxOutputBytes int
	AllowedCommands       []string

	LLMProvider               string
	LLMModel                  string
	LLMAPIKey                 string
	LLMMaxTokens              int
	LLMTimeout                time.Duration
	LLMTemperature            float64
	LLMMaxCallsPerTask        int
	LLMMaxTotalTokensPerTask  int
	LLMMaxRetriesPerStep      int

	OrchMicroMaxIterations int
	ManualStepEnabled      bool

	AppAPIKey      string
	AllowedOrigins []string
	Environment    string

	HTTPPort    string
	GitHubToken string
}

// Defaults mirrors the teacher's Defaults struct: the zero-config
// starting point Load overlays environment variables onto.
func Defaults() Config {
	return Config{
		TaskTTLDays:           30,
		WorkspaceRoot:         "./workspaces",
		WorkspaceTTLDays:      7,
		CleanupInterval:       time.Hour,
		TemplatesDir:          "./templates",
		EnableFilePersistence: true,
		MaxConcurrentTasks:    4,

		RateLimitCreateTasksPerMin: 10,
		RateLimitRerunReviewPerMin: 10,
		RateLimitDownloadsPerMin:   30,

		MaxTokensPerDay:      200000,
		MaxCommandRunsPerDay: 200,
		MaxTaskBytes:         50 * 1024 * 1024,
		MaxTaskFiles:         2000,

		CommandTimeout:        60 * time.Second,
		CommandMaxOutputBytes: 20000,
		AllowedCommands:       []string{"ruff", "pytest", "python", "python3"},

		LLMProvider:              "mock",
		LLMModel:                 "gpt-4o-mini",
		LLMMaxTokens:             4000,
		LLMTimeout:               60 * time.Second,
		LLMTemperature:           0.2,
		LLMMaxCallsPerTask:       60,
		LLMMaxTotalTokensPerTask: 400000,
		LLMMaxRetriesPerStep:     2,

		OrchMicroMaxIterations: 3,
		ManualStepEnabled:      false,

		Environment: "development",
		HTTPPort:    "8080",
	}
}
