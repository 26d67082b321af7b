// Package roles implements the five pipeline roles (spec.md §4.5):
// Researcher, Designer, Coder, Reviewer, and Planner. Each role is a
// function over a Container plus the LLMGateway, grounded on
// original_source/agents.py's AIResearcher/AIDesigner/AICoder/AIReviewer.
package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/autoforge/autoforge/pkg/contract"
	"github.com/autoforge/autoforge/pkg/container"
)

// Task is one scheduler-selected sub-task handed to the Coder.
type Task struct {
	Type         string   `json:"type"`
	Component    string   `json:"component"`
	File         string   `json:"file"`
	Description  string   `json:"description"`
	AllowedPaths []string `json:"allowed_paths,omitempty"`
}

// Result is the shared return shape every role hands back to the
// orchestrator, which attaches it to its own callback/history plumbing.
type Result struct {
	Role     container.RoleName `json:"role"`
	Summary  string             `json:"summary"`
	Usage    *container.UsageRecord `json:"usage,omitempty"`
	Details  any                `json:"details,omitempty"`
}

// ErrNoRequirements is raised when the Designer runs before the
// Researcher has produced a requirements artifact.
var ErrNoRequirements = errors.New("roles: no requirements artifact found for design")

// ErrBudgetExceeded is raised when a per-owner daily cap is hit. Ported
// from original_source/agents.py::BudgetExceededError.
var ErrBudgetExceeded = errors.New("roles: daily budget exceeded")

// ErrNoFilesInResponse is raised when the Coder's LLM response parsed
// but named no files to write.
var ErrNoFilesInResponse = errors.New("roles: llm response contained no files")

// LLMResponseParseError wraps a Coder parse failure, carrying a
// truncated preview of the offending text for the invalid_json artifact
// — mirrors original_source/agents.py::LLMResponseParseError.
type LLMResponseParseError struct {
	Reason  string
	RawText string
	Err     error
}

func (e *LLMResponseParseError) Error() string {
	return fmt.Sprintf("llm response parse error: %s: %v", e.Reason, e.Err)
}

func (e *LLMResponseParseError) Unwrap() error { return e.Err }

func (e *LLMResponseParseError) TruncatedText() string {
	if len(e.RawText) <= 2000 {
		return e.RawText
	}
	return e.RawText[:2000]
}

// QuotaChecker is the daily per-owner budget boundary the Coder and
// Reviewer consult before spending tokens or spawning a command. It is
// satisfied by pkg/governor's DailyQuota.
type QuotaChecker interface {
	CheckDailyBudget(ctx context.Context, ownerKeyHash string, maxTokensPerDay, maxCommandRunsPerDay int) error
}

// BudgetLimits are the daily caps threaded through from pkg/config.
type BudgetLimits struct {
	MaxTokensPerDay       int
	MaxCommandRunsPerDay  int
}

// decodeLLMJSON recovers a typed payload from raw LLM text: strip any
// markdown fence, then scan for the first balanced JSON object (a model
// occasionally wraps its JSON in a sentence or two despite instructions
// not to). Ported in behavior from
// original_source/agents.py::AICoder._parse_llm_response.
func decodeLLMJSON[T any](text string) (T, error) {
	var out T
	cleaned := contract.StripMarkdownFences(text)

	if err := json.Unmarshal([]byte(cleaned), &out); err == nil {
		return out, nil
	}

	candidate, ok := contract.ExtractFirstJSONObject(cleaned)
	if !ok {
		return out, fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		return out, err
	}
	return out, nil
}
