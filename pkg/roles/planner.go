package roles

import (
	"context"
	"fmt"
	"time"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/llm"
)

// ClarificationQuestion is one entry of the clarification_questions
// artifact, per spec.md §4.6's pause-point description.
type ClarificationQuestion struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Type      string   `json:"type"`
	Choices   []string `json:"choices,omitempty"`
	Required  bool     `json:"required"`
	Rationale string   `json:"rationale,omitempty"`
}

type plannerResponse struct {
	Questions []ClarificationQuestion `json:"questions"`
}

// Planner is the fifth, optional role (spec.md §9's Open Question
// decision): same-shaped as Coder, invoked specifically to turn an
// ambiguous research step into a clarification_questions artifact.
type Planner struct {
	Gateway *llm.Gateway
	Model   string
}

// Execute asks the model to identify the open questions blocking design
// from proceeding, and appends them as a clarification_questions
// artifact for the orchestrator's clarification pause point.
func (p *Planner) Execute(ctx context.Context, c *container.Container, reason string) (Result, error) {
	c.SetActiveRole(container.RolePlanner)

	view := c.GetRelevantContext(container.RolePlanner)
	req := llm.Request{
		Stage: "planning", Model: p.Model, RequireJSON: true, MaxTokens: 800,
		Messages: []llm.Message{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Reason: %s\nContext: %+v", reason, view)},
		},
	}

	resp, err := p.Gateway.Generate(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("planner: llm call failed: %w", err)
	}

	parsed, err := decodeLLMJSON[plannerResponse](resp.Text)
	if err != nil {
		return Result{}, &LLMResponseParseError{Reason: "llm_invalid_json", RawText: resp.Text, Err: err}
	}

	if _, err := c.AddArtifact(container.KindClarificationQuestions, parsed.Questions, string(container.RolePlanner)); err != nil {
		return Result{}, err
	}

	usage := container.UsageRecord{
		Stage: "planning", Provider: "llm", Model: req.Model,
		TokensIn: resp.Usage.InputTokens, TokensOut: resp.Usage.OutputTokens,
		CreatedAt: time.Now().UTC(),
	}
	c.RecordLLMUsage(usage)

	return Result{
		Role:    container.RolePlanner,
		Summary: fmt.Sprintf("raised %d clarification question(s)", len(parsed.Questions)),
		Usage:   &usage,
		Details: parsed.Questions,
	}, nil
}

const plannerSystemPrompt = `You are the Planner agent. The Researcher flagged ambiguity that blocks design.
Return JSON only: {"questions": [{"id": "Q1", "text": "...", "type": "text|choice", "choices": ["..."], "required": true, "rationale": "..."}]}
Ask only what is strictly necessary to proceed; prefer zero questions over speculative ones.`
