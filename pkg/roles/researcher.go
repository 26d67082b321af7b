package roles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/llm"
)

// Requirement is one structured requirement the Researcher extracts.
type Requirement struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
}

// RequirementsDoc is the Researcher's requirements artifact shape.
type RequirementsDoc struct {
	UserTask             string        `json:"user_task"`
	Requirements         []Requirement `json:"requirements"`
	UserStories          []string      `json:"user_stories"`
	Assumptions          []string      `json:"assumptions"`
	QuestionsToUser      []string      `json:"questions_to_user"`
	TechnicalConstraints []string      `json:"technical_constraints"`
}

// Researcher analyzes the user's task into structured requirements.
type Researcher struct {
	Gateway *llm.Gateway
	Model   string
}

// Execute produces the requirements artifact and the requirements.md /
// user_stories.md companion files, per spec.md §4.5. When the model
// surfaces open questions, they are returned in the result's Details so
// the orchestrator can decide whether to pause for clarification —
// deciding that is the orchestrator's job, not the role's.
func (r *Researcher) Execute(ctx context.Context, c *container.Container, userTask string) (Result, error) {
	c.SetActiveRole(container.RoleResearcher)

	req := llm.Request{
		Stage:       "research",
		Model:       r.Model,
		RequireJSON: true,
		MaxTokens:   1500,
		Messages: []llm.Message{
			{Role: "system", Content: researcherSystemPrompt},
			{Role: "user", Content: userTask},
		},
	}

	resp, err := r.Gateway.Generate(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("researcher: llm call failed: %w", err)
	}

	doc, err := decodeLLMJSON[RequirementsDoc](resp.Text)
	if err != nil {
		return Result{}, &LLMResponseParseError{Reason: "llm_invalid_json", RawText: resp.Text, Err: err}
	}
	doc.UserTask = userTask

	if _, err := c.AddArtifact(container.KindRequirements, doc, string(container.RoleResearcher)); err != nil {
		return Result{}, err
	}
	if err := c.AddFile("requirements.md", []byte(renderRequirementsMarkdown(doc))); err != nil {
		return Result{}, err
	}
	if err := c.AddFile("user_stories.md", []byte(renderUserStoriesMarkdown(doc.UserStories))); err != nil {
		return Result{}, err
	}

	usage := container.UsageRecord{
		Stage: "research", Provider: "llm", Model: req.Model,
		TokensIn: resp.Usage.InputTokens, TokensOut: resp.Usage.OutputTokens,
		CreatedAt: time.Now().UTC(),
	}
	c.RecordLLMUsage(usage)

	return Result{
		Role:    container.RoleResearcher,
		Summary: fmt.Sprintf("captured %d requirements, %d open questions", len(doc.Requirements), len(doc.QuestionsToUser)),
		Usage:   &usage,
		Details: doc,
	}, nil
}

const researcherSystemPrompt = `You are the Researcher agent in a multi-agent code generation pipeline.
Analyze the user's task and return JSON only, matching this shape:
{"requirements": [{"id": "REQ-001", "description": "...", "priority": "high|medium|low", "category": "functional|security|..."}],
 "user_stories": ["..."], "assumptions": ["..."], "questions_to_user": ["..."], "technical_constraints": ["..."]}
Leave questions_to_user empty unless genuinely ambiguous details block design.`

func renderRequirementsMarkdown(doc RequirementsDoc) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Requirements Analysis\n\n## Original Task\n%s\n\n## Requirements\n", doc.UserTask)
	for _, req := range doc.Requirements {
		fmt.Fprintf(&b, "\n### %s (%s)\n%s\n*Category: %s*\n", req.ID, strings.ToUpper(req.Priority), req.Description, req.Category)
	}
	b.WriteString("\n## Technical Constraints\n")
	for _, tc := range doc.TechnicalConstraints {
		fmt.Fprintf(&b, "- %s\n", tc)
	}
	b.WriteString("\n## Assumptions\n")
	for _, a := range doc.Assumptions {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("\n## Questions for Clarification\n")
	for _, q := range doc.QuestionsToUser {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	return b.String()
}

func renderUserStoriesMarkdown(stories []string) string {
	var b strings.Builder
	b.WriteString("## User Stories\n\n")
	for _, s := range stories {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}
