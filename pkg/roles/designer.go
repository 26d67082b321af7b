package roles

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/llm"
)

// Component is one architectural unit of work: a named responsibility
// plus the files expected to implement it.
type Component struct {
	Name           string   `json:"name"`
	Responsibility string   `json:"responsibility"`
	Files          []string `json:"files"`
	Dependencies   []string `json:"dependencies,omitempty"`
}

// Endpoint is one API surface entry the architecture declares.
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// Architecture is the Designer's architecture artifact shape, consumed
// by Coder (expected files per component) and Reviewer (compliance
// checks) — see spec.md §4.5 and §3's target_architecture field.
type Architecture struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Components   []Component       `json:"components"`
	APIEndpoints []Endpoint        `json:"api_endpoints"`
	DataModel    map[string]any    `json:"data_model,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// Designer consumes requirements and emits an architecture.
type Designer struct {
	Gateway *llm.Gateway
	Model   string
}

// Execute requires at least one requirements artifact to already exist
// in the Container (per ErrNoRequirements), calls the LLM to produce an
// architecture, records it as target_architecture, and writes
// architecture.md / implementation_plan.md.
func (d *Designer) Execute(ctx context.Context, c *container.Container) (Result, error) {
	c.SetActiveRole(container.RoleDesigner)

	reqArtifacts := c.Artifacts(container.KindRequirements)
	if len(reqArtifacts) == 0 {
		return Result{}, ErrNoRequirements
	}

	view := c.GetRelevantContext(container.RoleDesigner)
	req := llm.Request{
		Stage:       "design",
		Model:       d.Model,
		RequireJSON: true,
		MaxTokens:   2000,
		Messages: []llm.Message{
			{Role: "system", Content: designerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("%+v", view)},
		},
	}

	resp, err := d.Gateway.Generate(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("designer: llm call failed: %w", err)
	}

	arch, err := decodeLLMJSON[Architecture](resp.Text)
	if err != nil {
		return Result{}, &LLMResponseParseError{Reason: "llm_invalid_json", RawText: resp.Text, Err: err}
	}

	if _, err := c.AddArtifact(container.KindArchitecture, arch, string(container.RoleDesigner)); err != nil {
		return Result{}, err
	}
	if err := c.SetTargetArchitecture(arch); err != nil {
		return Result{}, err
	}
	if err := c.AddFile("architecture.md", []byte(renderArchitectureMarkdown(arch))); err != nil {
		return Result{}, err
	}
	if err := c.AddFile("implementation_plan.md", []byte(renderPlanMarkdown(arch))); err != nil {
		return Result{}, err
	}

	usage := container.UsageRecord{
		Stage: "design", Provider: "llm", Model: req.Model,
		TokensIn: resp.Usage.InputTokens, TokensOut: resp.Usage.OutputTokens,
		CreatedAt: time.Now().UTC(),
	}
	c.RecordLLMUsage(usage)

	return Result{
		Role:    container.RoleDesigner,
		Summary: fmt.Sprintf("designed %d components, %d endpoints", len(arch.Components), len(arch.APIEndpoints)),
		Usage:   &usage,
		Details: arch,
	}, nil
}

const designerSystemPrompt = `You are the Designer agent in a multi-agent code generation pipeline.
Given the requirements context, return JSON only, matching this shape:
{"name": "...", "description": "...",
 "components": [{"name": "...", "responsibility": "...", "files": ["..."], "dependencies": ["..."]}],
 "api_endpoints": [{"method": "GET", "path": "/...", "description": "..."}],
 "data_model": {}, "dependencies": ["..."]}
Every file path listed under a component must be a relative path the Coder can write verbatim.`

func renderArchitectureMarkdown(a Architecture) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n## Components\n", a.Name, a.Description)
	for _, comp := range a.Components {
		fmt.Fprintf(&b, "\n### %s\n**Responsibility**: %s\n**Files**: %s\n", comp.Name, comp.Responsibility, strings.Join(comp.Files, ", "))
	}
	b.WriteString("\n## API Endpoints\n")
	for _, ep := range a.APIEndpoints {
		fmt.Fprintf(&b, "\n### `%s %s`\n%s\n", ep.Method, ep.Path, ep.Description)
	}
	if len(a.Dependencies) > 0 {
		b.WriteString("\n## Dependencies\n")
		for _, dep := range a.Dependencies {
			fmt.Fprintf(&b, "- %s\n", dep)
		}
	}
	return b.String()
}

func renderPlanMarkdown(a Architecture) string {
	var b strings.Builder
	b.WriteString("# Implementation Plan\n\n")
	for i, comp := range a.Components {
		fmt.Fprintf(&b, "## Phase %d: %s\n", i+1, comp.Name)
		for _, f := range comp.Files {
			fmt.Fprintf(&b, "- Implement %s\n", f)
		}
		b.WriteString("\n")
	}
	return b.String()
}
