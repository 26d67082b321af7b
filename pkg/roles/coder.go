package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autoforge/autoforge/pkg/contract"
	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/llm"
)

func castContractViolation(err error, target **contract.ContractViolationError) bool {
	return errors.As(err, target)
}

// CodeFile is one entry of the Coder's required "files" array.
type CodeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type coderResponse struct {
	Files     []CodeFile        `json:"files"`
	Artifacts map[string]string `json:"artifacts"`
}

// Coder implements a single scheduler-selected sub-task (spec.md §4.5).
type Coder struct {
	Gateway      *llm.Gateway
	Model        string
	MaxFiles     int // max_files_per_iteration; 0 uses the default of 5
	Quota        QuotaChecker
	Limits       BudgetLimits
	OwnerKeyHash string
	TemplateID   string // e.g. "python_fastapi"; empty disables template sanitization

	// Contract, when set, is the mode-fixed OutputContract (spec.md
	// §4.4) this iteration's response must satisfy. A violation earns
	// exactly one repair retry via contract.BuildContractRepairPrompt
	// before Execute gives up, mirroring
	// original_source/planning.py::validate_output_contract's single
	// retry contract.
	Contract *contract.OutputContract
}

// Execute calls the LLM in JSON mode for task, writes up to MaxFiles
// files, records per-file code artifacts plus a usage_report, and runs
// the template-aware sanitization pass described in spec.md §4.5.
func (co *Coder) Execute(ctx context.Context, c *container.Container, task Task, correctionPrompt string) (Result, error) {
	c.SetActiveRole(container.RoleCoder)

	if co.Quota != nil && co.OwnerKeyHash != "" && (co.Limits.MaxTokensPerDay > 0 || co.Limits.MaxCommandRunsPerDay > 0) {
		if err := co.Quota.CheckDailyBudget(ctx, co.OwnerKeyHash, co.Limits.MaxTokensPerDay, co.Limits.MaxCommandRunsPerDay); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrBudgetExceeded, err)
		}
	}

	maxFiles := co.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	messages := co.buildMessages(c, task, correctionPrompt)
	req := llm.Request{
		Stage: "implementation", Model: co.Model, RequireJSON: true, MaxTokens: 4000,
		Messages: messages,
	}

	startedAt := time.Now().UTC()
	resp, err := co.Gateway.Generate(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("coder: llm call failed: %w", err)
	}

	if co.Contract != nil {
		if _, cErr := contract.ValidateOutputContract(*co.Contract, resp.Text); cErr != nil {
			var violation *contract.ContractViolationError
			if !castContractViolation(cErr, &violation) {
				return Result{}, fmt.Errorf("coder: contract check failed: %w", cErr)
			}
			repair := contract.BuildContractRepairPrompt(*co.Contract, violation.Violations)
			req.Messages = append(req.Messages, llm.Message{Role: "user", Content: repair})
			resp, err = co.Gateway.Generate(ctx, req)
			if err != nil {
				return Result{}, fmt.Errorf("coder: llm call failed on contract repair: %w", err)
			}
			if _, cErr := contract.ValidateOutputContract(*co.Contract, resp.Text); cErr != nil {
				return Result{}, fmt.Errorf("coder: %w", cErr)
			}
		}
	}

	parsed, err := decodeLLMJSON[coderResponse](resp.Text)
	if err != nil {
		preview := &LLMResponseParseError{Reason: "llm_invalid_json", RawText: resp.Text, Err: err}
		_, _ = c.AddArtifact(container.KindCode, map[string]any{
			"reason": "llm_invalid_json", "error": err.Error(), "response_preview": preview.TruncatedText(),
		}, string(container.RoleCoder))
		return Result{}, preview
	}

	files := parsed.Files
	if task.File != "" && len(files) == 0 {
		return Result{}, ErrNoFilesInResponse
	}
	if len(files) > maxFiles {
		files = files[:maxFiles]
	}

	allowedPaths := task.AllowedPaths

	existing := c.Files()
	allPaths := make(map[string]struct{}, len(existing)+len(files))
	for p := range existing {
		allPaths[p] = struct{}{}
	}
	for _, f := range files {
		if clean, err := container.NormalizePath(f.Path); err == nil {
			allPaths[clean] = struct{}{}
		}
	}

	var written []string
	for _, f := range files {
		path, err := co.assertSafePath(f.Path, allowedPaths)
		if err != nil {
			return Result{}, err
		}
		content := co.sanitize(path, f.Content, allPaths)
		if err := c.AddFile(path, []byte(content)); err != nil {
			return Result{}, err
		}
		written = append(written, path)
		_, _ = c.AddArtifact(container.KindCode, map[string]any{
			"file": path, "task": task, "size": len(content), "lines": strings.Count(content, "\n") + 1,
		}, string(container.RoleCoder))
	}
	if len(written) == 0 {
		return Result{}, ErrNoFilesInResponse
	}

	usage := container.UsageRecord{
		Stage: "implementation", Provider: "llm", Model: req.Model,
		TokensIn: resp.Usage.InputTokens, TokensOut: resp.Usage.OutputTokens,
		CreatedAt: time.Now().UTC(),
		Metadata:  map[string]any{"task_type": task.Type},
	}
	c.RecordLLMUsage(usage)

	usageReport := map[string]any{
		"stage": "implementation", "tokens_in": usage.TokensIn, "tokens_out": usage.TokensOut,
		"total_tokens": usage.TokensIn + usage.TokensOut,
		"started_at":   startedAt, "finished_at": time.Now().UTC(), "task": task.Description,
	}
	_, _ = c.AddArtifact(container.KindUsageReport, usageReport, string(container.RoleCoder))

	artifactType := "code_summary"
	artifactContent := any(fmt.Sprintf("Updated files: %s", strings.Join(written, ", ")))
	if plan, ok := parsed.Artifacts["implementation_plan"]; ok && plan != "" {
		artifactType = "implementation_plan"
		artifactContent = plan
	}
	_, _ = c.AddArtifact(container.ArtifactKind(artifactType), artifactContent, string(container.RoleCoder))

	return Result{
		Role:    container.RoleCoder,
		Summary: fmt.Sprintf("wrote %d file(s): %s", len(written), strings.Join(written, ", ")),
		Usage:   &usage,
		Details: map[string]any{"files": written, "artifact_type": artifactType},
	}, nil
}

func (co *Coder) buildMessages(c *container.Container, task Task, correctionPrompt string) []llm.Message {
	view := c.GetRelevantContext(container.RoleCoder)
	constraints := []string{}
	if co.TemplateID == "python_fastapi" {
		constraints = append(constraints,
			"Use root layout with main.py at the repository root. Do not create an app/ directory.",
			"Only import modules that exist in the generated files; do not import api.* unless an api/ package is created.")
	}

	payload := map[string]any{
		"Task": task.Description, "Type": task.Type, "Component": task.Component,
		"Target file": task.File, "Allowed paths": task.AllowedPaths,
		"Context": view, "Constraints": constraints,
	}
	encoded, _ := json.MarshalIndent(payload, "", "  ")

	messages := []llm.Message{
		{Role: "system", Content: coderSystemPrompt},
		{Role: "user", Content: string(encoded)},
	}
	if correctionPrompt != "" {
		messages = append(messages, llm.Message{Role: "user", Content: correctionPrompt})
	}
	return messages
}

const coderSystemPrompt = `You are the Coder agent. Follow the codex rules strictly.
Return JSON only with fields: files (list of {path, content}), artifacts (object with implementation_plan or code_summary).
Do not include secrets or API keys in outputs.`

func (co *Coder) assertSafePath(p string, allowedPaths []string) (string, error) {
	clean, err := container.NormalizePath(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", container.ErrRejectedPath, err)
	}
	if len(allowedPaths) == 0 {
		return clean, nil
	}
	for _, allowed := range allowedPaths {
		allowedClean, err := container.NormalizePath(allowed)
		if err != nil {
			continue
		}
		if clean == allowedClean || strings.HasPrefix(clean, allowedClean+"/") {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: path %q not within allowed paths %v", container.ErrRejectedPath, clean, allowedPaths)
}

// sanitize runs the single template-aware pass spec.md §4.5 calls out:
// a python_fastapi root-layout template rejects "import api.*"/
// "from api" lines in main.py when no api/ package was actually
// generated, since an unresolved import would fail the reviewer's
// compileall/pytest step outright.
func (co *Coder) sanitize(path, content string, allPaths map[string]struct{}) string {
	if co.TemplateID != "python_fastapi" {
		return content
	}
	if path != "main.py" && path != "app/main.py" {
		return content
	}
	hasAPIModule := false
	for candidate := range allPaths {
		if candidate == "api.py" || strings.HasPrefix(candidate, "api/") {
			hasAPIModule = true
			break
		}
	}
	if hasAPIModule {
		return content
	}

	lines := strings.Split(content, "\n")
	var filtered []string
	removed := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "from api") || strings.HasPrefix(trimmed, "import api") || strings.Contains(line, "api_router") {
			removed = true
			continue
		}
		filtered = append(filtered, line)
	}
	if !removed {
		return content
	}
	result := strings.Join(filtered, "\n")
	if strings.HasSuffix(content, "\n") && !strings.HasSuffix(result, "\n") {
		result += "\n"
	}
	return result
}
