package patchbuilder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"runtime"
	"strings"
	"time"

	"github.com/autoforge/autoforge/pkg/commandrunner"
)

// ToolVersionRunner is the subset of commandrunner.Runner the manifest
// builder needs to fingerprint the generated project's toolchain.
type ToolVersionRunner interface {
	Run(ctx context.Context, argv []string, cwd, purpose string, extraEnv map[string]string) (commandrunner.Result, error)
}

// ReviewSummary is the condensed review_report view the manifest embeds,
// per original_source's resolve_latest_review_summary.
type ReviewSummary struct {
	Passed      bool   `json:"passed"`
	Status      string `json:"status"`
	IssuesCount int    `json:"issues_count"`
}

// ReproManifest is the repro_manifest artifact shape: enough to
// reproduce the environment a task's reviewer checks ran under.
type ReproManifest struct {
	TaskID             string        `json:"task_id"`
	GeneratedAt        time.Time     `json:"generated_at"`
	CreatedAt          *time.Time    `json:"created_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	GoVersion          string        `json:"go_version"`
	Platform           string        `json:"platform"`
	RequirementsPath   string        `json:"requirements_path,omitempty"`
	RequirementsSHA256 string        `json:"requirements_sha256,omitempty"`
	RuffVersion        string        `json:"ruff_version,omitempty"`
	PytestVersion      string        `json:"pytest_version,omitempty"`
	CodexHash          string        `json:"codex_hash,omitempty"`
	TemplateID         string        `json:"template_id,omitempty"`
	TemplateHash       string        `json:"template_hash,omitempty"`
	ReviewSummary      ReviewSummary `json:"review_summary"`
}

// ManifestInput carries the container-derived fields the manifest needs,
// so this package doesn't have to import pkg/container directly for a
// handful of metadata strings.
type ManifestInput struct {
	TaskID        string
	CreatedAt     *time.Time
	CompletedAt   *time.Time
	CodexHash     string
	TemplateID    string
	TemplateHash  string
	ReviewSummary ReviewSummary
	Requirements  []byte // the generated project's requirements.txt, if present
}

// BuildReproManifest fingerprints the generated project's toolchain by
// shelling out to ruff/pytest --version through runner (nil skips both,
// leaving those fields empty) and hashing requirements.txt when the
// generated project carries one.
func BuildReproManifest(ctx context.Context, runner ToolVersionRunner, in ManifestInput, now time.Time) ReproManifest {
	m := ReproManifest{
		TaskID:        in.TaskID,
		GeneratedAt:   now,
		CreatedAt:     in.CreatedAt,
		CompletedAt:   in.CompletedAt,
		GoVersion:     runtime.Version(),
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		CodexHash:     in.CodexHash,
		TemplateID:    in.TemplateID,
		TemplateHash:  in.TemplateHash,
		ReviewSummary: in.ReviewSummary,
	}

	if len(in.Requirements) > 0 {
		m.RequirementsPath = "requirements.txt"
		sum := sha256.Sum256(in.Requirements)
		m.RequirementsSHA256 = hex.EncodeToString(sum[:])
	}

	if runner != nil {
		m.RuffVersion = toolVersion(ctx, runner, "ruff", "--version")
		m.PytestVersion = toolVersion(ctx, runner, "python3", "-m", "pytest", "--version")
	}

	return m
}

func toolVersion(ctx context.Context, runner ToolVersionRunner, argv ...string) string {
	result, err := runner.Run(ctx, argv, "", "tool_version", nil)
	if err != nil || result.Error != "" {
		return ""
	}
	output := strings.TrimSpace(result.Stdout)
	if output == "" {
		output = strings.TrimSpace(result.Stderr)
	}
	return output
}
