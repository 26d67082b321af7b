package roles

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/autoforge/autoforge/pkg/commandrunner"
	"github.com/autoforge/autoforge/pkg/container"
)

// CommandRunner is the subset of commandrunner.Runner the Reviewer
// needs, so tests can inject a fake without spawning real processes.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, cwd, purpose string, extraEnv map[string]string) (commandrunner.Result, error)
}

// ToolReport is the ruff/compileall/pytest sub-report shape, matching
// original_source/agents.py::AIReviewer's canned zero-value reports.
type ToolReport struct {
	Ran      bool   `json:"ran"`
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
}

// ReviewReport is the review_report artifact shape.
type ReviewReport struct {
	Status        string       `json:"status"`
	Passed        bool         `json:"passed"`
	Message       string       `json:"message"`
	Issues        []string     `json:"issues"`
	Warnings      []string     `json:"warnings"`
	Errors        []string     `json:"errors"`
	PassedChecks  []string     `json:"passed_checks"`
	FilesReviewed int          `json:"files_reviewed"`
	Ruff          ToolReport   `json:"ruff"`
	Pytest        ToolReport   `json:"pytest"`
	Compileall    ToolReport   `json:"compileall"`
	CommandTimeout bool        `json:"command_timeout"`
}

// Reviewer performs the static + dynamic checks of spec.md §4.5.
type Reviewer struct {
	Runner       CommandRunner
	TemplateID   string
	Quota        QuotaChecker
	Limits       BudgetLimits
	OwnerKeyHash string
}

// Execute reviews every tracked file in c, classifying the result as
// approved, approved_with_warnings, or rejected.
func (rv *Reviewer) Execute(ctx context.Context, c *container.Container) (Result, error) {
	c.SetActiveRole(container.RoleReviewer)

	var issues, warnings, passed []string
	files := c.Files()

	for p, f := range files {
		if f.IsBinary {
			continue
		}
		fi, fw, fp := reviewFile(p, string(f.Content))
		issues = append(issues, fi...)
		warnings = append(warnings, fw...)
		passed = append(passed, fp...)
	}

	if arch := c.TargetArchitecture(); len(arch) > 0 && !skipArchitectureCompliance(rv.TemplateID) {
		ai, aw := checkArchitectureCompliance(c, files)
		issues = append(issues, ai...)
		warnings = append(warnings, aw...)
	}

	var testFiles []string
	for p := range files {
		if strings.Contains(strings.ToLower(p), "test") {
			testFiles = append(testFiles, p)
		}
	}
	if len(testFiles) == 0 {
		warnings = append(warnings, "No test files found")
	} else {
		passed = append(passed, fmt.Sprintf("Found %d test files", len(testFiles)))
	}

	var docFiles []string
	for p := range files {
		if strings.HasSuffix(p, ".md") {
			docFiles = append(docFiles, p)
		}
	}
	if len(docFiles) == 0 {
		warnings = append(warnings, "No documentation files found")
	} else {
		passed = append(passed, fmt.Sprintf("Found %d documentation files", len(docFiles)))
	}

	rv.applyTemplateChecks(files, &issues, &warnings, &passed)

	ruffReport, compileallReport, pytestReport := ToolReport{}, ToolReport{}, ToolReport{}
	var toolWarnings, toolErrors []string

	if len(files) > 0 && rv.Runner != nil {
		ruffReport, compileallReport, pytestReport, toolWarnings, toolErrors = rv.runQualityChecks(ctx, files)
	} else if len(files) == 0 {
		toolWarnings = append(toolWarnings, "No files available for quality checks")
	}

	warnings = append(warnings, toolWarnings...)
	errs := append(append([]string(nil), issues...), toolErrors...)

	timedOut := ruffReport.TimedOut || compileallReport.TimedOut || pytestReport.TimedOut
	passedOverall := len(errs) == 0 && !timedOut

	var status, message string
	switch {
	case passedOverall && len(warnings) > 0:
		status, message = "approved_with_warnings", fmt.Sprintf("Approved with %d warnings", len(warnings))
	case passedOverall:
		status, message = "approved", "All checks passed"
	default:
		status, message = "rejected", fmt.Sprintf("Found %d critical issues", len(errs))
	}

	report := ReviewReport{
		Status: status, Passed: passedOverall, Message: message,
		Issues: issues, Warnings: warnings, Errors: errs, PassedChecks: passed,
		FilesReviewed: len(files), Ruff: ruffReport, Pytest: pytestReport, Compileall: compileallReport,
		CommandTimeout: timedOut,
	}
	if _, err := c.AddArtifact(container.KindReviewReport, report, string(container.RoleReviewer)); err != nil {
		return Result{}, err
	}

	return Result{
		Role:    container.RoleReviewer,
		Summary: message,
		Details: report,
	}, nil
}

func reviewFile(filepath, content string) (issues, warnings, passed []string) {
	lines := strings.Split(content, "\n")

	var longLines []int
	for i, line := range lines {
		if len(line) > 120 {
			longLines = append(longLines, i+1)
		}
	}
	if len(longLines) > 0 {
		info := fmt.Sprintf("%v", longLines)
		warnings = append(warnings, fmt.Sprintf("%s: lines too long: %s", filepath, info))
	} else {
		passed = append(passed, fmt.Sprintf("%s: all lines within 120 characters", filepath))
	}

	if strings.HasSuffix(filepath, ".py") {
		hasModuleDoc := false
		for _, line := range firstN(lines, 5) {
			t := strings.TrimSpace(line)
			if strings.HasPrefix(t, `"""`) || strings.HasPrefix(t, "'''") {
				hasModuleDoc = true
				break
			}
		}
		if !hasModuleDoc {
			warnings = append(warnings, fmt.Sprintf("%s: missing module docstring", filepath))
		} else {
			passed = append(passed, fmt.Sprintf("%s: has module docstring", filepath))
		}

		importCount := 0
		for _, line := range lines {
			t := strings.TrimSpace(line)
			if strings.HasPrefix(t, "import ") || strings.HasPrefix(t, "from ") {
				importCount++
			}
		}
		if importCount > 0 {
			passed = append(passed, fmt.Sprintf("%s: has %d import statements", filepath, importCount))
		}
	}
	return issues, warnings, passed
}

func firstN(s []string, n int) []string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func skipArchitectureCompliance(templateID string) bool {
	return templateID == "python_cli" || templateID == "python_fastapi"
}

func checkArchitectureCompliance(c *container.Container, files map[string]container.FileEntry) (issues, warnings []string) {
	for _, missing := range c.GetDiff() {
		issues = append(issues, missing)
	}
	return issues, warnings
}

func (rv *Reviewer) applyTemplateChecks(files map[string]container.FileEntry, issues, warnings, passed *[]string) {
	switch rv.TemplateID {
	case "python_cli":
		if !hasReadme(files) {
			*issues = append(*issues, "README.md is required for python_cli template")
		} else {
			*passed = append(*passed, "README.md found")
		}
	case "python_fastapi":
		missing := missingRequirements(files, []string{"fastapi", "uvicorn", "pydantic"})
		if len(missing) > 0 {
			*issues = append(*issues, "Missing FastAPI dependencies in requirements.txt: "+strings.Join(missing, ", "))
		} else {
			*passed = append(*passed, "FastAPI dependencies present in requirements.txt")
		}
		if !hasFastAPIApp(files) {
			*issues = append(*issues, "FastAPI app instance not found")
		}
		if !hasFastAPIRoutes(files) {
			*warnings = append(*warnings, "No FastAPI routes detected")
		}
		if !hasHealthEndpoint(files) {
			*issues = append(*issues, "Missing /health endpoint for FastAPI template")
		} else {
			*passed = append(*passed, "Health endpoint found")
		}
	}
}

func hasReadme(files map[string]container.FileEntry) bool {
	for p := range files {
		if strings.EqualFold(path.Base(p), "readme.md") {
			return true
		}
	}
	return false
}

func missingRequirements(files map[string]container.FileEntry, deps []string) []string {
	requirements := ""
	if f, ok := files["requirements.txt"]; ok {
		requirements = string(f.Content)
	}
	var missing []string
	for _, dep := range deps {
		if !strings.Contains(requirements, dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func pyFileContents(files map[string]container.FileEntry) []string {
	var out []string
	for p, f := range files {
		if strings.HasSuffix(p, ".py") && !f.IsBinary {
			out = append(out, string(f.Content))
		}
	}
	return out
}

func hasFastAPIApp(files map[string]container.FileEntry) bool {
	for _, c := range pyFileContents(files) {
		if strings.Contains(c, "FastAPI") && strings.Contains(c, "FastAPI(") {
			return true
		}
	}
	return false
}

func hasFastAPIRoutes(files map[string]container.FileEntry) bool {
	for _, c := range pyFileContents(files) {
		if strings.Contains(c, "@app.") || strings.Contains(c, "include_router") {
			return true
		}
	}
	return false
}

func hasHealthEndpoint(files map[string]container.FileEntry) bool {
	for _, c := range pyFileContents(files) {
		if strings.Contains(c, `"/health"`) || strings.Contains(c, `'/health'`) {
			return true
		}
	}
	return false
}

func hasTests(files map[string]container.FileEntry) bool {
	for p := range files {
		if !strings.HasSuffix(p, ".py") {
			continue
		}
		base := path.Base(p)
		if strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py") || strings.Contains(p, "tests/") {
			return true
		}
	}
	return false
}

func (rv *Reviewer) runQualityChecks(ctx context.Context, files map[string]container.FileEntry) (ruff, compileall, pytest ToolReport, warnings, errs []string) {
	pyFiles := false
	for p := range files {
		if strings.HasSuffix(p, ".py") {
			pyFiles = true
			break
		}
	}

	if pyFiles {
		result, err := rv.Runner.Run(ctx, []string{"ruff", "check", "."}, "", "ruff", nil)
		if err != nil {
			errs = append(errs, fmt.Sprintf("ruff error: %v", err))
		} else {
			ruff = toToolReport(result)
			if result.Error == "command_not_found" {
				errs = append(errs, "ruff executable not found")
			} else if result.ExitCode != 0 {
				warnings = append(warnings, fmt.Sprintf("ruff reported issues (exit code %d)", result.ExitCode))
			}
		}

		result, err = rv.Runner.Run(ctx, []string{"python3", "-m", "compileall", "."}, "", "compileall", nil)
		if err != nil {
			errs = append(errs, fmt.Sprintf("compileall error: %v", err))
		} else {
			compileall = toToolReport(result)
			if result.Error != "" {
				errs = append(errs, fmt.Sprintf("compileall error: %s", result.Error))
			} else if result.ExitCode != 0 {
				errs = append(errs, fmt.Sprintf("compileall failed with exit code %d", result.ExitCode))
			}
		}
	} else {
		warnings = append(warnings, "Ruff skipped: no python files found", "Compileall skipped: no python files found")
	}

	if hasTests(files) {
		result, err := rv.Runner.Run(ctx, []string{"python3", "-m", "pytest", "-q"}, "", "pytest", nil)
		if err != nil {
			errs = append(errs, fmt.Sprintf("pytest error: %v", err))
		} else {
			pytest = toToolReport(result)
			if result.Error != "" {
				errs = append(errs, fmt.Sprintf("pytest error: %s", result.Error))
			} else if result.ExitCode != 0 {
				errs = append(errs, fmt.Sprintf("pytest failed with exit code %d", result.ExitCode))
			}
		}
	} else {
		warnings = append(warnings, "Pytest skipped: no tests found")
	}

	return ruff, compileall, pytest, warnings, errs
}

func toToolReport(r commandrunner.Result) ToolReport {
	return ToolReport{
		Ran: r.Ran, Command: strings.Join(r.Command, " "), ExitCode: r.ExitCode,
		Stdout: r.Stdout, Stderr: r.Stderr, TimedOut: r.TimedOut, Error: r.Error,
	}
}
