// Package commandrunner executes reviewer tooling (ruff, pytest, ...)
// inside a task's workspace without letting LLM-authored input escape the
// sandbox: only an allowlisted executable basename may run, only inside
// the workspace root, with a hard timeout and truncated captured output.
package commandrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/autoforge/autoforge/pkg/container"
)

// DefaultAllowedCommands mirrors original_source/agents.py's
// DEFAULT_ALLOWED_COMMANDS.
var DefaultAllowedCommands = []string{"ruff", "pytest", "python", "python3"}

const (
	DefaultTimeout        = 60 * time.Second
	DefaultMaxOutputBytes = 20000
)

// Sink receives the events and artifact a run produces. In production
// this is internal/app's eventSink, which writes them to the persistence
// Repository; tests can inject a recording Sink.
type Sink interface {
	EmitEvent(eventType string, payload map[string]any)
	EmitArtifact(kind container.ArtifactKind, content any, createdBy string) (string, error)
}

// Options configures a Runner.
type Options struct {
	AllowedCommands []string
	Timeout         time.Duration
	MaxOutputBytes  int
	WorkspaceRoot   string
}

// Runner executes allowlisted commands inside WorkspaceRoot.
type Runner struct {
	allowed        map[string]struct{}
	timeout        time.Duration
	maxOutputBytes int
	workspaceRoot  string
	sink           Sink
}

// New builds a Runner, applying defaults for zero-value Options fields.
func New(opts Options, sink Sink) *Runner {
	allowed := opts.AllowedCommands
	if len(allowed) == 0 {
		allowed = DefaultAllowedCommands
	}
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOut := opts.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputBytes
	}
	return &Runner{
		allowed:        set,
		timeout:        timeout,
		maxOutputBytes: maxOut,
		workspaceRoot:  opts.WorkspaceRoot,
		sink:           sink,
	}
}

// Result is the full command_log record, emitted as an artifact and
// returned to the caller regardless of success.
type Result struct {
	Ran             bool      `json:"ran"`
	Command         []string  `json:"command"`
	ExitCode        int       `json:"exit_code"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	DurationSeconds float64   `json:"duration_seconds"`
	TimedOut        bool      `json:"timed_out"`
	Blocked         bool      `json:"blocked"`
	Error           string    `json:"error,omitempty"`
	StdoutTruncated bool      `json:"stdout_truncated"`
	StderrTruncated bool      `json:"stderr_truncated"`
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Purpose         string    `json:"purpose"`
}

func truncateUTF8(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut, true
}

// Run executes argv[0] with argv[1:] inside cwd (workspace-relative; the
// empty string means the workspace root itself).
func (r *Runner) Run(ctx context.Context, argv []string, cwd, purpose string, extraEnv map[string]string) (Result, error) {
	runID := uuid.NewString()
	started := time.Now().UTC()
	result := Result{RunID: runID, Command: argv, StartedAt: started, Purpose: purpose}

	if len(argv) == 0 {
		result.Blocked = true
		result.Error = "command_not_allowed"
		result.FinishedAt = time.Now().UTC()
		r.finish(result)
		return result, nil
	}

	base := filepath.Base(argv[0])
	if _, ok := r.allowed[base]; !ok {
		result.Blocked = true
		result.Error = "command_not_allowed"
		result.FinishedAt = time.Now().UTC()
		r.finish(result)
		return result, nil
	}

	resolvedCwd, err := r.resolveCwd(cwd)
	if err != nil {
		result.Blocked = true
		result.Error = "cwd_outside_workspace"
		result.FinishedAt = time.Now().UTC()
		r.finish(result)
		return result, nil
	}

	r.emitEvent("command_started", map[string]any{
		"run_id": runID, "command": argv, "purpose": purpose, "cwd": resolvedCwd,
	})

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = resolvedCwd
	env := os.Environ()
	for k, v := range extraEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result.FinishedAt = time.Now().UTC()
	result.DurationSeconds = result.FinishedAt.Sub(started).Seconds()

	result.Stdout, result.StdoutTruncated = truncateUTF8(stdout.String(), r.maxOutputBytes)
	result.Stderr, result.StderrTruncated = truncateUTF8(stderr.String(), r.maxOutputBytes)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.Error = "timeout"
		result.Ran = false
	case errors.Is(runErr, exec.ErrNotFound):
		result.Error = "command_not_found"
		result.Ran = false
	default:
		var execErr *exec.Error
		if errors.As(runErr, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			result.Error = "command_not_found"
			result.Ran = false
			break
		}
		result.Ran = true
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else if runErr != nil {
			result.Error = runErr.Error()
		}
	}

	r.finish(result)
	return result, nil
}

func (r *Runner) resolveCwd(cwd string) (string, error) {
	root := r.workspaceRoot
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := absRoot
	if cwd != "" {
		clean, perr := container.NormalizePath(cwd)
		if perr != nil {
			return "", perr
		}
		target = filepath.Join(absRoot, clean)
	}
	rel, err := filepath.Rel(absRoot, target)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q escapes workspace root", cwd)
	}
	return target, nil
}

func (r *Runner) finish(result Result) {
	r.emitEvent("command_finished", map[string]any{
		"run_id": result.RunID, "blocked": result.Blocked, "ran": result.Ran,
		"exit_code": result.ExitCode, "timed_out": result.TimedOut, "error": result.Error,
	})
	if r.sink != nil {
		_, _ = r.sink.EmitArtifact(container.KindCommandLog, result, "command_runner")
	}
}

func (r *Runner) emitEvent(eventType string, payload map[string]any) {
	if r.sink != nil {
		r.sink.EmitEvent(eventType, payload)
	}
}
