// Package app wires the core packages into the runnable process the
// teacher's cmd/tarsy/main.go assembles inline: configuration,
// persistence, the governor's dispatcher loop, and a per-task
// orchestrator run. It is the integration root for everything the
// specification calls "external interfaces" (HTTP, WebSocket, auth,
// Git hosting) to sit in front of — this package owns only the task
// execution engine side of that boundary.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/autoforge/autoforge/pkg/cleanup"
	"github.com/autoforge/autoforge/pkg/commandrunner"
	"github.com/autoforge/autoforge/pkg/config"
	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/contract"
	"github.com/autoforge/autoforge/pkg/database"
	"github.com/autoforge/autoforge/pkg/governor"
	"github.com/autoforge/autoforge/pkg/llm"
	"github.com/autoforge/autoforge/pkg/orchestrator"
	"github.com/autoforge/autoforge/pkg/patchbuilder"
	"github.com/autoforge/autoforge/pkg/persistence"
	"github.com/autoforge/autoforge/pkg/roles"
	"github.com/autoforge/autoforge/pkg/workspace"
)

// App holds everything a process needs to bootstrap its queue and run
// tasks to completion. One instance lives per process.
type App struct {
	Config  config.Config
	Repo    persistence.Repository
	Gov     *governor.Governor
	Gateway *llm.Gateway
	Metrics *prometheus.Registry

	pool       *pgxpool.Pool
	govMetrics *governor.Metrics
	cleanup    *cleanup.Service
}

// New builds an App from cfg: selects the durable or ephemeral
// persistence mode, constructs the Governor with its quota and rate
// limiter backed by that repository, and wires an LLMGateway for the
// configured provider. It does not start the dispatcher loop; call
// Start for that.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	repo, pool, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: open repository: %w", err)
	}

	quota := governor.NewDailyQuota(repo)
	rateLimiter := governor.NewRateLimiter().WithAuthoritative(repo)
	gov := governor.New(cfg.MaxConcurrentTasks, 0, quota, rateLimiter)

	gateway, err := buildGateway(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build llm gateway: %w", err)
	}

	registry := prometheus.NewRegistry()
	govMetrics := governor.NewMetrics(registry, gov)

	reaper := cleanup.NewService(cleanup.Config{
		WorkspaceRoot:    cfg.WorkspaceRoot,
		TaskTTLDays:      cfg.TaskTTLDays,
		WorkspaceTTLDays: cfg.WorkspaceTTLDays,
		Interval:         cfg.CleanupInterval,
	}, repo)

	return &App{
		Config: cfg, Repo: repo, Gov: gov, Gateway: gateway,
		Metrics: registry, pool: pool, govMetrics: govMetrics, cleanup: reaper,
	}, nil
}

func openRepository(ctx context.Context, cfg config.Config) (persistence.Repository, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" || !cfg.EnableFilePersistence {
		slog.Info("app: using ephemeral in-memory persistence")
		return persistence.NewMemoryRepository(), nil, nil
	}

	pool, err := database.Open(ctx, database.Config{DSN: cfg.DatabaseURL})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("app: connected to durable postgres persistence")
	return persistence.NewPostgresRepository(pool), pool, nil
}

func buildGateway(cfg config.Config) (*llm.Gateway, error) {
	var provider llm.Provider
	switch cfg.LLMProvider {
	case "", "mock":
		provider = llm.MockProvider{}
	case "openai":
		provider = llm.NewHTTPProvider(cfg.LLMAPIKey, "https://api.openai.com/v1", cfg.LLMTimeout)
	case "openai_compatible", "anthropic":
		provider = llm.NewHTTPProvider(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
	return llm.NewGateway(provider, cfg.LLMMaxRetriesPerStep), nil
}

// Close releases the durable connection pool, if one is open.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Start launches the Governor's dispatcher loop bound to a.RunTask, and
// bootstraps it from persistence (crash-recovered "processing" tasks
// flip back to "queued", then every queued task is re-enqueued).
// Returns the number of tasks re-enqueued on bootstrap.
func (a *App) Start(ctx context.Context) (int, error) {
	a.Gov.Start(ctx, a.RunTask)
	a.cleanup.Start(ctx)
	return a.Gov.Bootstrap(ctx, a.Repo)
}

// Stop drains the dispatcher loop and the TTL cleanup loop, letting
// in-flight runners finish.
func (a *App) Stop() {
	a.Gov.Stop()
	a.cleanup.Stop()
}

// SubmitTask is the programmatic equivalent of POST /api/tasks: it is
// the one interface the (out of scope) HTTP surface needs from the
// core to admit a new task. It creates the task row and enqueues it;
// RunTask does the rest when the Governor dequeues it.
func (a *App) SubmitTask(ctx context.Context, description, ownerKeyHash, templateID string) (string, error) {
	taskID := uuid.NewString()
	now := time.Now().UTC()
	if err := a.Repo.CreateTask(ctx, persistence.TaskRecord{
		ID: taskID, Description: description, TemplateID: templateID,
		OwnerKeyHash: ownerKeyHash, Status: "queued", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return "", err
	}
	if err := a.Gov.Enqueue(governor.QueueItem{TaskID: taskID, Description: description, TemplateID: templateID}); err != nil {
		return "", err
	}
	return taskID, nil
}

// SubmitInput records clarification answers for a task parked in
// needs_input, the handler behind POST /api/tasks/{id}/input. It does
// not resume the run by itself; ResumeTask does that once the caller
// has submitted every answer it wants to provide.
func (a *App) SubmitInput(ctx context.Context, taskID string, answers map[string]string) error {
	task, err := a.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(task.ProvidedAnswers)+len(answers))
	for k, v := range task.ProvidedAnswers {
		merged[k] = v
	}
	for k, v := range answers {
		merged[k] = v
	}
	return a.Repo.SetResumeFromStage(ctx, taskID, task.ResumeFromStage, merged)
}

// ResumeTask re-enqueues a task parked in needs_input, handling
// POST /api/tasks/{id}/resume. The task must have a resume_from_stage
// recorded by a prior clarification pause.
func (a *App) ResumeTask(ctx context.Context, taskID string) error {
	task, err := a.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.ResumeFromStage == "" {
		return fmt.Errorf("app: task %s has nothing to resume from", taskID)
	}
	if err := a.Repo.UpdateTaskStatus(ctx, taskID, "queued", nil); err != nil {
		return err
	}
	return a.Gov.Enqueue(governor.QueueItem{
		TaskID: taskID, Description: task.Description, TemplateID: task.TemplateID,
		ResumeFromStage: task.ResumeFromStage, ProvidedAnswers: task.ProvidedAnswers,
	})
}

// RerunReview re-queues a completed or failed task's review stage
// alone, handling POST /api/tasks/{id}/rerun-review.
func (a *App) RerunReview(ctx context.Context, taskID string) error {
	task, err := a.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := a.Repo.UpdateTaskStatus(ctx, taskID, "queued", nil); err != nil {
		return err
	}
	return a.Gov.Enqueue(governor.QueueItem{
		TaskID: taskID, Description: task.Description, TemplateID: task.TemplateID,
		ResumeFromStage: "review",
	})
}

// RunTask is the Governor's RunnerFunc: it owns one task's lifecycle
// end to end, from loading/creating its Container through persisting
// the terminal outcome, per spec.md §5's "each task runner is a
// logically single-threaded sequence of suspension-capable steps."
func (a *App) RunTask(ctx context.Context, item governor.QueueItem) {
	task, err := a.Repo.GetTask(ctx, item.TaskID)
	if err != nil {
		slog.Error("app: task vanished before execution", "task_id", item.TaskID, "error", err)
		return
	}

	if err := a.Repo.UpdateTaskStatus(ctx, item.TaskID, "processing", nil); err != nil {
		slog.Error("app: failed to mark task processing", "task_id", item.TaskID, "error", err)
		return
	}

	ws := workspace.New(a.Config.WorkspaceRoot, item.TaskID)
	if err := ws.Ensure(); err != nil {
		slog.Error("app: failed to create workspace", "task_id", item.TaskID, "error", err)
		a.finish(ctx, item.TaskID, "failed", nil)
		return
	}

	c, err := a.loadOrCreateContainer(ctx, item, task, ws)
	if err != nil {
		slog.Error("app: failed to load container", "task_id", item.TaskID, "error", err)
		a.finish(ctx, item.TaskID, "failed", nil)
		return
	}
	c.SetOwnerKeyHash(task.OwnerKeyHash)

	if err := ws.Materialize(c); err != nil {
		slog.Error("app: failed to materialize workspace", "task_id", item.TaskID, "error", err)
	}

	orch := a.buildOrchestrator(item, ws)
	result, err := orch.Run(ctx, c, orchestrator.RunRequest{
		TaskID: item.TaskID, UserTask: task.Description, TemplateID: item.TemplateID,
		OwnerKeyHash: task.OwnerKeyHash, ResumeFromStage: item.ResumeFromStage,
		ProvidedAnswers: item.ProvidedAnswers,
	})
	if err != nil {
		slog.Warn("app: orchestrator run ended with error", "task_id", item.TaskID, "error", err)
	}

	a.persistSnapshot(ctx, item.TaskID, c)

	switch result.Status {
	case orchestrator.StatusNeedsInput:
		if err := a.Repo.SetResumeFromStage(ctx, item.TaskID, result.ResumeFromStage, nil); err != nil {
			slog.Error("app: failed to record resume stage", "task_id", item.TaskID, "error", err)
		}
		a.finish(ctx, item.TaskID, "needs_input", nil)
	case orchestrator.StatusCompleted:
		a.finishCompleted(ctx, item.TaskID, c)
	default:
		a.finish(ctx, item.TaskID, "failed", nil)
	}
}

func (a *App) loadOrCreateContainer(ctx context.Context, item governor.QueueItem, task persistence.TaskRecord, sink container.FileSink) (*container.Container, error) {
	if item.ResumeFromStage != "" || task.ResumeFromStage != "" {
		c, err := persistence.LoadContainer(ctx, a.Repo, item.TaskID, sink)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	return container.New(item.TaskID, nil, sink), nil
}

func (a *App) buildOrchestrator(item governor.QueueItem, ws *workspace.Workspace) *orchestrator.Orchestrator {
	model := a.Config.LLMModel
	quota := governor.NewDailyQuota(a.Repo)
	limits := roles.BudgetLimits{MaxTokensPerDay: a.Config.MaxTokensPerDay, MaxCommandRunsPerDay: a.Config.MaxCommandRunsPerDay}

	runner := commandrunner.New(commandrunner.Options{
		AllowedCommands: a.Config.AllowedCommands,
		Timeout:         a.Config.CommandTimeout,
		MaxOutputBytes:  a.Config.CommandMaxOutputBytes,
		WorkspaceRoot:   ws.Path,
	}, &eventSink{repo: a.Repo, taskID: item.TaskID})

	o := &orchestrator.Orchestrator{
		Researcher: &roles.Researcher{Gateway: a.Gateway, Model: model},
		Designer:   &roles.Designer{Gateway: a.Gateway, Model: model},
		Planner:    &roles.Planner{Gateway: a.Gateway, Model: model},
		NewCoder: func(req orchestrator.RunRequest, oc contract.OutputContract) *roles.Coder {
			return &roles.Coder{
				Gateway: a.Gateway, Model: model, Quota: quota, Limits: limits,
				OwnerKeyHash: req.OwnerKeyHash, TemplateID: req.TemplateID, Contract: &oc,
			}
		},
		NewReviewer: func(req orchestrator.RunRequest) *roles.Reviewer {
			return &roles.Reviewer{
				Runner: runner, TemplateID: req.TemplateID, Quota: quota, Limits: limits,
				OwnerKeyHash: req.OwnerKeyHash,
			}
		},
		Workflow: orchestrator.DefaultWorkflow(),
		Budget: orchestrator.Budget{
			MaxRetriesPerStep:        a.Config.LLMMaxRetriesPerStep,
			LLMMaxCallsPerTask:       a.Config.LLMMaxCallsPerTask,
			LLMMaxTotalTokensPerTask: a.Config.LLMMaxTotalTokensPerTask,
		},
	}

	o.On(orchestrator.CallbackStageFailed, a.forwardEvent(item.TaskID, "stage_failed"))
	o.On(orchestrator.CallbackStageStarted, a.forwardEvent(item.TaskID, "StageStarted"))
	o.On(orchestrator.CallbackReviewResult, a.forwardEvent(item.TaskID, "ReviewResult"))
	o.On(orchestrator.CallbackLLMUsage, a.forwardEvent(item.TaskID, "llm_usage"))
	o.On(orchestrator.CallbackLLMError, a.forwardEvent(item.TaskID, "llm_error"))
	o.On(orchestrator.CallbackClarificationRequested, a.forwardEvent(item.TaskID, "clarification_requested"))
	return o
}

// forwardEvent returns a CallbackFunc that appends payload as an event
// of the given type, the one way Persistence observes orchestrator
// progress per spec.md §4.6's closing paragraph.
func (a *App) forwardEvent(taskID, eventType string) orchestrator.CallbackFunc {
	return func(ctx context.Context, payload map[string]any) error {
		return a.Repo.AppendEvent(ctx, persistence.EventRecord{
			TaskID: taskID, EventID: uuid.NewString(), EventType: eventType,
			Payload: payload, CreatedAt: time.Now().UTC(),
		})
	}
}

func (a *App) persistSnapshot(ctx context.Context, taskID string, c *container.Container) {
	if err := a.Repo.SaveContainerState(ctx, taskID, c.ToDict()); err != nil {
		slog.Error("app: failed to persist container snapshot", "task_id", taskID, "error", err)
	}

	files := c.Files()
	records := make([]persistence.FileRecord, 0, len(files))
	for path, f := range files {
		sum := sha256.Sum256(f.Content)
		records = append(records, persistence.FileRecord{
			Path: path, Content: f.Content, SHA256: hex.EncodeToString(sum[:]),
			Size: len(f.Content), IsBinary: f.IsBinary,
		})
	}
	if err := a.Repo.SaveTaskFiles(ctx, taskID, records, persistence.DefaultLimits()); err != nil {
		slog.Error("app: failed to persist task files", "task_id", taskID, "error", err)
	}
}

func (a *App) finish(ctx context.Context, taskID, status string, completedAt *time.Time) {
	if err := a.Repo.UpdateTaskStatus(ctx, taskID, status, completedAt); err != nil {
		slog.Error("app: failed to update task status", "task_id", taskID, "status", status, "error", err)
	}
	a.govMetrics.RecordOutcome(status)
}

// finishCompleted runs the PatchBuilder over the finished Container,
// attaches its three artifacts, and marks the task completed. Per
// spec.md §4.10, this always runs on a successful final review.
func (a *App) finishCompleted(ctx context.Context, taskID string, c *container.Container) {
	diff := patchbuilder.BuildPatchDiff(c.BaselineFiles(), c.Files())
	if _, err := c.AddArtifact(container.KindPatchDiff, diff, string(container.RoleReviewer)); err != nil {
		slog.Error("app: failed to record patch_diff artifact", "task_id", taskID, "error", err)
	}

	bundle, err := patchbuilder.BuildGitExportBundle(taskID, diff)
	if err != nil {
		slog.Error("app: failed to build git export bundle", "task_id", taskID, "error", err)
	} else if _, err := c.AddArtifact(container.KindGitExport, bundle, string(container.RoleReviewer)); err != nil {
		slog.Error("app: failed to record git_export artifact", "task_id", taskID, "error", err)
	}

	manifest := patchbuilder.BuildReproManifest(ctx, nil, patchbuilder.ManifestInput{
		TaskID: taskID, TemplateID: c.Metadata().TemplateID, CodexHash: c.Metadata().CodexHash,
	}, time.Now().UTC())
	if _, err := c.AddArtifact(container.KindReproManifest, manifest, string(container.RoleReviewer)); err != nil {
		slog.Error("app: failed to record repro_manifest artifact", "task_id", taskID, "error", err)
	}

	a.persistSnapshot(ctx, taskID, c)
	now := time.Now().UTC()
	a.finish(ctx, taskID, "completed", &now)
}

// eventSink adapts pkg/persistence's Repository onto commandrunner.Sink
// so CommandRunner's command_started/command_finished events and
// command_log artifact flow into the same event/artifact stream every
// other role writes through.
type eventSink struct {
	repo   persistence.Repository
	taskID string
}

func (s *eventSink) EmitEvent(eventType string, payload map[string]any) {
	_ = s.repo.AppendEvent(context.Background(), persistence.EventRecord{
		TaskID: s.taskID, EventID: uuid.NewString(), EventType: eventType,
		Payload: payload, CreatedAt: time.Now().UTC(),
	})
}

func (s *eventSink) EmitArtifact(kind container.ArtifactKind, content any, createdBy string) (string, error) {
	payload, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		decoded = content
	}
	rec, err := s.repo.AddArtifact(context.Background(), persistence.ArtifactRecord{
		TaskID: s.taskID, ArtifactType: string(kind), Payload: decoded,
		ProducedBy: createdBy, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", rec.ID), nil
}
