package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/contract"
	"github.com/autoforge/autoforge/pkg/roles"
)

// ErrMaxIterationsExhausted is the terminal reason when the
// implementation loop runs out of iterations without an approval.
var ErrMaxIterationsExhausted = errors.New("orchestrator: max_iterations_exhausted")

// ErrFinalReviewFailed is the terminal reason when the closing review
// rejects the result.
var ErrFinalReviewFailed = errors.New("orchestrator: final_review_failed")

// ErrLLMBudgetExhausted is raised when a per-task call/token ceiling is
// hit before a role's LLM call would otherwise run.
var ErrLLMBudgetExhausted = errors.New("orchestrator: llm_budget_exhausted")

// Budget bounds the work a single task run may spend, per spec.md
// §4.6's "Budget and termination" paragraph.
type Budget struct {
	MaxRetriesPerStep        int // per-step LLM-call retry budget; 0 means 2
	LLMMaxCallsPerTask       int // 0 disables the cap
	LLMMaxTotalTokensPerTask int // 0 disables the cap
}

func (b Budget) retries() int {
	if b.MaxRetriesPerStep <= 0 {
		return 2
	}
	return b.MaxRetriesPerStep
}

// RunRequest is one task execution request handed to Orchestrator.Run.
type RunRequest struct {
	TaskID          string
	UserTask        string
	TemplateID      string
	OwnerKeyHash    string
	ResumeFromStage string
	ProvidedAnswers map[string]string
}

// Status is the terminal or suspended state Run returns.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNeedsInput Status = "needs_input"
)

// Result is what Run returns: either a terminal outcome or a
// clarification pause with enough state to resume later.
type Result struct {
	Status          Status
	FailureReason   string
	Iterations      int
	Questions       []roles.ClarificationQuestion
	ResumeFromStage string
}

// Orchestrator sequences Researcher/Designer/Planner/Coder/Reviewer
// over a Container per spec.md §4.6, grounded on
// original_source/orchestrator.py::AIOrchestrator.process_task.
type Orchestrator struct {
	Researcher *roles.Researcher
	Designer   *roles.Designer
	Planner    *roles.Planner

	// NewCoder/NewReviewer build a fresh role instance per task run so
	// per-owner quota/limits/template wiring can be closed over by the
	// caller without the Orchestrator depending on pkg/governor.
	NewCoder    func(req RunRequest, c contract.OutputContract) *roles.Coder
	NewReviewer func(req RunRequest) *roles.Reviewer

	Workflow WorkflowDefaults
	Budget   Budget

	// Classify is an optional LLM-backed mode classifier consulted only
	// when the heuristic cascade in Classify() finds nothing.
	Classify func(taskText string) (contract.TaskMode, contract.OutputContract, bool)

	callbacks map[string][]CallbackFunc
}

type budgetTracker struct {
	calls  int
	tokens int
	budget Budget
}

func (t *budgetTracker) record(u *container.UsageRecord) {
	if u == nil {
		return
	}
	t.calls++
	t.tokens += u.TokensIn + u.TokensOut
}

func (t *budgetTracker) exhausted() bool {
	if t.budget.LLMMaxCallsPerTask > 0 && t.calls >= t.budget.LLMMaxCallsPerTask {
		return true
	}
	if t.budget.LLMMaxTotalTokensPerTask > 0 && t.tokens >= t.budget.LLMMaxTotalTokensPerTask {
		return true
	}
	return false
}

// Run drives c through the stages its classified Plan names, stopping
// at a pause point or a terminal state. c must already exist — freshly
// created for a new task, or reloaded from persistence for a resume;
// loading/creating it is the caller's responsibility (spec.md §4.8).
func (o *Orchestrator) Run(ctx context.Context, c *container.Container, req RunRequest) (Result, error) {
	workflow := o.Workflow
	if len(workflow.Stages) == 0 {
		workflow = DefaultWorkflow()
	}
	plan := Classify(req.UserTask, workflow, o.Classify)
	c.SetTemplate(req.TemplateID, "")
	c.SetOwnerKeyHash(req.OwnerKeyHash)
	c.SetIterations(0, plan.MaxIterations)

	stages := plan.Stages
	if req.ResumeFromStage != "" {
		stages = stagesFromInclusive(stages, req.ResumeFromStage)
	}

	if req.ResumeFromStage != "" && len(req.ProvidedAnswers) > 0 {
		if _, err := c.AddArtifact(container.KindRequirements, map[string]any{
			"clarification_answers": req.ProvidedAnswers,
		}, "orchestrator"); err != nil {
			return Result{}, err
		}
	}

	tracker := &budgetTracker{budget: o.Budget}

	for _, stage := range stages {
		if err := o.emit(ctx, CallbackStageStarted, map[string]any{"task_id": req.TaskID, "stage": stage}); err != nil {
			return Result{}, err
		}

		switch stage {
		case "research":
			if len(c.Artifacts(container.KindRequirements)) > 0 {
				continue
			}
			result, paused, err := o.runResearch(ctx, c, req, tracker)
			if err != nil {
				return o.fail(ctx, c, req, "research", err)
			}
			if paused != nil {
				return *paused, nil
			}
			_ = result

		case "design":
			if len(c.Artifacts(container.KindArchitecture)) > 0 {
				continue
			}
			if err := o.runDesign(ctx, c, req, tracker); err != nil {
				return o.fail(ctx, c, req, "design", err)
			}

		case "planning":
			// Only the research stage decides whether planning is
			// needed (it raised questions); if we reach here without
			// having paused, there is nothing further to plan.
			continue

		case "implementation":
			if err := c.UpdateState(container.StateImplementation, "Implementing solution"); err != nil {
				return Result{}, err
			}
			iterations, err := o.runImplementationLoop(ctx, c, req, plan, tracker)
			if err != nil {
				return o.fail(ctx, c, req, "implementation", err)
			}
			if err := c.UpdateState(container.StateImplementation, fmt.Sprintf("completed %d iteration(s)", iterations)); err != nil {
				return Result{}, err
			}

		case "review":
			if !plan.UseReview {
				continue
			}
			if err := o.runFinalReview(ctx, c, req); err != nil {
				return o.fail(ctx, c, req, "review", err)
			}
		}
	}

	if c.State() != container.StateComplete {
		if err := c.UpdateState(container.StateComplete, "Project completed"); err != nil {
			return Result{}, err
		}
		c.UpdateProgress(1.0)
	}

	return Result{Status: StatusCompleted, Iterations: c.Metadata().Iterations}, nil
}

func (o *Orchestrator) fail(ctx context.Context, c *container.Container, req RunRequest, stage string, cause error) (Result, error) {
	reason := cause.Error()
	_ = c.UpdateState(container.StateError, reason)
	_ = o.emit(ctx, CallbackStageFailed, map[string]any{
		"task_id": req.TaskID, "stage": stage, "reason": reason,
	})
	return Result{Status: StatusFailed, FailureReason: reason}, nil
}

func (o *Orchestrator) runResearch(ctx context.Context, c *container.Container, req RunRequest, tracker *budgetTracker) (*roles.Result, *Result, error) {
	if tracker.exhausted() {
		return nil, nil, ErrLLMBudgetExhausted
	}
	if err := c.UpdateState(container.StateResearch, "Analyzing requirements"); err != nil {
		return nil, nil, err
	}

	result, err := o.Researcher.Execute(ctx, c, req.UserTask)
	if err != nil {
		_ = o.emit(ctx, CallbackLLMError, map[string]any{"task_id": req.TaskID, "stage": "research", "error": err.Error()})
		return nil, nil, err
	}
	tracker.record(result.Usage)
	_ = o.emit(ctx, CallbackLLMUsage, map[string]any{"task_id": req.TaskID, "stage": "research", "usage": result.Usage})
	_ = o.emit(ctx, CallbackResearchComplete, map[string]any{"task_id": req.TaskID, "summary": result.Summary})

	doc, ok := result.Details.(roles.RequirementsDoc)
	if ok && len(doc.QuestionsToUser) > 0 && o.Planner != nil {
		planResult, err := o.Planner.Execute(ctx, c, "research flagged open questions")
		if err != nil {
			return nil, nil, err
		}
		tracker.record(planResult.Usage)
		questions, _ := planResult.Details.([]roles.ClarificationQuestion)

		_ = o.emit(ctx, CallbackClarificationRequested, map[string]any{
			"task_id": req.TaskID, "questions": questions, "resume_from_stage": "design",
		})
		return &result, &Result{
			Status: StatusNeedsInput, Questions: questions, ResumeFromStage: "design",
		}, nil
	}

	return &result, nil, nil
}

func (o *Orchestrator) runDesign(ctx context.Context, c *container.Container, req RunRequest, tracker *budgetTracker) error {
	if tracker.exhausted() {
		return ErrLLMBudgetExhausted
	}
	if err := c.UpdateState(container.StateDesign, "Creating architecture"); err != nil {
		return err
	}
	result, err := o.Designer.Execute(ctx, c)
	if err != nil {
		_ = o.emit(ctx, CallbackLLMError, map[string]any{"task_id": req.TaskID, "stage": "design", "error": err.Error()})
		return err
	}
	tracker.record(result.Usage)
	_ = o.emit(ctx, CallbackLLMUsage, map[string]any{"task_id": req.TaskID, "stage": "design", "usage": result.Usage})
	_ = o.emit(ctx, CallbackDesignComplete, map[string]any{"task_id": req.TaskID, "summary": result.Summary})
	return nil
}

// runImplementationLoop is spec.md §4.6's central algorithm: schedule a
// task, run the Coder (with up to Budget.retries() correction attempts
// on a parse failure), conditionally review, tick progress.
func (o *Orchestrator) runImplementationLoop(ctx context.Context, c *container.Container, req RunRequest, plan Plan, tracker *budgetTracker) (int, error) {
	coder := o.NewCoder(req, plan.Contract)
	var reviewer *roles.Reviewer
	if plan.UseReview && o.NewReviewer != nil {
		reviewer = o.NewReviewer(req)
	}

	iteration := 0
	var correctionPrompt string

	for !c.IsComplete() && iteration < plan.MaxIterations {
		task := nextTask(c, req, plan)
		if task == nil {
			break
		}
		iteration++
		c.SetIterations(iteration, plan.MaxIterations)
		c.SetCurrentTask(task.Description)

		var coderResult roles.Result
		var lastErr error
		attempts := o.Budget.retries()
		for attempt := 0; attempt <= attempts; attempt++ {
			if tracker.exhausted() {
				return iteration, ErrLLMBudgetExhausted
			}
			coderResult, lastErr = coder.Execute(ctx, c, *task, correctionPrompt)
			if lastErr == nil {
				tracker.record(coderResult.Usage)
				break
			}
			var parseErr *roles.LLMResponseParseError
			if !errors.As(lastErr, &parseErr) {
				break
			}
			correctionPrompt = fmt.Sprintf("Your previous response failed to parse: %s. Return valid JSON only.", parseErr.Reason)
		}
		if lastErr != nil {
			_ = o.emit(ctx, CallbackLLMError, map[string]any{"task_id": req.TaskID, "stage": "implementation", "error": lastErr.Error()})
			return iteration, lastErr
		}
		correctionPrompt = ""
		_ = o.emit(ctx, CallbackLLMUsage, map[string]any{"task_id": req.TaskID, "stage": "implementation", "usage": coderResult.Usage})
		_ = o.emit(ctx, CallbackCoderFinished, map[string]any{"task_id": req.TaskID, "summary": coderResult.Summary})

		if reviewer != nil {
			_ = o.emit(ctx, CallbackReviewStarted, map[string]any{"task_id": req.TaskID, "iteration": iteration})
			reviewResult, err := reviewer.Execute(ctx, c)
			if err != nil {
				return iteration, err
			}
			_ = o.emit(ctx, CallbackReviewFinished, map[string]any{"task_id": req.TaskID, "iteration": iteration})
			report, _ := reviewResult.Details.(roles.ReviewReport)
			_ = o.emit(ctx, CallbackReviewResult, map[string]any{
				"task_id": req.TaskID, "status": report.Status, "passed": report.Passed,
			})
			if report.Status == "approved" || report.Status == "approved_with_warnings" {
				c.UpdateProgress(float64(iteration) / float64(plan.MaxIterations))
			} else {
				correctionPrompt = buildReviewCorrectionPrompt(report)
			}
		} else {
			c.UpdateProgress(float64(iteration) / float64(plan.MaxIterations))
		}
	}

	if iteration >= plan.MaxIterations && !c.IsComplete() {
		return iteration, ErrMaxIterationsExhausted
	}
	return iteration, nil
}

func buildReviewCorrectionPrompt(report roles.ReviewReport) string {
	if len(report.Errors) == 0 {
		return ""
	}
	msg := "The reviewer rejected your last change: "
	for i, e := range report.Errors {
		if i > 0 {
			msg += "; "
		}
		msg += e
	}
	return msg
}

func (o *Orchestrator) runFinalReview(ctx context.Context, c *container.Container, req RunRequest) error {
	if err := c.UpdateState(container.StateReview, "Final quality check"); err != nil {
		return err
	}
	reviewer := o.NewReviewer(req)

	_ = o.emit(ctx, CallbackReviewStarted, map[string]any{"task_id": req.TaskID, "iteration": "final"})
	result, err := reviewer.Execute(ctx, c)
	if err != nil {
		return err
	}
	_ = o.emit(ctx, CallbackReviewFinished, map[string]any{"task_id": req.TaskID, "iteration": "final"})

	report, _ := result.Details.(roles.ReviewReport)
	_ = o.emit(ctx, CallbackReviewResult, map[string]any{
		"task_id": req.TaskID, "status": report.Status, "passed": report.Passed,
	})

	if report.Status == "approved" || report.Status == "approved_with_warnings" {
		if err := c.UpdateState(container.StateComplete, "Project completed"); err != nil {
			return err
		}
		c.UpdateProgress(1.0)
		return nil
	}
	return ErrFinalReviewFailed
}

// stagesFromInclusive returns the suffix of stages starting at (and
// including) resumeFrom, so a resumed task skips stages whose artifacts
// already exist rather than redoing them.
func stagesFromInclusive(stages []string, resumeFrom string) []string {
	idx := indexOf(stages, resumeFrom)
	if idx < 0 {
		return stages
	}
	return stages[idx:]
}
