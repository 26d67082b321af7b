// Package orchestrator implements the per-task state machine (spec.md
// §4.6): stage sequencing by task mode, the implementation loop, budget/
// termination checks, and the clarification pause point. There is no
// manual-gate pause between stages. Grounded on
// original_source/orchestrator.py::AIOrchestrator.process_task and
// original_source/planning.py::build_task_plan.
package orchestrator

import (
	"regexp"
	"strings"

	"github.com/autoforge/autoforge/pkg/contract"
)

// Plan is the result of classifying a task: which stages to run, how
// many implementation iterations are allowed, and which output contract
// the Coder's responses must satisfy.
type Plan struct {
	Mode          contract.TaskMode
	Stages        []string
	MaxIterations int
	UseReview     bool
	Contract      contract.OutputContract
	Source        string // "heuristic" | "llm" | "fallback" | "default"
}

// WorkflowDefaults mirrors codex.json's workflow block — the stage list
// and iteration ceiling a "project"/"small_code" plan falls back to.
type WorkflowDefaults struct {
	Stages        []string
	MaxIterations int
	ReviewRequired bool
}

// DefaultWorkflow matches original_source's codex default.
func DefaultWorkflow() WorkflowDefaults {
	return WorkflowDefaults{
		Stages:         []string{"research", "design", "planning", "implementation", "review"},
		MaxIterations:  15,
		ReviewRequired: true,
	}
}

const microMaxIterations = 3

var jsonPathPattern = regexp.MustCompile(`"path"\s*:\s*"([^"]+)"`)
var createFilePattern = regexp.MustCompile(`(?i)create a file\s+(\S+)`)

var jsonStrictMarkers = []string{"return exactly this json", "return exact json", "exact json"}

var projectMarkers = []string{
	"fastapi", "website", "next.js", "docker", "crud", "db", "auth",
	"tests", "ci", "api", "rest",
}

// Classify runs the heuristic-first / LLM-second / default-last cascade
// from original_source/planning.py::build_task_plan. The classify
// function is an optional hook for an LLM-based classifier call; pass
// nil to skip straight to the project-mode default when no heuristic
// matches.
func Classify(taskText string, workflow WorkflowDefaults, classify func(taskText string) (contract.TaskMode, contract.OutputContract, bool)) Plan {
	if plan, ok := heuristicPlan(taskText); ok {
		return finalizePlan(plan, workflow)
	}

	if classify != nil {
		if mode, c, ok := classify(taskText); ok {
			return finalizePlan(rawPlan{mode: mode, contract: c, source: "llm"}, workflow)
		}
	}

	return finalizePlan(rawPlan{mode: contract.ModeProject, contract: contract.DefaultContract(contract.ModeProject), source: "fallback"}, workflow)
}

type rawPlan struct {
	mode         contract.TaskMode
	contract     contract.OutputContract
	allowedPaths []string
	source       string
}

func heuristicPlan(taskText string) (rawPlan, bool) {
	lowered := strings.ToLower(taskText)

	strictJSON := containsAny(lowered, jsonStrictMarkers)
	jsonPaths := extractMatches(jsonPathPattern, taskText)
	createPaths := extractMatches(createFilePattern, taskText)
	allowedPaths := dedupe(append(jsonPaths, createPaths...))

	if strictJSON || len(jsonPaths) > 0 || len(createPaths) > 0 {
		one := 1
		c := contract.OutputContract{
			ExactJSONOnly:          true,
			AllowedFilesCount:      &one,
			AllowedPaths:           allowedPaths,
			NoExtraFiles:           true,
			NoExtraTextOutsideJSON: true,
			RequiredTopLevelKeys:   []string{"files"},
		}
		return rawPlan{mode: contract.ModeMicroFile, contract: c, allowedPaths: allowedPaths, source: "heuristic"}, true
	}

	if containsAny(lowered, projectMarkers) {
		return rawPlan{mode: contract.ModeProject, contract: contract.DefaultContract(contract.ModeProject), source: "heuristic"}, true
	}

	return rawPlan{}, false
}

func finalizePlan(p rawPlan, workflow WorkflowDefaults) Plan {
	var stages []string
	var maxIterations int
	useReview := workflow.ReviewRequired

	switch p.mode {
	case contract.ModeMicroFile:
		stages = []string{"implementation"}
		maxIterations = microMaxIterations
		useReview = false
	case contract.ModeSmallCode:
		stages = filterStages(workflow.Stages, "implementation", "review", "design", "planning")
		if len(stages) == 0 {
			stages = []string{"implementation", "review"}
		}
		maxIterations = workflow.MaxIterations
	default:
		stages = append([]string(nil), workflow.Stages...)
		maxIterations = workflow.MaxIterations
	}

	stages = ensureResearchBeforeDesign(stages)
	stages = ensurePlanningAfterDesign(stages)

	return Plan{
		Mode: p.mode, Stages: stages, MaxIterations: maxIterations,
		UseReview: useReview, Contract: p.contract, Source: p.source,
	}
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func extractMatches(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		candidate := strings.Trim(strings.TrimSpace(m[1]), "`\"")
		if candidate != "" {
			out = append(out, candidate)
		}
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func filterStages(stages []string, allowed ...string) []string {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	var out []string
	for _, s := range stages {
		if _, ok := allowedSet[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func ensureResearchBeforeDesign(stages []string) []string {
	designIdx := indexOf(stages, "design")
	if designIdx < 0 || indexOf(stages, "research") >= 0 {
		return stages
	}
	out := append([]string{}, stages[:designIdx]...)
	out = append(out, "research")
	return append(out, stages[designIdx:]...)
}

func ensurePlanningAfterDesign(stages []string) []string {
	designIdx := indexOf(stages, "design")
	planningIdx := indexOf(stages, "planning")
	if planningIdx < 0 || designIdx < 0 || planningIdx > designIdx {
		return stages
	}
	reordered := make([]string, 0, len(stages))
	for _, s := range stages {
		if s != "planning" {
			reordered = append(reordered, s)
		}
	}
	insertAt := indexOf(reordered, "design") + 1
	out := append([]string{}, reordered[:insertAt]...)
	out = append(out, "planning")
	return append(out, reordered[insertAt:]...)
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
