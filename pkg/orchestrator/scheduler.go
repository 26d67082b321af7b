package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/contract"
	"github.com/autoforge/autoforge/pkg/roles"
)

// nextTask picks the next scheduler-selected sub-task: the first missing
// file per component in target_architecture, then the first Python file
// lacking a test counterpart, finally — for modes with no architecture to
// drive discovery — a synthetic task seeded straight from the task's own
// description. Ported from
// original_source/orchestrator.py::AIOrchestrator._get_next_task, with the
// seeded fallback added because micro_file/small_code plans never run
// research/design and so never populate target_architecture: without it
// the Coder is unreachable on the very first iteration against a fresh
// Container.
func nextTask(c *container.Container, req RunRequest, plan Plan) *roles.Task {
	raw := c.TargetArchitecture()
	if len(raw) > 0 {
		var arch roles.Architecture
		if err := json.Unmarshal(raw, &arch); err == nil {
			if task := nextMissingComponentFile(c, arch); task != nil {
				return task
			}
		}
	}
	if task := nextUntestedFile(c); task != nil {
		return task
	}
	return seedTaskFromDescription(c, req, plan)
}

// seedTaskFromDescription hands the Coder the literal task description
// once, when nothing else schedules work and the Container has produced
// no files yet. Once any file exists, the one-shot seed has already run
// and the loop should stop scheduling, not repeat it forever.
func seedTaskFromDescription(c *container.Container, req RunRequest, plan Plan) *roles.Task {
	if len(c.Files()) > 0 {
		return nil
	}
	switch plan.Mode {
	case contract.ModeMicroFile, contract.ModeSmallCode:
		return &roles.Task{
			Type:         "implement_from_description",
			Description:  req.UserTask,
			AllowedPaths: plan.Contract.AllowedPaths,
		}
	default:
		return nil
	}
}

func nextMissingComponentFile(c *container.Container, arch roles.Architecture) *roles.Task {
	files := c.Files()
	for _, comp := range arch.Components {
		for _, f := range comp.Files {
			if _, ok := files[f]; !ok {
				return &roles.Task{
					Type:        "implement_component",
					Component:   comp.Name,
					File:        f,
					Description: fmt.Sprintf("Implement %s for %s", f, comp.Name),
				}
			}
		}
	}
	return nil
}

func nextUntestedFile(c *container.Container) *roles.Task {
	files := c.Files()
	var pyFiles []string
	for p := range files {
		if strings.HasSuffix(p, ".py") {
			pyFiles = append(pyFiles, p)
		}
	}
	sort.Strings(pyFiles)

	for _, p := range pyFiles {
		if hasTestCounterpart(files, p) {
			continue
		}
		return &roles.Task{
			Type:        "write_tests",
			File:        p,
			Description: fmt.Sprintf("Write tests for %s", p),
		}
	}
	return nil
}

func hasTestCounterpart(files map[string]container.FileEntry, p string) bool {
	base := strings.TrimSuffix(p, ".py")
	candidates := []string{
		base + "_test.py",
		"test_" + p,
		"tests/test_" + p,
	}
	for _, c := range candidates {
		if _, ok := files[c]; ok {
			return true
		}
	}
	return false
}
