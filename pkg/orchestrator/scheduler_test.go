package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/contract"
	"github.com/autoforge/autoforge/pkg/roles"
)

func TestNextTaskSeedsFromDescriptionWhenNothingElseSchedules(t *testing.T) {
	c := container.New("proj-1", nil, nil)
	plan := Plan{Mode: contract.ModeMicroFile, Contract: contract.OutputContract{AllowedPaths: []string{"hello.txt"}}}
	req := RunRequest{UserTask: `Return EXACTLY this JSON: {"files":[{"path":"hello.txt","content":"hi"}]}`}

	task := nextTask(c, req, plan)
	require.NotNil(t, task)
	assert.Equal(t, req.UserTask, task.Description)
	assert.Equal(t, []string{"hello.txt"}, task.AllowedPaths)
}

func TestNextTaskDoesNotReseedOnceAFileExists(t *testing.T) {
	c := container.New("proj-2", nil, nil)
	require.NoError(t, c.AddFile("hello.txt", []byte("hi")))
	plan := Plan{Mode: contract.ModeMicroFile}
	req := RunRequest{UserTask: "anything"}

	assert.Nil(t, nextTask(c, req, plan))
}

func TestNextTaskDoesNotSeedInProjectMode(t *testing.T) {
	c := container.New("proj-3", nil, nil)
	plan := Plan{Mode: contract.ModeProject}
	req := RunRequest{UserTask: "Build a FastAPI service"}

	assert.Nil(t, nextTask(c, req, plan), "project mode relies on target_architecture, not a seeded description task")
}

func TestNextTaskPrefersArchitectureOverSeed(t *testing.T) {
	c := container.New("proj-4", nil, nil)
	arch := roles.Architecture{Components: []roles.Component{{Name: "api", Files: []string{"main.py"}}}}
	require.NoError(t, c.SetTargetArchitecture(arch))

	plan := Plan{Mode: contract.ModeProject}
	req := RunRequest{UserTask: "Build a FastAPI service"}

	task := nextTask(c, req, plan)
	require.NotNil(t, task)
	assert.Equal(t, "main.py", task.File)
}
