package roles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/commandrunner"
	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/llm"
)

func newTestContainer() *container.Container {
	return container.New("proj-1", nil, nil)
}

func newMockGateway() *llm.Gateway {
	return llm.NewGateway(llm.MockProvider{}, 1)
}

func TestResearcherProducesRequirementsAndFiles(t *testing.T) {
	c := newTestContainer()
	r := &Researcher{Gateway: newMockGateway()}

	result, err := r.Execute(context.Background(), c, `{"Task": "Build a CLI tool"}`)
	require.NoError(t, err)
	assert.Equal(t, container.RoleResearcher, result.Role)

	assert.Len(t, c.Artifacts(container.KindRequirements), 1)
	files := c.Files()
	assert.Contains(t, files, "requirements.md")
	assert.Contains(t, files, "user_stories.md")
}

func TestDesignerFailsWithoutRequirements(t *testing.T) {
	c := newTestContainer()
	d := &Designer{Gateway: newMockGateway()}

	_, err := d.Execute(context.Background(), c)
	require.ErrorIs(t, err, ErrNoRequirements)
}

func TestCoderWritesFilesAndArtifacts(t *testing.T) {
	c := newTestContainer()
	co := &Coder{Gateway: newMockGateway(), MaxFiles: 5}

	task := Task{Type: "implement_component", Component: "API", File: "pkg/foo.py", Description: "add a helper"}
	result, err := co.Execute(context.Background(), c, task, "")
	require.NoError(t, err)
	assert.Equal(t, container.RoleCoder, result.Role)

	files := c.Files()
	assert.Contains(t, files, "pkg/foo.py")
	assert.Len(t, c.Artifacts(container.KindCode), 1)
	assert.Len(t, c.Artifacts(container.KindUsageReport), 1)
}

func TestCoderRejectsPathOutsideAllowedPaths(t *testing.T) {
	c := newTestContainer()
	co := &Coder{Gateway: newMockGateway()}

	task := Task{File: "pkg/other.py", AllowedPaths: []string{"pkg/allowed"}}
	_, err := co.Execute(context.Background(), c, task, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, container.ErrRejectedPath)
}

type fakeRunner struct {
	results map[string]commandrunner.Result
}

func (f *fakeRunner) Run(_ context.Context, argv []string, _, purpose string, _ map[string]string) (commandrunner.Result, error) {
	if r, ok := f.results[purpose]; ok {
		return r, nil
	}
	return commandrunner.Result{Ran: true, ExitCode: 0}, nil
}

func TestReviewerApprovesCleanContainer(t *testing.T) {
	c := newTestContainer()
	require.NoError(t, c.AddFile("main.py", []byte("\"\"\"doc\"\"\"\n\ndef f():\n    \"\"\"doc\"\"\"\n    return 1\n")))
	require.NoError(t, c.AddFile("test_main.py", []byte("\"\"\"doc\"\"\"\n\ndef test_f():\n    \"\"\"doc\"\"\"\n    assert True\n")))
	require.NoError(t, c.AddFile("README.md", []byte("# hi")))

	rv := &Reviewer{Runner: &fakeRunner{results: map[string]commandrunner.Result{
		"ruff":       {Ran: true, ExitCode: 0},
		"compileall": {Ran: true, ExitCode: 0},
		"pytest":     {Ran: true, ExitCode: 0},
	}}}

	result, err := rv.Execute(context.Background(), c)
	require.NoError(t, err)
	report := result.Details.(ReviewReport)
	assert.Equal(t, "approved", report.Status)
}

func TestReviewerRejectsOnToolFailure(t *testing.T) {
	c := newTestContainer()
	require.NoError(t, c.AddFile("main.py", []byte("x = 1\n")))

	rv := &Reviewer{Runner: &fakeRunner{results: map[string]commandrunner.Result{
		"ruff":       {Ran: true, ExitCode: 1},
		"compileall": {Ran: true, ExitCode: 1},
	}}}

	result, err := rv.Execute(context.Background(), c)
	require.NoError(t, err)
	report := result.Details.(ReviewReport)
	assert.Equal(t, "rejected", report.Status)
	assert.NotEmpty(t, report.Errors)
}

func TestPlannerRaisesClarificationQuestions(t *testing.T) {
	c := newTestContainer()
	p := &Planner{Gateway: newMockGateway()}

	_, err := p.Execute(context.Background(), c, "ambiguous task scope")
	require.NoError(t, err)
	assert.Len(t, c.Artifacts(container.KindClarificationQuestions), 1)
}
