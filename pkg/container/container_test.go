package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFileRejectsUnsafePaths(t *testing.T) {
	c := New("proj", nil, nil)

	require.NoError(t, c.AddFile("hello.txt", []byte("hi")))
	assert.Error(t, c.AddFile("/etc/passwd", []byte("x")))
	assert.Error(t, c.AddFile("../escape.txt", []byte("x")))
	assert.Error(t, c.AddFile("", []byte("x")))

	assert.Equal(t, 1, c.FileCount())
}

func TestFileSinkFiresOnAddAndRemove(t *testing.T) {
	var events []string
	sink := recordingSink(func(path string, content []byte, deleted bool) {
		if deleted {
			events = append(events, "del:"+path)
		} else {
			events = append(events, "add:"+path)
		}
	})

	c := New("proj", nil, sink)
	require.NoError(t, c.AddFile("a.txt", []byte("1")))
	require.NoError(t, c.RemoveFile("a.txt"))

	assert.Equal(t, []string{"add:a.txt", "del:a.txt"}, events)
}

type recordingSink func(path string, content []byte, deleted bool)

func (f recordingSink) OnFileChanged(path string, content []byte, deleted bool) {
	f(path, content, deleted)
}

func TestBaselineFilesImmutableAfterCreation(t *testing.T) {
	c := New("proj", map[string][]byte{"README.md": []byte("hello")}, nil)
	baseline := c.BaselineFiles()
	require.Contains(t, baseline, "README.md")

	require.NoError(t, c.AddFile("README.md", []byte("changed")))
	require.NoError(t, c.AddFile("new.txt", []byte("new")))

	stillBaseline := c.BaselineFiles()
	assert.Equal(t, baseline, stillBaseline, "baseline must not change after construction")
}

func TestRecordLLMUsageSummaryMatchesPerCallRecords(t *testing.T) {
	c := New("proj", nil, nil)
	c.RecordLLMUsage(UsageRecord{Stage: "coder", Provider: "mock", Model: "mock-1", TokensIn: 10, TokensOut: 20})
	c.RecordLLMUsage(UsageRecord{Stage: "coder", Provider: "mock", Model: "mock-1", TokensIn: 5, TokensOut: 7})
	c.RecordLLMUsage(UsageRecord{Stage: "reviewer", Provider: "mock", Model: "mock-2", TokensIn: 1, TokensOut: 1})

	md := c.Metadata()
	var sumIn, sumOut int
	for _, r := range md.LLMUsage {
		sumIn += r.TokensIn
		sumOut += r.TokensOut
	}
	assert.Equal(t, sumIn, md.LLMUsageSummary.TotalTokensIn)
	assert.Equal(t, sumOut, md.LLMUsageSummary.TotalTokensOut)
	assert.Equal(t, sumIn+sumOut, md.TotalTokens)
}

func TestUpdateStateErrorRequiresReason(t *testing.T) {
	c := New("proj", nil, nil)
	assert.Error(t, c.UpdateState(StateError, ""))

	require.NoError(t, c.UpdateState(StateError, "boom"))
	found := false
	for _, h := range c.History() {
		if h.Action == "stage_failed" {
			found = true
			assert.Equal(t, "boom", h.Details["reason"])
		}
	}
	assert.True(t, found, "state=error must record a stage_failed history entry")
	assert.Contains(t, c.Errors(), "boom")
}

func TestToDictFromDictRoundTrip(t *testing.T) {
	c := New("proj-1", map[string][]byte{"a.txt": []byte("one")}, nil)
	require.NoError(t, c.AddFile("b.txt", []byte("two")))
	_, err := c.AddArtifact(KindRequirements, map[string]any{"summary": "do the thing"}, "researcher")
	require.NoError(t, err)
	require.NoError(t, c.UpdateState(StateDesign, "designing"))
	c.UpdateProgress(0.5)
	c.RecordLLMUsage(UsageRecord{Stage: "researcher", Provider: "mock", Model: "m1", TokensIn: 3, TokensOut: 4})

	snap := c.ToDict()
	restored := FromDict(snap, nil)

	assert.Equal(t, c.Files(), restored.Files())
	assert.Equal(t, c.AllArtifacts(), restored.AllArtifacts())
	assert.Equal(t, c.History(), restored.History())
	assert.Equal(t, c.Metadata(), restored.Metadata())
	assert.Equal(t, c.State(), restored.State())
	assert.Equal(t, c.Progress(), restored.Progress())
}

func TestGetDiffReportsMissingArchitectureFiles(t *testing.T) {
	c := New("proj", nil, nil)
	require.NoError(t, c.SetTargetArchitecture(map[string]any{
		"components": []map[string]any{
			{"name": "api", "files": []string{"api/main.py", "api/routes.py"}},
		},
	}))
	diffs := c.GetDiff()
	assert.Len(t, diffs, 2)

	require.NoError(t, c.AddFile("api/main.py", []byte("x")))
	require.NoError(t, c.AddFile("api/routes.py", []byte("x")))
	assert.Empty(t, c.GetDiff())
	assert.True(t, c.IsComplete())
}

func TestGetRelevantContextIsRoleScoped(t *testing.T) {
	c := New("proj", nil, nil)
	require.NoError(t, c.AddFile("main.py", []byte("print(1)")))

	rv := c.GetRelevantContext(RoleResearcher).(ResearcherView)
	assert.Equal(t, "proj", rv.ProjectID)

	cv := c.GetRelevantContext(RoleCoder).(CoderView)
	assert.Contains(t, cv.Files, "main.py")

	rev := c.GetRelevantContext(RoleReviewer).(ReviewerView)
	assert.Equal(t, "print(1)", rev.Files["main.py"])
}
