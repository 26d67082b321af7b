package patchbuilder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/commandrunner"
	"github.com/autoforge/autoforge/pkg/container"
)

func baselineOf(content string) container.BaselineFile {
	return container.BaselineFile{SHA256: sha256Hex([]byte(content)), Size: len(content), Content: []byte(content)}
}

func TestBuildPatchDiffClassifiesAddedModifiedRemoved(t *testing.T) {
	baseline := map[string]container.BaselineFile{
		"main.py":  baselineOf("print('v1')\n"),
		"old.py":   baselineOf("# stale\n"),
		"same.py":  baselineOf("unchanged\n"),
	}
	final := map[string]container.FileEntry{
		"main.py": {Content: []byte("print('v2')\n")},
		"same.py": {Content: []byte("unchanged\n")},
		"new.py":  {Content: []byte("print('new')\n")},
	}

	payload := BuildPatchDiff(baseline, final)

	byPath := make(map[string]FileChange, len(payload.ChangedFiles))
	for _, fc := range payload.ChangedFiles {
		byPath[fc.Path] = fc
	}

	require.Contains(t, byPath, "main.py")
	assert.Equal(t, ChangeModified, byPath["main.py"].ChangeType)
	require.Contains(t, byPath, "old.py")
	assert.Equal(t, ChangeRemoved, byPath["old.py"].ChangeType)
	require.Contains(t, byPath, "new.py")
	assert.Equal(t, ChangeAdded, byPath["new.py"].ChangeType)
	assert.NotContains(t, byPath, "same.py")

	assert.Equal(t, 3, payload.Stats.ChangedTotal)
	assert.Equal(t, 1, payload.Stats.Added)
	assert.Equal(t, 1, payload.Stats.Removed)
	assert.Equal(t, 1, payload.Stats.Modified)
	assert.Contains(t, payload.Diff, "-print('v1')")
	assert.Contains(t, payload.Diff, "+print('v2')")
}

func TestBuildPatchDiffMarksBinaryFilesWithoutDiffingContent(t *testing.T) {
	baseline := map[string]container.BaselineFile{
		"logo.png": {SHA256: "aaa", Size: 4, IsBinary: true},
	}
	final := map[string]container.FileEntry{
		"logo.png": {Content: []byte{0xff, 0xd8, 0xff, 0x00}, IsBinary: true},
	}

	payload := BuildPatchDiff(baseline, final)

	require.Len(t, payload.ChangedFiles, 1)
	assert.True(t, payload.ChangedFiles[0].IsBinary)
	assert.Equal(t, 1, payload.Stats.BinaryFiles)
	assert.Equal(t, 0, payload.Stats.TextFiles)
	assert.Empty(t, payload.Diff)
}

func TestBuildGitExportBundleIncludesApplyScriptAndReadme(t *testing.T) {
	payload := BuildPatchDiff(
		map[string]container.BaselineFile{},
		map[string]container.FileEntry{"main.py": {Content: []byte("print('hi')\n")}},
	)

	bundle, err := BuildGitExportBundle("task-123", payload)
	require.NoError(t, err)

	assert.Equal(t, payload.Diff, bundle.Files["patch.diff"])
	assert.Contains(t, bundle.Files["apply.sh"], "git apply --index")
	assert.Contains(t, bundle.Files["README_APPLY.md"], "task-123")
	assert.Contains(t, bundle.Files["changed_files.json"], "main.py")
	assert.Equal(t, payload.Stats, bundle.PatchStats)
}

type fakeToolRunner struct {
	versions map[string]string
}

func (f *fakeToolRunner) Run(_ context.Context, argv []string, _ string, _ string, _ map[string]string) (commandrunner.Result, error) {
	key := strings.Join(argv, " ")
	return commandrunner.Result{Ran: true, Stdout: f.versions[key]}, nil
}

func TestBuildReproManifestFingerprintsToolchainAndRequirements(t *testing.T) {
	runner := &fakeToolRunner{versions: map[string]string{
		"ruff --version":                "ruff 0.8.0\n",
		"python3 -m pytest --version": "pytest 8.3.0\n",
	}}
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	manifest := BuildReproManifest(context.Background(), runner, ManifestInput{
		TaskID:       "task-123",
		CodexHash:    "abc123",
		TemplateID:   "python_fastapi",
		Requirements: []byte("fastapi==0.110.0\n"),
	}, now)

	assert.Equal(t, "task-123", manifest.TaskID)
	assert.Equal(t, now, manifest.GeneratedAt)
	assert.Equal(t, "requirements.txt", manifest.RequirementsPath)
	assert.NotEmpty(t, manifest.RequirementsSHA256)
	assert.Equal(t, "ruff 0.8.0", manifest.RuffVersion)
	assert.Equal(t, "pytest 8.3.0", manifest.PytestVersion)
	assert.Equal(t, "abc123", manifest.CodexHash)
}

func TestBuildReproManifestSkipsToolVersionsWithoutRunner(t *testing.T) {
	manifest := BuildReproManifest(context.Background(), nil, ManifestInput{TaskID: "task-1"}, time.Now().UTC())
	assert.Empty(t, manifest.RuffVersion)
	assert.Empty(t, manifest.PytestVersion)
	assert.Empty(t, manifest.RequirementsSHA256)
}
