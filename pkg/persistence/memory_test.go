package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/container"
)

func TestMemoryRepositoryCreateAndGetTask(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.CreateTask(ctx, TaskRecord{ID: "t1", Description: "build a thing"})
	require.NoError(t, err)

	got, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, "build a thing", got.Description)

	_, err = repo.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryRepositoryUpdateTaskStatus(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateTask(ctx, TaskRecord{ID: "t1"}))

	now := time.Now().UTC()
	require.NoError(t, repo.UpdateTaskStatus(ctx, "t1", "completed", &now))

	got, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.CompletedAt)

	err = repo.UpdateTaskStatus(ctx, "missing", "completed", nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryRepositoryAppendEventIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	event := EventRecord{TaskID: "t1", EventID: "e1", EventType: "stage_started", Payload: map[string]any{"stage": "research"}}
	require.NoError(t, repo.AppendEvent(ctx, event))
	require.NoError(t, repo.AppendEvent(ctx, event))

	events, err := repo.ListEvents(ctx, "t1", 0, false)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemoryRepositoryListEventsOrdering(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.AppendEvent(ctx, EventRecord{TaskID: "t1", EventID: "e1", CreatedAt: time.Unix(1, 0)}))
	require.NoError(t, repo.AppendEvent(ctx, EventRecord{TaskID: "t1", EventID: "e2", CreatedAt: time.Unix(2, 0)}))

	ascending, err := repo.ListEvents(ctx, "t1", 0, false)
	require.NoError(t, err)
	require.Len(t, ascending, 2)
	assert.Equal(t, "e1", ascending[0].EventID)

	descending, err := repo.ListEvents(ctx, "t1", 0, true)
	require.NoError(t, err)
	require.Len(t, descending, 2)
	assert.Equal(t, "e2", descending[0].EventID)
}

func TestMemoryRepositoryArtifacts(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	a1, err := repo.AddArtifact(ctx, ArtifactRecord{TaskID: "t1", ArtifactType: "research_findings", Payload: map[string]any{"summary": "ok"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a1.ID)

	_, err = repo.AddArtifact(ctx, ArtifactRecord{TaskID: "t1", ArtifactType: "design_doc"})
	require.NoError(t, err)

	findings, err := repo.ListArtifacts(ctx, "t1", "research_findings", 0)
	require.NoError(t, err)
	assert.Len(t, findings, 1)

	all, err := repo.ListArtifacts(ctx, "t1", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryRepositoryContainerStateRoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	_, ok, err := repo.LoadContainerState(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	snap := container.Snapshot{ProjectID: "t1", State: container.StateResearch}
	require.NoError(t, repo.SaveContainerState(ctx, "t1", snap))

	loaded, ok, err := repo.LoadContainerState(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, container.StateResearch, loaded.State)
}

func TestMemoryRepositorySaveTaskFilesEnforcesCaps(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	files := []FileRecord{{Path: "a.py", Content: []byte("x"), Size: 1}, {Path: "b.py", Content: []byte("y"), Size: 1}}
	err := repo.SaveTaskFiles(ctx, "t1", files, Limits{MaxTaskFiles: 1})
	assert.ErrorIs(t, err, ErrSizeCapExceeded)

	err = repo.SaveTaskFiles(ctx, "t1", files, Limits{MaxTaskBytes: 1})
	assert.ErrorIs(t, err, ErrSizeCapExceeded)

	require.NoError(t, repo.SaveTaskFiles(ctx, "t1", files, DefaultLimits()))
	loaded, err := repo.LoadTaskFiles(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestMemoryRepositoryRecordUsageAndDailyUsage(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.RecordUsage(ctx, "owner-1", 100, 50, 1))
	require.NoError(t, repo.RecordUsage(ctx, "owner-1", 20, 10, 1))

	usage, err := repo.GetDailyUsage(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 120, usage.TokensIn)
	assert.Equal(t, 60, usage.TokensOut)
	assert.Equal(t, 2, usage.CommandRuns)

	empty, err := repo.GetDailyUsage(ctx, "owner-2")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TokensIn)
}

func TestMemoryRepositoryCheckWindow(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	allowed, err := repo.CheckWindow(ctx, "owner-1", "llm_calls", 2, 1000, 60)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = repo.CheckWindow(ctx, "owner-1", "llm_calls", 2, 1000, 60)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = repo.CheckWindow(ctx, "owner-1", "llm_calls", 2, 1000, 60)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMemoryRepositoryBootstrap(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateTask(ctx, TaskRecord{ID: "t1"}))
	require.NoError(t, repo.CreateTask(ctx, TaskRecord{ID: "t2"}))
	require.NoError(t, repo.UpdateTaskStatus(ctx, "t2", "processing", nil))

	reset, err := repo.ResetProcessingToQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	queued, err := repo.ListQueuedTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestLoadContainerFallsBackToFilesWithoutSnapshot(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveTaskFiles(ctx, "t1", []FileRecord{
		{Path: "main.py", Content: []byte("print('hi')"), Size: 12},
	}, DefaultLimits()))

	c, err := LoadContainer(ctx, repo, "t1", nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, container.StateImplementation, c.State())

	files := c.Files()
	assert.Equal(t, []byte("print('hi')"), files["main.py"].Content)
}

func TestLoadContainerReturnsNilWithNoData(t *testing.T) {
	repo := NewMemoryRepository()
	c, err := LoadContainer(context.Background(), repo, "unknown", nil)
	require.NoError(t, err)
	assert.Nil(t, c)
}
