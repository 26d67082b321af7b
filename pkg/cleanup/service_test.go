package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/persistence"
)

func TestServicePurgesTaskCompletedPastTTL(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateTask(ctx, persistence.TaskRecord{ID: "old", Description: "d"}))
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, repo.UpdateTaskStatus(ctx, "old", "completed", &old))

	require.NoError(t, repo.CreateTask(ctx, persistence.TaskRecord{ID: "recent", Description: "d"}))
	recent := time.Now().UTC().Add(-1 * time.Hour)
	require.NoError(t, repo.UpdateTaskStatus(ctx, "recent", "completed", &recent))

	svc := NewService(Config{WorkspaceRoot: t.TempDir(), TaskTTLDays: 30, WorkspaceTTLDays: 7, Interval: time.Hour}, repo)
	svc.runAll(ctx)

	_, err := repo.GetTask(ctx, "old")
	assert.ErrorIs(t, err, persistence.ErrTaskNotFound)

	_, err = repo.GetTask(ctx, "recent")
	assert.NoError(t, err)
}

func TestServicePreservesInFlightTasksRegardlessOfAge(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateTask(ctx, persistence.TaskRecord{ID: "stuck", Description: "d"}))

	svc := NewService(Config{WorkspaceRoot: t.TempDir(), TaskTTLDays: 30, WorkspaceTTLDays: 7, Interval: time.Hour}, repo)
	svc.runAll(ctx)

	_, err := repo.GetTask(ctx, "stuck")
	assert.NoError(t, err, "a task with no CompletedAt must never be purged by age alone")
}

func TestServiceRemovesStaleWorkspaceDirectories(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "stale-task")
	fresh := filepath.Join(root, "fresh-task")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	repo := persistence.NewMemoryRepository()
	svc := NewService(Config{WorkspaceRoot: root, TaskTTLDays: 30, WorkspaceTTLDays: 7, Interval: time.Hour}, repo)
	svc.runAll(context.Background())

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale workspace directory should be removed")

	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh workspace directory should be preserved")
}

func TestServiceStartStopRunsAtLeastOnceImmediately(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateTask(ctx, persistence.TaskRecord{ID: "old", Description: "d"}))
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, repo.UpdateTaskStatus(ctx, "old", "completed", &old))

	svc := NewService(Config{WorkspaceRoot: t.TempDir(), TaskTTLDays: 30, WorkspaceTTLDays: 7, Interval: time.Hour}, repo)
	svc.Start(ctx)
	defer svc.Stop()

	require.Eventually(t, func() bool {
		_, err := repo.GetTask(ctx, "old")
		return err == persistence.ErrTaskNotFound
	}, 2*time.Second, 10*time.Millisecond)
}
