package commandrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/container"
)

type recordingSink struct {
	events    []string
	artifacts []any
}

func (s *recordingSink) EmitEvent(eventType string, payload map[string]any) {
	s.events = append(s.events, eventType)
}

func (s *recordingSink) EmitArtifact(kind container.ArtifactKind, content any, createdBy string) (string, error) {
	s.artifacts = append(s.artifacts, content)
	return "artifact-1", nil
}

func TestRunBlocksDisallowedCommand(t *testing.T) {
	sink := &recordingSink{}
	r := New(Options{WorkspaceRoot: t.TempDir()}, sink)

	result, err := r.Run(context.Background(), []string{"rm", "-rf", "."}, "", "cleanup", nil)
	require.NoError(t, err)

	assert.True(t, result.Blocked)
	assert.False(t, result.Ran)
	assert.Equal(t, "command_not_allowed", result.Error)
	assert.NotContains(t, sink.events, "command_started", "a blocked command must never spawn")
	assert.Contains(t, sink.events, "command_finished")
	assert.Len(t, sink.artifacts, 1)
}

func TestRunRejectsCwdOutsideWorkspace(t *testing.T) {
	sink := &recordingSink{}
	r := New(Options{WorkspaceRoot: t.TempDir()}, sink)

	result, err := r.Run(context.Background(), []string{"python3", "-c", "print(1)"}, "../../etc", "escape", nil)
	require.NoError(t, err)

	assert.True(t, result.Blocked)
	assert.Equal(t, "cwd_outside_workspace", result.Error)
}

func TestRunSucceedsForAllowedCommand(t *testing.T) {
	sink := &recordingSink{}
	r := New(Options{WorkspaceRoot: t.TempDir()}, sink)

	result, err := r.Run(context.Background(), []string{"python3", "-c", "print('hi')"}, "", "smoke", nil)
	require.NoError(t, err)

	assert.False(t, result.Blocked)
	assert.True(t, result.Ran)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hi")
	assert.Equal(t, []string{"command_started", "command_finished"}, sink.events)
}

func TestRunTimesOut(t *testing.T) {
	sink := &recordingSink{}
	r := New(Options{WorkspaceRoot: t.TempDir(), Timeout: 50 * time.Millisecond}, sink)

	result, err := r.Run(context.Background(), []string{"python3", "-c", "import time; time.sleep(5)"}, "", "slow", nil)
	require.NoError(t, err)

	assert.True(t, result.TimedOut)
	assert.Equal(t, "timeout", result.Error)
	assert.False(t, result.Ran)
}

func TestTruncateUTF8NeverSplitsARune(t *testing.T) {
	s := "h\xE2\x82\xACllo" // "h€llo", euro sign is 3 bytes
	truncated, didTruncate := truncateUTF8(s, 2)
	assert.True(t, didTruncate)
	assert.Equal(t, "h", truncated)
}
