package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/commandrunner"
	"github.com/autoforge/autoforge/pkg/container"
)

// recordingSink is a no-op commandrunner.Sink that just counts the
// events it was handed, standing in for internal/app's unexported
// eventSink so this package can drive commandrunner.Runner directly.
type recordingSink struct {
	events []string
}

func (s *recordingSink) EmitEvent(eventType string, _ map[string]any) {
	s.events = append(s.events, eventType)
}

func (s *recordingSink) EmitArtifact(container.ArtifactKind, any, string) (string, error) {
	return "", nil
}

// TestDisallowedCommandIsBlocked is spec.md §8 scenario 3: the Reviewer
// only ever runs its three fixed commands, so this drives
// commandrunner.Runner the same way internal/app.App.buildOrchestrator
// constructs it, with "rm" asked for directly — never on the allowlist
// (spec.md §6's default ALLOWED_COMMANDS is ruff/pytest/python/python3).
func TestDisallowedCommandIsBlocked(t *testing.T) {
	sink := &recordingSink{}
	runner := commandrunner.New(commandrunner.Options{
		AllowedCommands: []string{"ruff", "pytest", "python", "python3"},
		Timeout:         5 * time.Second,
		MaxOutputBytes:  20000,
		WorkspaceRoot:   t.TempDir(),
	}, sink)

	result, err := runner.Run(context.Background(), []string{"rm", "-rf", "."}, "", "destructive cleanup attempt", nil)
	require.NoError(t, err)

	assert.True(t, result.Blocked)
	assert.Equal(t, "command_not_allowed", result.Error)
	assert.False(t, result.Ran)
	assert.NotContains(t, sink.events, "command_started", "a blocked command must never spawn a process")
}
