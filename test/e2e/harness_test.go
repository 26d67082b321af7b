// Package e2e drives internal/app.App end to end for each of spec.md
// §8's concrete scenarios, the way pkg/orchestrator's own tests drive a
// bare Orchestrator but through the full persistence/governor/workspace
// stack a real deployment runs.
package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/internal/app"
	"github.com/autoforge/autoforge/pkg/config"
	"github.com/autoforge/autoforge/pkg/governor"
	"github.com/autoforge/autoforge/pkg/llm"
	"github.com/autoforge/autoforge/pkg/persistence"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.LLMProvider = "mock"
	cfg.EnableFilePersistence = false
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

// scriptedProvider answers each Generate call with the next entry in
// responses, mirroring pkg/orchestrator/orchestrator_test.go's fake of
// the same name. Every role an App wires shares a single Gateway
// (internal/app.App.buildOrchestrator), so scripting one provider and
// swapping it onto App.Gateway drives Researcher/Planner/Designer/Coder
// calls in strict call order.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Generate(_ context.Context, _ llm.Request) (llm.Response, error) {
	if p.calls >= len(p.responses) {
		return llm.Response{}, context.DeadlineExceeded
	}
	text := p.responses[p.calls]
	p.calls++
	return llm.Response{
		Text:         text,
		Usage:        llm.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		FinishReason: "stop",
	}, nil
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

// runSync submits description/templateID as a new task and drives it
// through App.RunTask directly, bypassing the Governor's dispatcher
// goroutine so the scenario stays deterministic and single-threaded.
func runSync(t *testing.T, a *app.App, description, templateID string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	taskID, err := a.SubmitTask(ctx, description, "owner-1", templateID)
	require.NoError(t, err)
	a.RunTask(ctx, governor.QueueItem{TaskID: taskID, Description: description, TemplateID: templateID})
	return taskID
}

// stagesStarted extracts the ordered "stage" values of every
// StageStarted event, the one place a run's stage sequencing is
// observable from persistence alone.
func stagesStarted(events []persistence.EventRecord) []string {
	var stages []string
	for _, e := range events {
		if e.EventType != "StageStarted" {
			continue
		}
		if stage, ok := e.Payload["stage"].(string); ok {
			stages = append(stages, stage)
		}
	}
	return stages
}
