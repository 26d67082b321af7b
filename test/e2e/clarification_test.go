package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/api"
	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/events"
	"github.com/autoforge/autoforge/pkg/governor"
	"github.com/autoforge/autoforge/pkg/llm"
	"github.com/autoforge/autoforge/pkg/roles"
)

const clarificationAPIKey = "e2e-test-key"

// TestClarificationRoundTrip is spec.md §8 scenario 5: Researcher raises
// two clarification questions (one required); the task pauses
// needs_input; POST .../input with only the optional answer is
// rejected; POST .../input with the required answer plus auto_resume
// re-enqueues the task, and the next run carries the answers into the
// resumed role's context and continues past design.
func TestClarificationRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.AppAPIKey = clarificationAPIKey
	a := newTestApp(t, cfg)

	srv := api.NewServer(a, events.NewManager(nil), nil)
	router := srv.NewRouter(api.RouterConfig{AppAPIKey: clarificationAPIKey, GinMode: gin.TestMode})

	requirements := roles.RequirementsDoc{QuestionsToUser: []string{"Which database should this use?"}}
	questions := struct {
		Questions []roles.ClarificationQuestion `json:"questions"`
	}{Questions: []roles.ClarificationQuestion{
		{ID: "db", Text: "Which database?", Type: "text", Required: true},
		{ID: "style", Text: "Preferred code style?", Type: "text", Required: false},
	}}
	a.Gateway = llm.NewGateway(&scriptedProvider{responses: []string{
		mustJSON(t, requirements), mustJSON(t, questions),
	}}, 0)

	req := authedRequest(http.MethodPost, "/api/tasks", strings.NewReader(
		`{"description":"Build something database-backed but unspecified","template_id":"python-default"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	taskID := created.ID

	ctx := context.Background()
	a.RunTask(ctx, governor.QueueItem{TaskID: taskID, Description: "Build something database-backed but unspecified", TemplateID: "python-default"})

	task, err := a.Repo.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "needs_input", task.Status)
	assert.Equal(t, "design", task.ResumeFromStage)

	// Only the optional answer: must be rejected with missing_answers.
	rec = httptest.NewRecorder()
	req = authedRequest(http.MethodPost, "/api/tasks/"+taskID+"/input", strings.NewReader(
		`{"answers":{"style":"black"}}`))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var badResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &badResp))
	assert.Equal(t, "missing_answers", badResp["error"])

	// Required answer plus auto_resume: must re-enqueue.
	arch := roles.Architecture{
		Name: "svc", Description: "tiny service",
		Components: []roles.Component{{Name: "api", Responsibility: "http", Files: []string{"main.py"}}},
	}
	coderResp := filesResponse{Files: []roles.CodeFile{{Path: "main.py", Content: "print('hi')\n"}}}
	a.Gateway = llm.NewGateway(&scriptedProvider{responses: []string{
		mustJSON(t, arch), mustJSON(t, coderResp),
	}}, 0)

	rec = httptest.NewRecorder()
	req = authedRequest(http.MethodPost, "/api/tasks/"+taskID+"/input", strings.NewReader(
		`{"answers":{"db":"postgres"},"auto_resume":true}`))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var okResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &okResp))
	assert.Equal(t, "queued", okResp["status"])

	task, err = a.Repo.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "queued", task.Status)

	a.RunTask(ctx, governor.QueueItem{
		TaskID: taskID, Description: task.Description, TemplateID: task.TemplateID,
		ResumeFromStage: task.ResumeFromStage, ProvidedAnswers: task.ProvidedAnswers,
	})

	task, err = a.Repo.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.NotEqual(t, "needs_input", task.Status)
	assert.NotEqual(t, "queued", task.Status)

	snapshot, ok, err := a.Repo.LoadContainerState(ctx, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, snapshot.Artifacts[container.KindArchitecture], "the resumed run must have reached design")

	found := false
	for _, art := range snapshot.Artifacts[container.KindRequirements] {
		if strings.Contains(string(art.Content), "postgres") {
			found = true
		}
	}
	assert.True(t, found, "the required answer must have been surfaced into the resumed role's context")
}

func authedRequest(method, path string, body *strings.Reader) *http.Request {
	req, _ := http.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+clarificationAPIKey)
	return req
}
