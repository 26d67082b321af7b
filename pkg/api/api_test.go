package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/internal/app"
	"github.com/autoforge/autoforge/pkg/config"
	"github.com/autoforge/autoforge/pkg/events"
	"github.com/autoforge/autoforge/pkg/governor"
)

const testAPIKey = "test-key-123"

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.LLMProvider = "mock"
	cfg.EnableFilePersistence = false
	cfg.AppAPIKey = testAPIKey
	return cfg
}

func newTestServer(t *testing.T) (*Server, *app.App) {
	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	s := NewServer(a, events.NewManager(nil), nil)
	return s, a
}

func authedRequest(method, path string, body *strings.Reader) *http.Request {
	var req *http.Request
	if body == nil {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, body)
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return req
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	req, _ := http.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTaskRejectsMissingCredential(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	req, _ := http.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"description":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateTaskThenGetTaskRoundTrips(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	req := authedRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"description":"Add a greet() helper","template_id":"python-default"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	req = authedRequest(http.MethodGet, "/api/tasks/"+created.ID, nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)
}

func TestGetTaskFromDifferentOwnerIsForbidden(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	req := authedRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"description":"Add a greet() helper"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req, _ = http.NewRequest(http.MethodGet, "/api/tasks/"+created.ID, nil)
	req.Header.Set("X-API-Key", testAPIKey+"-someone-else")
	rec = httptest.NewRecorder()

	r2 := s.NewRouter(RouterConfig{AppAPIKey: "", GinMode: gin.TestMode}) // empty AppAPIKey: any credential is accepted, owner hash differs
	r2.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetTaskMissingReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	req := authedRequest(http.MethodGet, "/api/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTaskIsRateLimited(t *testing.T) {
	s, _ := newTestServer(t)
	s.App.Config.RateLimitCreateTasksPerMin = 1
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	body := `{"description":"Add a greet() helper"}`
	req := authedRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req = authedRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestTemplatesAndConfigEndpointsAreUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	for _, path := range []string{"/api/templates", "/api/config"} {
		req, _ := http.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

// driveTaskToCompletion submits a task over HTTP, then runs it
// synchronously (mirroring internal/app's own test pattern, since
// this harness has no dispatcher goroutine to wait on), and returns
// its ID once the orchestrator run has settled.
func driveTaskToCompletion(t *testing.T, s *Server, r *gin.Engine, description, templateID string) string {
	t.Helper()
	body := `{"description":"` + description + `","template_id":"` + templateID + `"}`
	req := authedRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.App.RunTask(ctx, governor.QueueItem{TaskID: created.ID, Description: description, TemplateID: templateID})
	return created.ID
}

func TestListArtifactsReturnsCompletedTaskArtifacts(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	taskID := driveTaskToCompletion(t, s, r, "Add a greet() helper", "python-default")

	req := authedRequest(http.MethodGet, "/api/tasks/"+taskID+"/artifacts", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Artifacts []artifactView `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Artifacts, "a completed task should have at least one artifact")
}

func TestGitExportZipReturnsBundleAfterCompletion(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	taskID := driveTaskToCompletion(t, s, r, "Add a greet() helper", "python-default")

	task, err := s.App.Repo.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	if task.Status != "completed" {
		t.Skipf("task settled as %q, not completed; git export only exists on completion", task.Status)
	}

	req := authedRequest(http.MethodGet, "/api/tasks/"+taskID+"/git-export.zip", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "git-export.zip")
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestGetQuestionsIsEmptyWhenNoneRaised(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	taskID := driveTaskToCompletion(t, s, r, "Add a greet() helper", "python-default")

	req := authedRequest(http.MethodGet, "/api/tasks/"+taskID+"/questions", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Questions []any `json:"questions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Questions)
}

func TestSubmitInputAcceptsEmptyAnswersWithoutQuestions(t *testing.T) {
	s, _ := newTestServer(t)
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	taskID := driveTaskToCompletion(t, s, r, "Add a greet() helper", "python-default")

	req := authedRequest(http.MethodPost, "/api/tasks/"+taskID+"/input", strings.NewReader(`{"answers":{}}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	// With no clarification_questions artifact recorded, there is
	// nothing required to answer, so this always succeeds.
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGitExportDisabledWithoutProvider(t *testing.T) {
	s, _ := newTestServer(t)
	s.Git = nil
	r := s.NewRouter(RouterConfig{AppAPIKey: testAPIKey, GinMode: gin.TestMode})

	req := authedRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"description":"x"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// This task isn't even started here, so create-pr should fail fast
	// on the missing provider, not on task state.
	req = authedRequest(http.MethodPost, "/api/tasks/"+created.ID+"/create-pr", strings.NewReader(`{"owner":"o","repo":"r"}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
