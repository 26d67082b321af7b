package api

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/gitexport"
	"github.com/autoforge/autoforge/pkg/governor"
	"github.com/autoforge/autoforge/pkg/patchbuilder"
	"github.com/autoforge/autoforge/pkg/persistence"
	"github.com/autoforge/autoforge/pkg/roles"
)

type createTaskRequest struct {
	Description string `json:"description" binding:"required"`
	TemplateID  string `json:"template_id"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	owner := ownerFromContext(c)
	if err := s.limiter().Enforce(c.Request.Context(), owner, "create_tasks", s.App.Config.RateLimitCreateTasksPerMin); err != nil {
		respondRateLimited(c, err)
		return
	}

	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	taskID, err := s.App.SubmitTask(c.Request.Context(), req.Description, owner, req.TemplateID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": taskID, "status": "queued"})
}

func (s *Server) handleGetTask(c *gin.Context, taskID string) {
	task, err := s.App.Repo.GetTask(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id": task.ID, "description": task.Description, "template_id": task.TemplateID,
		"status": task.Status, "created_at": task.CreatedAt, "updated_at": task.UpdatedAt,
		"completed_at": task.CompletedAt,
	})
}

func (s *Server) handleListUserTasks(c *gin.Context) {
	userID := c.Param("user_id")
	if userID != ownerFromContext(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot list another user's tasks"})
		return
	}
	limit := parseLimit(c, 50)
	tasks, err := s.App.Repo.ListTasksByOwner(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleListEvents(c *gin.Context, taskID string) {
	limit := parseLimit(c, 100)
	descending := c.Query("order") == "desc"
	events, err := s.App.Repo.ListEvents(c.Request.Context(), taskID, limit, descending)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleListArtifacts(c *gin.Context, taskID string) {
	limit := parseLimit(c, 100)
	artifacts, err := collectArtifacts(c.Request.Context(), s.App.Repo, taskID, c.Query("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(artifacts) > limit {
		artifacts = artifacts[len(artifacts)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (s *Server) handleGetState(c *gin.Context, taskID string) {
	snapshot, ok, err := s.App.Repo.LoadContainerState(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no container state for task"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleListFiles(c *gin.Context, taskID string) {
	files, err := s.App.Repo.LoadTaskFiles(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	sort.Strings(paths)
	c.JSON(http.StatusOK, gin.H{"files": paths})
}

func (s *Server) handleGetFile(c *gin.Context, taskID string) {
	path := trimLeadingSlash(c.Param("path"))
	files, err := s.App.Repo.LoadTaskFiles(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, f := range files {
		if f.Path == path {
			if f.IsBinary {
				c.Data(http.StatusOK, "application/octet-stream", f.Content)
			} else {
				c.Data(http.StatusOK, "text/plain; charset=utf-8", f.Content)
			}
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
}

func (s *Server) handleDownloadZip(c *gin.Context, taskID string) {
	if err := s.limiter().Enforce(c.Request.Context(), ownerFromContext(c), "downloads", s.App.Config.RateLimitDownloadsPerMin); err != nil {
		respondRateLimited(c, err)
		return
	}
	files, err := s.App.Repo.LoadTaskFiles(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+taskID+`.zip"`)
	c.Status(http.StatusOK)
	zw := zip.NewWriter(c.Writer)
	defer zw.Close()
	for _, f := range files {
		w, err := zw.Create(f.Path)
		if err != nil {
			return
		}
		if _, err := w.Write(f.Content); err != nil {
			return
		}
	}
}

func (s *Server) handleGitExportZip(c *gin.Context, taskID string) {
	if err := s.limiter().Enforce(c.Request.Context(), ownerFromContext(c), "downloads", s.App.Config.RateLimitDownloadsPerMin); err != nil {
		respondRateLimited(c, err)
		return
	}
	artifact, err := latestArtifact(c.Request.Context(), s.App.Repo, taskID, string(container.KindGitExport))
	if err != nil || artifact == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "git export not available for this task"})
		return
	}
	var bundle patchbuilder.GitExportBundle
	if err := json.Unmarshal(artifact.Payload, &bundle); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed git export artifact"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+taskID+`-git-export.zip"`)
	c.Status(http.StatusOK)
	zw := zip.NewWriter(c.Writer)
	defer zw.Close()
	for name, content := range bundle.Files {
		w, err := zw.Create(name)
		if err != nil {
			return
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return
		}
	}
}

func (s *Server) handleGetQuestions(c *gin.Context, taskID string) {
	artifact, err := latestArtifact(c.Request.Context(), s.App.Repo, taskID, string(container.KindClarificationQuestions))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if artifact == nil {
		c.JSON(http.StatusOK, gin.H{"questions": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": json.RawMessage(artifact.Payload)})
}

type submitInputRequest struct {
	Answers    map[string]string `json:"answers" binding:"required"`
	AutoResume bool              `json:"auto_resume"`
}

// handleSubmitInput backs POST .../input, spec.md §8 scenario 5's
// clarification round-trip: every required clarification_questions
// entry must have an answer (existing or in this request) before the
// task is allowed to resume, mirroring original_source's
// missing_answers validation ahead of the re-enqueue.
func (s *Server) handleSubmitInput(c *gin.Context, taskID string) {
	var req submitInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.App.Repo.GetTask(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	merged := make(map[string]string, len(task.ProvidedAnswers)+len(req.Answers))
	for k, v := range task.ProvidedAnswers {
		merged[k] = v
	}
	for k, v := range req.Answers {
		merged[k] = v
	}

	if missing := missingRequiredAnswers(c.Request.Context(), s.App.Repo, taskID, merged); len(missing) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_answers", "missing": missing})
		return
	}

	if err := s.App.SubmitInput(c.Request.Context(), taskID, req.Answers); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !req.AutoResume {
		c.JSON(http.StatusOK, gin.H{"status": "answers recorded"})
		return
	}
	if err := s.App.ResumeTask(c.Request.Context(), taskID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

// missingRequiredAnswers loads the task's latest clarification_questions
// artifact and reports the IDs of required questions absent from
// answers. Returns nil (no validation to apply) if no questions were
// ever raised for this task.
func missingRequiredAnswers(ctx context.Context, repo persistence.Repository, taskID string, answers map[string]string) []string {
	artifact, err := latestArtifact(ctx, repo, taskID, string(container.KindClarificationQuestions))
	if err != nil || artifact == nil {
		return nil
	}
	var questions []roles.ClarificationQuestion
	if err := json.Unmarshal(artifact.Payload, &questions); err != nil {
		return nil
	}
	var missing []string
	for _, q := range questions {
		if !q.Required {
			continue
		}
		if _, answered := answers[q.ID]; !answered {
			missing = append(missing, q.ID)
		}
	}
	return missing
}

func (s *Server) handleResume(c *gin.Context, taskID string) {
	if err := s.App.ResumeTask(c.Request.Context(), taskID); err != nil {
		if errors.Is(err, governor.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (s *Server) handleRerunReview(c *gin.Context, taskID string) {
	if err := s.limiter().Enforce(c.Request.Context(), ownerFromContext(c), "rerun_review", s.App.Config.RateLimitRerunReviewPerMin); err != nil {
		respondRateLimited(c, err)
		return
	}
	if err := s.App.RerunReview(c.Request.Context(), taskID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

type createPRRequest struct {
	Owner      string `json:"owner" binding:"required"`
	Repo       string `json:"repo" binding:"required"`
	BaseBranch string `json:"base_branch"`
	Title      string `json:"title"`
}

func (s *Server) handleCreatePR(c *gin.Context, taskID string) {
	if s.Git == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no git provider configured"})
		return
	}
	var req createPRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snapshot, ok, err := s.App.Repo.LoadContainerState(c.Request.Context(), taskID)
	if err != nil || !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no container state for task"})
		return
	}
	diffArtifact, err := latestArtifact(c.Request.Context(), s.App.Repo, taskID, string(container.KindPatchDiff))
	if err != nil || diffArtifact == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no patch_diff artifact for task"})
		return
	}
	var patch patchbuilder.PatchPayload
	if err := json.Unmarshal(diffArtifact.Payload, &patch); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "malformed patch_diff artifact"})
		return
	}
	changed := patch.ChangedFiles

	files := make(map[string]container.FileEntry, len(snapshot.Files))
	for p, f := range snapshot.Files {
		files[p] = container.FileEntry{Content: f.Content, IsBinary: f.IsBinary}
	}

	title := req.Title
	if title == "" {
		title = "autoforge: " + taskID
	}
	result, err := s.Git.CreatePullRequest(c.Request.Context(), gitexport.CreatePRRequest{
		Owner: req.Owner, Repo: req.Repo, BaseBranch: req.BaseBranch, Title: title,
		TaskID: taskID, Files: files, ChangedFiles: changed,
	})
	if err != nil {
		if errors.Is(err, gitexport.ErrNoChanges) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func parseLimit(c *gin.Context, def int) int {
	v := c.Query("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

func respondRateLimited(c *gin.Context, err error) {
	var rlErr *governor.RateLimitError
	if errors.As(err, &rlErr) {
		c.Header("Retry-After", strconv.Itoa(rlErr.RetryAfter))
	}
	c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
}
