// Package api is the gin-based HTTP+WebSocket surface spec.md §6
// describes: task submission, progress polling, file/artifact
// retrieval, clarification round-trips, and Git export, sitting in
// front of internal/app's dispatcher. Grounded on the teacher's
// cmd/tarsy/main.go + pkg/api/handlers.go gin wiring, generalized from
// a single-session alert API to this package's multi-tenant,
// multi-endpoint task API.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/autoforge/autoforge/internal/app"
	"github.com/autoforge/autoforge/pkg/events"
	"github.com/autoforge/autoforge/pkg/gitexport"
	"github.com/autoforge/autoforge/pkg/governor"
	"github.com/autoforge/autoforge/pkg/version"
)

// Server holds everything a handler needs: the core App, the
// WebSocket fan-out hub, and an optional Git provider (create-pr is
// disabled, not broken, when none is configured).
type Server struct {
	App     *app.App
	Events  *events.ConnectionManager
	Git     gitexport.GitProvider
	rl      *governor.RateLimiter
	started time.Time
}

// NewServer wires a Server around an already-built App. The rate
// limiter is owned here rather than by App, since it gates API
// endpoints (create/rerun-review/download) that have no meaning for
// the dispatcher side of the boundary.
func NewServer(a *app.App, connMgr *events.ConnectionManager, git gitexport.GitProvider) *Server {
	return &Server{App: a, Events: connMgr, Git: git, rl: governor.NewRateLimiter(), started: time.Now().UTC()}
}

func (s *Server) limiter() *governor.RateLimiter {
	return s.rl
}

func (s *Server) handleWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := s.Events.HandleConnection(c.Request.Context(), c.Writer, c.Request, taskID); err != nil {
		slog.Warn("api: websocket connection ended", "task_id", taskID, "error", err)
	}
}

// NewRouter builds the gin.Engine serving every spec.md §6 endpoint,
// gated by AuthMiddleware save for /health, /api/templates, /api/config
// and /ws.
func (s *Server) NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.GET("/health", s.handleHealth)
	r.GET("/ops/status", s.authMiddleware(cfg), s.handleOpsStatus)
	r.GET("/api/templates", s.handleTemplates)
	r.GET("/api/config", s.handleConfig)
	r.GET("/ws/:task_id", s.handleWebSocket)

	tasks := r.Group("/api/tasks", s.authMiddleware(cfg))
	tasks.POST("", s.handleCreateTask)
	tasks.GET("/:id", s.withOwnedTask(s.handleGetTask))
	tasks.GET("/:id/events", s.withOwnedTask(s.handleListEvents))
	tasks.GET("/:id/artifacts", s.withOwnedTask(s.handleListArtifacts))
	tasks.GET("/:id/state", s.withOwnedTask(s.handleGetState))
	tasks.GET("/:id/files", s.withOwnedTask(s.handleListFiles))
	tasks.GET("/:id/files/*path", s.withOwnedTask(s.handleGetFile))
	tasks.GET("/:id/download.zip", s.withOwnedTask(s.handleDownloadZip))
	tasks.GET("/:id/git-export.zip", s.withOwnedTask(s.handleGitExportZip))
	tasks.GET("/:id/questions", s.withOwnedTask(s.handleGetQuestions))
	tasks.POST("/:id/input", s.withOwnedTask(s.handleSubmitInput))
	tasks.POST("/:id/resume", s.withOwnedTask(s.handleResume))
	tasks.POST("/:id/rerun-review", s.withOwnedTask(s.handleRerunReview))
	tasks.POST("/:id/create-pr", s.withOwnedTask(s.handleCreatePR))

	r.GET("/api/users/:user_id/tasks", s.authMiddleware(cfg), s.handleListUserTasks)

	return r
}

// RouterConfig carries the auth/CORS knobs NewRouter needs without
// pulling all of config.Config into this package.
type RouterConfig struct {
	AppAPIKey      string
	AllowedOrigins []string
	GinMode        string
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.App.Gov.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Full(),
		"uptime_s": int(time.Since(s.started).Seconds()),
		"queue_depth":    h.QueueDepth,
		"active_count":   h.ActiveCount,
		"max_concurrent": h.MaxConcurrent,
	})
}

func (s *Server) handleOpsStatus(c *gin.Context) {
	h := s.App.Gov.Health()
	c.JSON(http.StatusOK, gin.H{
		"queue_depth":       h.QueueDepth,
		"active_count":      h.ActiveCount,
		"max_concurrent":    h.MaxConcurrent,
		"max_queue_depth":   h.MaxQueueDepth,
		"git_export_enabled": s.Git != nil,
	})
}

// knownTemplates mirrors the template IDs pkg/roles.Reviewer branches
// on; there is no on-disk template registry, so this list is the
// authoritative catalog GET /api/templates reports.
var knownTemplates = []string{"python_cli", "python_fastapi", "generic"}

func (s *Server) handleTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": knownTemplates})
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"environment":         s.App.Config.Environment,
		"max_concurrent_tasks": s.App.Config.MaxConcurrentTasks,
		"max_task_bytes":      s.App.Config.MaxTaskBytes,
		"max_task_files":      s.App.Config.MaxTaskFiles,
		"llm_provider":        s.App.Config.LLMProvider,
	})
}
