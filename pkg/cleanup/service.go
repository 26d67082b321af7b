// Package cleanup enforces the TTL-based retention policies that
// destroy a Container once it has aged past its task or workspace
// TTL: purging task rows (and their events, artifacts, state, and
// files) from the Repository, and removing the matching on-disk
// workspace directories.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/autoforge/autoforge/pkg/persistence"
)

// Config bounds one Service's retention policy.
type Config struct {
	WorkspaceRoot    string
	TaskTTLDays      int
	WorkspaceTTLDays int
	Interval         time.Duration
}

// Service periodically purges expired task rows and stale workspace
// directories. All operations are idempotent and safe to run from
// multiple processes against the same Repository and WorkspaceRoot.
type Service struct {
	cfg  Config
	repo persistence.Repository

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds a cleanup Service. cfg.Interval must be positive.
func NewService(cfg Config, repo persistence.Repository) *Service {
	return &Service{cfg: cfg, repo: repo}
}

// Start launches the background cleanup loop. A second call is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup: service started",
		"task_ttl_days", s.cfg.TaskTTLDays,
		"workspace_ttl_days", s.cfg.WorkspaceTTLDays,
		"interval", s.cfg.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup: service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeExpiredTasks(ctx)
	s.purgeStaleWorkspaces()
}

func (s *Service) purgeExpiredTasks(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.TaskTTLDays)
	count, err := s.repo.PurgeExpiredTasks(ctx, cutoff)
	if err != nil {
		slog.Error("cleanup: purge expired tasks failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("cleanup: purged expired tasks", "count", count)
	}
}

// purgeStaleWorkspaces removes every immediate subdirectory of
// WorkspaceRoot whose modification time predates the workspace TTL.
// Workspace directories have no separate creation-time record, so the
// directory's own mtime (last updated by workspace.Workspace.WriteFile)
// stands in for task-completion age.
func (s *Service) purgeStaleWorkspaces() {
	entries, err := os.ReadDir(s.cfg.WorkspaceRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("cleanup: read workspace root failed", "error", err)
		}
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.cfg.WorkspaceTTLDays)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.WorkspaceRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Error("cleanup: remove stale workspace failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("cleanup: removed stale workspace directories", "count", removed)
	}
}
