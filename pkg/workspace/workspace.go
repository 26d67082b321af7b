// Package workspace mirrors a Container's files onto disk and
// reconciles disk-side changes back into it (spec.md §4.9), grounded on
// original_source/main.py::TaskWorkspace.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/autoforge/autoforge/pkg/container"
)

var ignoredDirs = map[string]struct{}{
	".git":           {},
	"__pycache__":    {},
	".pytest_cache":  {},
	".ruff_cache":    {},
	".mypy_cache":    {},
	".venv":          {},
}

const ignoredSuffix = ".pyc"

// SyncResult reports what sync-to-container changed.
type SyncResult struct {
	Changed []string
	Removed []string
}

// Workspace is the on-disk mirror of one task's Container, rooted at
// <root>/<taskID>.
type Workspace struct {
	TaskID string
	Path   string
}

// New builds a Workspace at root/taskID without touching disk.
func New(root, taskID string) *Workspace {
	return &Workspace{TaskID: taskID, Path: filepath.Join(root, taskID)}
}

// Ensure creates the workspace directory if it does not already exist.
func (w *Workspace) Ensure() error {
	return os.MkdirAll(w.Path, 0o755)
}

// resolveTarget validates relativePath via container.NormalizePath and
// joins it onto the workspace root; NormalizePath already rejects
// absolute paths and ".." traversal, so no separate containment check
// is needed beyond that.
func (w *Workspace) resolveTarget(relativePath string) (string, error) {
	clean, err := container.NormalizePath(relativePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.Path, filepath.FromSlash(clean)), nil
}

// WriteFile mirrors one Container file write. deleted == true removes
// the file if present; OnFileChanged wraps this as the FileSink hook.
func (w *Workspace) WriteFile(relativePath string, content []byte, deleted bool) error {
	target, err := w.resolveTarget(relativePath)
	if err != nil {
		return err
	}
	if deleted {
		err := os.Remove(target)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, content, 0o644)
}

// OnFileChanged satisfies container.FileSink.
func (w *Workspace) OnFileChanged(path string, content []byte, deleted bool) {
	_ = w.WriteFile(path, content, deleted)
}

// Materialize writes every Container file to disk, creating the
// workspace directory first.
func (w *Workspace) Materialize(c *container.Container) error {
	if err := w.Ensure(); err != nil {
		return err
	}
	for path, entry := range c.Files() {
		if err := w.WriteFile(path, entry.Content, false); err != nil {
			return fmt.Errorf("workspace: materialize %q: %w", path, err)
		}
	}
	return nil
}

func shouldIgnore(relative string) bool {
	parts := strings.Split(filepath.ToSlash(relative), "/")
	for _, part := range parts {
		if _, ok := ignoredDirs[part]; ok {
			return true
		}
	}
	return strings.HasSuffix(relative, ignoredSuffix)
}

// collectFiles walks the workspace directory, skipping ignored dirs and
// suffixes, returning every remaining file's content keyed by its
// workspace-relative slash-separated path.
func (w *Workspace) collectFiles() (map[string][]byte, error) {
	files := make(map[string][]byte)
	info, err := os.Stat(w.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return files, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return files, nil
	}

	err = filepath.WalkDir(w.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.Path, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if shouldIgnore(rel) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// SyncToContainer scans the workspace directory after a command-runner
// tool pass, diffs it by SHA-256 against the Container's current files,
// and applies additions/modifications/deletions back — without
// re-triggering the FileSink hook, since these writes came FROM disk.
func (w *Workspace) SyncToContainer(c *container.Container) (SyncResult, error) {
	diskFiles, err := w.collectFiles()
	if err != nil {
		return SyncResult{}, err
	}

	existing := c.Files()
	result := SyncResult{}

	c.WithSinkSuppressed(func() {
		for path, content := range diskFiles {
			current, ok := existing[path]
			if ok && sha256Hex(current.Content) == sha256Hex(content) {
				continue
			}
			if addErr := c.AddFile(path, content); addErr != nil {
				continue
			}
			result.Changed = append(result.Changed, path)
		}

		for path := range existing {
			if _, ok := diskFiles[path]; ok {
				continue
			}
			if rmErr := c.RemoveFile(path); rmErr == nil {
				result.Removed = append(result.Removed, path)
			}
		}
	})

	return result, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
