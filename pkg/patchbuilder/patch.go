// Package patchbuilder turns a Container's baseline-vs-final file state
// into the three closing artifacts spec.md describes: a patch_diff
// (unified diff + per-file stats), a git_export bundle (a patch plus an
// apply.sh helper a user can run against their own checkout), and a
// repro_manifest (the toolchain fingerprint the run was produced under).
// Grounded on
// original_source/ai-platform/backend/app/main.py's
// build_patch_diff_payload/build_git_export_*/build_repro_manifest_payload.
package patchbuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/autoforge/autoforge/pkg/container"
)

// ChangeType is one file's classification between baseline and final.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// FileChange is one changed_files entry.
type FileChange struct {
	Path         string     `json:"path"`
	ChangeType   ChangeType `json:"change_type"`
	SHA256Before string     `json:"sha256_before,omitempty"`
	SHA256After  string     `json:"sha256_after,omitempty"`
	SizeBefore   int        `json:"size_before,omitempty"`
	SizeAfter    int        `json:"size_after,omitempty"`
	IsBinary     bool       `json:"is_binary"`
}

// Stats is the changed_total/added/removed/modified/text/binary/diff_lines
// summary block carried alongside the diff.
type Stats struct {
	ChangedTotal int `json:"changed_total"`
	Added        int `json:"added"`
	Removed      int `json:"removed"`
	Modified     int `json:"modified"`
	TextFiles    int `json:"text_files"`
	BinaryFiles  int `json:"binary_files"`
	DiffLines    int `json:"diff_lines"`
}

// PatchPayload is the patch_diff artifact shape.
type PatchPayload struct {
	Diff         string       `json:"diff"`
	ChangedFiles []FileChange `json:"changed_files"`
	Stats        Stats        `json:"stats"`
}

// BuildPatchDiff compares baseline against c's current files and returns
// the unified diff plus per-file change records. A file present in
// neither snapshot at the same content is skipped entirely — only
// additions, removals, and content changes appear.
func BuildPatchDiff(baseline map[string]container.BaselineFile, final map[string]container.FileEntry) PatchPayload {
	allPaths := make(map[string]struct{}, len(baseline)+len(final))
	for p := range baseline {
		allPaths[p] = struct{}{}
	}
	for p := range final {
		allPaths[p] = struct{}{}
	}
	paths := make([]string, 0, len(allPaths))
	for p := range allPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var changed []FileChange
	var diffLines []string
	var stats Stats

	for _, p := range paths {
		before, hasBefore := baseline[p]
		after, hasAfter := final[p]

		var changeType ChangeType
		switch {
		case !hasBefore:
			changeType = ChangeAdded
		case !hasAfter:
			changeType = ChangeRemoved
		case before.SHA256 != sha256Hex(after.Content):
			changeType = ChangeModified
		default:
			continue
		}

		isBinary := (hasBefore && before.IsBinary) || (hasAfter && after.IsBinary)
		fc := FileChange{Path: p, ChangeType: changeType, IsBinary: isBinary}
		if hasBefore {
			fc.SHA256Before = before.SHA256
			fc.SizeBefore = before.Size
		}
		if hasAfter {
			fc.SHA256After = sha256Hex(after.Content)
			fc.SizeAfter = len(after.Content)
		}
		changed = append(changed, fc)
		stats.ChangedTotal++
		switch changeType {
		case ChangeAdded:
			stats.Added++
		case ChangeRemoved:
			stats.Removed++
		case ChangeModified:
			stats.Modified++
		}

		if isBinary {
			stats.BinaryFiles++
			continue
		}
		stats.TextFiles++

		beforeText := ""
		if hasBefore {
			beforeText = string(before.Content)
		}
		afterText := ""
		if hasAfter {
			afterText = string(after.Content)
		}
		diff := unifiedDiff(p, beforeText, afterText)
		if diff != "" {
			diffLines = append(diffLines, strings.Split(strings.TrimRight(diff, "\n"), "\n")...)
		}
	}

	stats.DiffLines = len(diffLines)
	return PatchPayload{
		Diff:         strings.Join(diffLines, "\n"),
		ChangedFiles: changed,
		Stats:        stats,
	}
}

func unifiedDiff(path, before, after string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

func sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
