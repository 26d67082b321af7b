package patchbuilder

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GitExportBundle is the git_export artifact: a set of named files ready
// to hand back to the caller as a zip, plus the patch stats for display.
type GitExportBundle struct {
	Files      map[string]string `json:"files"`
	PatchStats Stats             `json:"patch_stats"`
}

// BuildGitExportBundle assembles patch.diff, apply.sh, README_APPLY.md,
// and changed_files.json from a previously built PatchPayload.
func BuildGitExportBundle(taskID string, patch PatchPayload) (GitExportBundle, error) {
	changedJSON, err := json.MarshalIndent(patch.ChangedFiles, "", "  ")
	if err != nil {
		return GitExportBundle{}, fmt.Errorf("patchbuilder: marshal changed_files: %w", err)
	}
	files := map[string]string{
		"patch.diff":         patch.Diff,
		"apply.sh":           applyScript,
		"README_APPLY.md":    readme(taskID),
		"changed_files.json": string(changedJSON),
	}
	return GitExportBundle{Files: files, PatchStats: patch.Stats}, nil
}

// applyScript is the literal apply helper a user runs from the root of
// their own checkout. It refuses to touch a working tree with any
// uncommitted changes, staged or not, so a bad apply can't clobber
// unrelated in-progress work.
const applyScript = `#!/usr/bin/env bash
set -euo pipefail

ROOT_DIR="$(cd "$(dirname "${BASH_SOURCE[0]}")" && pwd)"
PATCH_FILE="${ROOT_DIR}/patch.diff"

if ! command -v git >/dev/null 2>&1; then
  echo "git is required to apply this patch."
  exit 1
fi

if ! git rev-parse --is-inside-work-tree >/dev/null 2>&1; then
  echo "Run this script from the root of a git repository."
  exit 1
fi

if ! git diff --quiet || ! git diff --cached --quiet; then
  echo "Your working tree has uncommitted changes. Commit or stash them first."
  exit 1
fi

git apply --index "${PATCH_FILE}"
echo "Patch applied. Review the result with git status."
`

func readme(taskID string) string {
	lines := []string{
		fmt.Sprintf("# Git Export Bundle for task %s", taskID),
		"",
		"This bundle contains a Git-friendly patch with supporting files.",
		"",
		"## Contents",
		"- `patch.diff`: Unified diff for the task changes.",
		"- `apply.sh`: Helper script to apply the patch safely.",
		"- `changed_files.json`: Machine-readable list of changed files.",
		"- `README_APPLY.md`: This guide.",
		"",
		"## Apply with the helper script",
		"1. Ensure `git` is installed.",
		"2. `cd` to the root of the target repository.",
		"3. Ensure the working tree is clean (`git status`).",
		"4. Run: `./apply.sh`",
		"",
		"## Apply manually",
		"```bash",
		"git apply --index patch.diff",
		"```",
		"",
		"## Notes",
		"- Binary files are listed in `changed_files.json` and must be handled manually.",
		"- If the patch fails to apply cleanly, use `git apply --3way patch.diff`.",
	}
	return strings.Join(lines, "\n")
}
