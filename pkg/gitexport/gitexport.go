// Package gitexport publishes a finished task's changes to a hosted Git
// provider as a branch and pull request, the implementation behind
// POST /api/tasks/{id}/create-pr. It builds directly on top of
// pkg/patchbuilder's patch_diff/changed_files output rather than
// talking to git itself: every file gets pushed through the provider's
// Contents API as an add/update/delete, grounded on
// _examples/alanmeadows-otto/internal/provider/github/github.go's
// go-github + go-github-ratelimit client construction.
package gitexport

import (
	"context"
	"fmt"
	"time"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/patchbuilder"
)

// CreatePRRequest names the destination repository and branch, and
// carries the final file set plus the changed_files classification
// PatchBuilder already computed.
type CreatePRRequest struct {
	Owner        string
	Repo         string
	BaseBranch   string // defaults to the repo's default branch when empty
	Title        string
	Body         string
	TaskID       string
	Files        map[string]container.FileEntry
	ChangedFiles []patchbuilder.FileChange
}

// PRResult is what a caller needs to report back through the API and
// events stream once the PR is open.
type PRResult struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// GitProvider publishes a task's changes as a pull request. GitHubProvider
// is the only implementation; the interface exists so pkg/api can be
// built and tested against a fake without a live token.
type GitProvider interface {
	CreatePullRequest(ctx context.Context, req CreatePRRequest) (*PRResult, error)
}

// ErrNoChanges is returned when a CreatePRRequest has no changed_files
// to publish — there is nothing to branch or commit.
var ErrNoChanges = fmt.Errorf("gitexport: no changed files to publish")

// branchName derives a unique, readable branch name from the task ID.
func branchName(taskID string) string {
	return fmt.Sprintf("autoforge/%s-%d", taskID, time.Now().UTC().Unix())
}
