package gitexport

import (
	"context"
	"fmt"
	"sort"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"

	"github.com/autoforge/autoforge/pkg/patchbuilder"
)

// GitHubProvider implements GitProvider against the GitHub REST API.
// One instance is reused across tasks; Owner/Repo come from the
// per-request CreatePRRequest so a single token can publish to any
// repo the token has write access to.
type GitHubProvider struct {
	client *gh.Client
}

// NewGitHubProvider builds a GitHubProvider authenticated with token,
// wrapped in go-github-ratelimit's transport so secondary and primary
// rate limits are retried transparently instead of surfacing as 403s
// mid-publish.
func NewGitHubProvider(token string) *GitHubProvider {
	rateLimited := github_ratelimit.NewClient(nil)
	client := gh.NewClient(rateLimited).WithAuthToken(token)
	return &GitHubProvider{client: client}
}

// CreatePullRequest creates a branch off req.BaseBranch (or the repo's
// default branch), commits every changed file via the Contents API,
// and opens a pull request back to the base branch.
func (p *GitHubProvider) CreatePullRequest(ctx context.Context, req CreatePRRequest) (*PRResult, error) {
	if len(req.ChangedFiles) == 0 {
		return nil, ErrNoChanges
	}

	base := req.BaseBranch
	if base == "" {
		repo, _, err := p.client.Repositories.Get(ctx, req.Owner, req.Repo)
		if err != nil {
			return nil, fmt.Errorf("gitexport: get repo: %w", err)
		}
		base = repo.GetDefaultBranch()
	}

	baseRef, _, err := p.client.Git.GetRef(ctx, req.Owner, req.Repo, "refs/heads/"+base)
	if err != nil {
		return nil, fmt.Errorf("gitexport: get base ref %q: %w", base, err)
	}

	branch := branchName(req.TaskID)
	newRef := &gh.Reference{
		Ref:    gh.Ptr("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: baseRef.Object.SHA},
	}
	if _, _, err := p.client.Git.CreateRef(ctx, req.Owner, req.Repo, newRef); err != nil {
		return nil, fmt.Errorf("gitexport: create branch %q: %w", branch, err)
	}

	// Stable commit order keeps a deterministic, reviewable history for
	// repeated runs against the same task.
	sort.Slice(req.ChangedFiles, func(i, j int) bool { return req.ChangedFiles[i].Path < req.ChangedFiles[j].Path })

	for _, cf := range req.ChangedFiles {
		if err := p.applyChange(ctx, req, branch, cf); err != nil {
			return nil, fmt.Errorf("gitexport: apply change to %q: %w", cf.Path, err)
		}
	}

	pr, _, err := p.client.PullRequests.Create(ctx, req.Owner, req.Repo, &gh.NewPullRequest{
		Title: gh.Ptr(req.Title),
		Head:  gh.Ptr(branch),
		Base:  gh.Ptr(base),
		Body:  gh.Ptr(req.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("gitexport: create pull request: %w", err)
	}

	return &PRResult{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Branch: branch}, nil
}

// applyChange pushes one changed_files entry through the Contents API:
// a deletion for ChangeRemoved, a create-or-update for everything else.
func (p *GitHubProvider) applyChange(ctx context.Context, req CreatePRRequest, branch string, cf patchbuilder.FileChange) error {
	if cf.ChangeType == patchbuilder.ChangeRemoved {
		existing, _, _, err := p.client.Repositories.GetContents(ctx, req.Owner, req.Repo, cf.Path, &gh.RepositoryContentGetOptions{Ref: branch})
		if err != nil {
			return fmt.Errorf("get existing content: %w", err)
		}
		_, _, err = p.client.Repositories.DeleteFile(ctx, req.Owner, req.Repo, cf.Path, &gh.RepositoryContentFileOptions{
			Message: gh.Ptr(fmt.Sprintf("autoforge: remove %s", cf.Path)),
			SHA:     existing.SHA,
			Branch:  gh.Ptr(branch),
		})
		return err
	}

	entry, ok := req.Files[cf.Path]
	if !ok {
		return fmt.Errorf("no final content for %s", cf.Path)
	}

	opts := &gh.RepositoryContentFileOptions{
		Message: gh.Ptr(fmt.Sprintf("autoforge: update %s", cf.Path)),
		Content: entry.Content,
		Branch:  gh.Ptr(branch),
	}
	if cf.ChangeType == patchbuilder.ChangeModified {
		existing, _, _, err := p.client.Repositories.GetContents(ctx, req.Owner, req.Repo, cf.Path, &gh.RepositoryContentGetOptions{Ref: branch})
		if err != nil {
			return fmt.Errorf("get existing content: %w", err)
		}
		opts.SHA = existing.SHA
		_, _, err = p.client.Repositories.UpdateFile(ctx, req.Owner, req.Repo, cf.Path, opts)
		return err
	}

	_, _, err := p.client.Repositories.CreateFile(ctx, req.Owner, req.Repo, cf.Path, opts)
	return err
}

var _ GitProvider = (*GitHubProvider)(nil)
