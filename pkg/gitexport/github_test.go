package gitexport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gh "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/container"
	"github.com/autoforge/autoforge/pkg/patchbuilder"
)

// newTestProvider wires a GitHubProvider to a test HTTP server, mirroring
// _examples/alanmeadows-otto's WithEnterpriseURLs test-backend helper.
func newTestProvider(t *testing.T, handler http.Handler) *GitHubProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := gh.NewClient(nil).WithEnterpriseURLs(server.URL+"/", server.URL+"/")
	require.NoError(t, err)
	return &GitHubProvider{client: client}
}

func TestCreatePullRequestRejectsEmptyChangeset(t *testing.T) {
	p := &GitHubProvider{}
	_, err := p.CreatePullRequest(context.Background(), CreatePRRequest{Owner: "o", Repo: "r"})
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestCreatePullRequestPublishesAddedFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/o/r/git/refs/heads/main", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&gh.Reference{
			Ref:    gh.Ptr("refs/heads/main"),
			Object: &gh.GitObject{SHA: gh.Ptr("base-sha")},
		})
	})
	var createdRef, createdFile bool
	mux.HandleFunc("/repos/o/r/git/refs", func(w http.ResponseWriter, r *http.Request) {
		createdRef = true
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&gh.Reference{Ref: gh.Ptr("refs/heads/autoforge/task-1")})
	})
	mux.HandleFunc("/repos/o/r/contents/hello.txt", func(w http.ResponseWriter, r *http.Request) {
		var body gh.RepositoryContentFileOptions
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		decoded, err := base64.StdEncoding.DecodeString(string(body.Content))
		require.NoError(t, err)
		assert.Equal(t, "hi", string(decoded))
		createdFile = true
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&gh.RepositoryContentResponse{})
	})
	mux.HandleFunc("/repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(&gh.PullRequest{Number: gh.Ptr(7), HTMLURL: gh.Ptr("https://github.com/o/r/pull/7")})
	})

	p := newTestProvider(t, mux)
	result, err := p.CreatePullRequest(context.Background(), CreatePRRequest{
		Owner: "o", Repo: "r", BaseBranch: "main", Title: "autoforge changes", TaskID: "task-1",
		Files:        map[string]container.FileEntry{"hello.txt": {Content: []byte("hi")}},
		ChangedFiles: []patchbuilder.FileChange{{Path: "hello.txt", ChangeType: patchbuilder.ChangeAdded}},
	})

	require.NoError(t, err)
	assert.True(t, createdRef)
	assert.True(t, createdFile)
	assert.Equal(t, 7, result.Number)
	assert.Equal(t, "https://github.com/o/r/pull/7", result.URL)
}
