package refstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestGitHub returns a GitHub store talking to a test server for
// repository octo/deploy.
func newTestGitHub(t *testing.T, mux *http.ServeMux) *GitHub {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	return newGitHub(client, "octo", "deploy", zap.NewNop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewGitHubRepository(t *testing.T) {
	tests := []struct {
		name    string
		repo    string
		wantErr bool
	}{
		{"valid", "octo/deploy", false},
		{"missing owner", "/deploy", true},
		{"missing name", "octo/", true},
		{"no slash", "deploy", true},
		{"too many parts", "octo/deploy/extra", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGitHub(GitHubConfig{Repository: tt.repo}, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewGitHubEnterpriseURL(t *testing.T) {
	g, err := NewGitHub(GitHubConfig{
		Repository: "octo/deploy",
		APIURL:     "https://github.example.com/api/v3/",
		Token:      "t0ken",
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "https://github.example.com/api/v3/", g.client.BaseURL.String())
}

func TestGitHubGetBranch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/deploy/branches/main", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":   "main",
			"commit": map[string]any{"sha": "a1b2c3"},
		})
	})
	mux.HandleFunc("GET /repos/octo/deploy/branches/missing", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Branch not found"})
	})
	g := newTestGitHub(t, mux)

	sha, err := g.GetBranch(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3", sha)

	_, err = g.GetBranch(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGitHubCreateRef(t *testing.T) {
	created := map[string]bool{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/octo/deploy/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}
		if created[body.Ref] {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "Reference already exists"})
			return
		}
		if body.SHA == "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "Invalid request"})
			return
		}
		created[body.Ref] = true
		writeJSON(w, http.StatusCreated, map[string]any{
			"ref":    body.Ref,
			"object": map[string]any{"sha": body.SHA, "type": "commit"},
		})
	})
	g := newTestGitHub(t, mux)
	ctx := context.Background()

	require.NoError(t, g.CreateRef(ctx, "production-branch-deploy-lock", "a1b2c3"))
	assert.True(t, created["refs/heads/production-branch-deploy-lock"])

	assert.ErrorIs(t, g.CreateRef(ctx, "production-branch-deploy-lock", "a1b2c3"), ErrAlreadyExists)

	err := g.CreateRef(ctx, "staging-branch-deploy-lock", "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
}

func TestGitHubDeleteRef(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /repos/octo/deploy/git/refs/heads/held", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /repos/octo/deploy/git/refs/heads/unheld", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "Reference does not exist"})
	})
	mux.HandleFunc("DELETE /repos/octo/deploy/git/refs/heads/protected", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "Resource not accessible by integration"})
	})
	g := newTestGitHub(t, mux)
	ctx := context.Background()

	assert.NoError(t, g.DeleteRef(ctx, "held"))
	assert.ErrorIs(t, g.DeleteRef(ctx, "unheld"), ErrNotFound)

	err := g.DeleteRef(ctx, "protected")
	assert.True(t, IsStatus(err))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestGitHubFileContents(t *testing.T) {
	const record = `{"branch":"feature"}`
	var stored []byte

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /repos/octo/deploy/contents/lock.json", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string `json:"message"`
			Content []byte `json:"content"`
			Branch  string `json:"branch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
			return
		}
		if body.Branch != "production-branch-deploy-lock" {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Branch not found"})
			return
		}
		stored = body.Content
		writeJSON(w, http.StatusCreated, map[string]any{
			"content": map[string]any{"name": "lock.json", "path": "lock.json"},
		})
	})
	mux.HandleFunc("GET /repos/octo/deploy/contents/lock.json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ref") != "production-branch-deploy-lock" || stored == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
			return
		}
		// The API wraps base64 content across lines.
		enc := base64.StdEncoding.EncodeToString(stored)
		if len(enc) > 8 {
			enc = enc[:8] + "\n" + enc[8:]
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"type":     "file",
			"name":     "lock.json",
			"path":     "lock.json",
			"encoding": "base64",
			"content":  enc,
		})
	})
	g := newTestGitHub(t, mux)
	ctx := context.Background()

	_, err := g.GetFileContents(ctx, "production-branch-deploy-lock", "lock.json")
	assert.ErrorIs(t, err, ErrNotFound)

	blob := base64.StdEncoding.EncodeToString([]byte(record))
	require.NoError(t, g.PutFileContents(ctx, "production-branch-deploy-lock", "lock.json", blob, "lock"))
	assert.Equal(t, record, string(stored), "the committed file holds the decoded record")

	got, err := g.GetFileContents(ctx, "production-branch-deploy-lock", "lock.json")
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	assert.ErrorIs(t, g.PutFileContents(ctx, "missing", "lock.json", blob, "lock"), ErrNotFound)
	assert.Error(t, g.PutFileContents(ctx, "production-branch-deploy-lock", "lock.json", "%%%", "lock"))
}

func TestGitHubCreateIssueComment(t *testing.T) {
	var got string

	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/octo/deploy/issues/12/comments", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Body string `json:"body"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = body.Body
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1, "body": body.Body})
	})
	g := newTestGitHub(t, mux)

	require.NoError(t, g.CreateIssueComment(context.Background(), 12, "### 🔒 Deployment Lock Claimed"))
	assert.Equal(t, "### 🔒 Deployment Lock Claimed", got)
}

func TestGitHubErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/deploy/branches/broken", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Server Error"})
	})
	mux.HandleFunc("GET /repos/octo/deploy/branches/limited", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "0")
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "API rate limit exceeded"})
	})
	g := newTestGitHub(t, mux)
	ctx := context.Background()

	_, err := g.GetBranch(ctx, "broken")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)

	_, err = g.GetBranch(ctx, "limited")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
}

func TestGitHubTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	srv.Close()

	client := github.NewClient(nil)
	client.BaseURL = base
	g := newGitHub(client, "octo", "deploy", zap.NewNop())

	_, err = g.GetBranch(context.Background(), "main")
	require.Error(t, err)
	assert.False(t, IsStatus(err))
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestGitHubPing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/octo/deploy", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"full_name": "octo/deploy"})
	})
	g := newTestGitHub(t, mux)

	assert.NoError(t, g.Ping(context.Background()))
}
