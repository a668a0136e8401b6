package refstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
	"go.uber.org/zap"
)

// GitHubConfig configures access to the repository holding the locks.
type GitHubConfig struct {
	// Token authenticates API calls; it needs contents and pull request
	// write access.
	Token string

	// Repository is the "owner/name" of the repository.
	Repository string

	// APIURL is set for GitHub Enterprise Server, e.g.
	// https://github.example.com/api/v3/.
	APIURL string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// GitHub is a RefStore backed by the GitHub REST API.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
	logger *zap.Logger
}

// NewGitHub creates a GitHub store for cfg.Repository.
func NewGitHub(cfg GitHubConfig, logger *zap.Logger) (*GitHub, error) {
	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("repository must be in owner/name form, got %q", cfg.Repository)
	}

	client := github.NewClient(cfg.HTTPClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.APIURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.APIURL, cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
	}

	return newGitHub(client, owner, repo, logger), nil
}

func newGitHub(client *github.Client, owner, repo string, logger *zap.Logger) *GitHub {
	return &GitHub{client: client, owner: owner, repo: repo, logger: logger}
}

// classify maps a go-github error onto the RefStore error kinds. Errors
// without an HTTP response are transport failures and are only wrapped.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &StatusError{Op: op, StatusCode: rateErr.Response.StatusCode, Message: rateErr.Message}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return &StatusError{Op: op, StatusCode: abuseErr.Response.StatusCode, Message: abuseErr.Message}
	}

	var respErr *github.ErrorResponse
	if !errors.As(err, &respErr) || respErr.Response == nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	code := respErr.Response.StatusCode
	msg := strings.ToLower(respErr.Message)
	switch {
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusUnprocessableEntity && strings.Contains(msg, "already exists"):
		return ErrAlreadyExists
	case code == http.StatusUnprocessableEntity && strings.Contains(msg, "does not exist"):
		return ErrNotFound
	}

	return &StatusError{Op: op, StatusCode: code, Message: respErr.Message}
}

// GetBranch implements RefStore.
func (g *GitHub) GetBranch(ctx context.Context, name string) (string, error) {
	branch, resp, err := g.client.Repositories.GetBranch(ctx, g.owner, g.repo, name, 1)
	if err != nil {
		// GetBranch follows redirects itself and reports non-200 statuses
		// as plain errors, so the response is the only reliable signal.
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) || resp == nil || resp.Response == nil {
			return "", classify("get branch", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			return "", ErrNotFound
		}
		return "", &StatusError{Op: "get branch", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return branch.GetCommit().GetSHA(), nil
}

// CreateRef implements RefStore.
func (g *GitHub) CreateRef(ctx context.Context, name, sha string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	_, _, err := g.client.Git.CreateRef(ctx, g.owner, g.repo, ref)
	return classify("create ref", err)
}

// DeleteRef implements RefStore.
func (g *GitHub) DeleteRef(ctx context.Context, name string) error {
	_, err := g.client.Git.DeleteRef(ctx, g.owner, g.repo, "heads/"+name)
	return classify("delete ref", err)
}

// GetFileContents implements RefStore. The API already returns the file
// base64 encoded; the encoding is normalised to a single line.
func (g *GitHub) GetFileContents(ctx context.Context, branch, path string) (string, error) {
	file, _, _, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, path,
		&github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return "", classify("get file contents", err)
	}
	if file == nil {
		// path is a directory
		return "", ErrNotFound
	}

	content, err := file.GetContent()
	if err != nil {
		// Hand back what the API sent; the lock codec rejects it.
		g.logger.Debug("File content could not be decoded",
			zap.String("branch", branch),
			zap.String("path", path),
			zap.Error(err),
		)
		if file.Content == nil {
			return "", nil
		}
		return *file.Content, nil
	}
	return base64.StdEncoding.EncodeToString([]byte(content)), nil
}

// PutFileContents implements RefStore.
func (g *GitHub) PutFileContents(ctx context.Context, branch, path, blob, message string) error {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("put file contents: blob is not base64: %w", err)
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: data,
		Branch:  github.String(branch),
	}
	_, _, err = g.client.Repositories.CreateFile(ctx, g.owner, g.repo, path, opts)
	return classify("put file contents", err)
}

// CreateIssueComment implements RefStore.
func (g *GitHub) CreateIssueComment(ctx context.Context, number int, body string) error {
	_, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number,
		&github.IssueComment{Body: github.String(body)})
	return classify("create comment", err)
}

// Ping implements Pinger by fetching the repository.
func (g *GitHub) Ping(ctx context.Context) error {
	_, _, err := g.client.Repositories.Get(ctx, g.owner, g.repo)
	return classify("get repository", err)
}
