package refstore

import (
	"context"
	"errors"
	"time"

	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
)

// Instrumented wraps a RefStore and records every call in the
// refstore_requests_total and refstore_request_duration_seconds metrics.
type Instrumented struct {
	inner   RefStore
	metrics *metrics.Metrics
}

// Instrument wraps inner. A nil m returns inner unchanged.
func Instrument(inner RefStore, m *metrics.Metrics) RefStore {
	if m == nil {
		return inner
	}
	return &Instrumented{inner: inner, metrics: m}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	s.metrics.ObserveRefStore(op, resultLabel(err), time.Since(start))
}

// resultLabel maps an error onto the metric's result label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "exists"
	case IsStatus(err):
		return "status"
	default:
		return "error"
	}
}

// GetBranch implements RefStore.
func (s *Instrumented) GetBranch(ctx context.Context, name string) (string, error) {
	start := time.Now()
	sha, err := s.inner.GetBranch(ctx, name)
	s.observe("get_branch", start, err)
	return sha, err
}

// CreateRef implements RefStore.
func (s *Instrumented) CreateRef(ctx context.Context, name, sha string) error {
	start := time.Now()
	err := s.inner.CreateRef(ctx, name, sha)
	s.observe("create_ref", start, err)
	return err
}

// DeleteRef implements RefStore.
func (s *Instrumented) DeleteRef(ctx context.Context, name string) error {
	start := time.Now()
	err := s.inner.DeleteRef(ctx, name)
	s.observe("delete_ref", start, err)
	return err
}

// GetFileContents implements RefStore.
func (s *Instrumented) GetFileContents(ctx context.Context, branch, path string) (string, error) {
	start := time.Now()
	blob, err := s.inner.GetFileContents(ctx, branch, path)
	s.observe("get_file_contents", start, err)
	return blob, err
}

// PutFileContents implements RefStore.
func (s *Instrumented) PutFileContents(ctx context.Context, branch, path, blob, message string) error {
	start := time.Now()
	err := s.inner.PutFileContents(ctx, branch, path, blob, message)
	s.observe("put_file_contents", start, err)
	return err
}

// CreateIssueComment implements RefStore.
func (s *Instrumented) CreateIssueComment(ctx context.Context, number int, body string) error {
	start := time.Now()
	err := s.inner.CreateIssueComment(ctx, number, body)
	s.observe("create_issue_comment", start, err)
	return err
}

// Ping forwards to the wrapped store when it implements Pinger.
func (s *Instrumented) Ping(ctx context.Context) error {
	if p, ok := s.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
