// Package refstore holds the remote side of the deployment lock: branch
// refs, the lock file committed on them and pull request comments.
//
// A lock is held exactly while its branch exists. The only mutual
// exclusion the lock relies on is CreateRef failing with ErrAlreadyExists
// when the branch is already there, so every backend must implement
// CreateRef as an atomic create-if-absent.
package refstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a branch or file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by CreateRef when the branch exists.
	ErrAlreadyExists = errors.New("reference already exists")
)

// StatusError is an unexpected, non-transport failure reported by the
// remote, such as a permissions or validation error.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Message)
}

// RefStore is the set of repository operations the lock manager needs.
// Names are short branch names without the refs/heads/ prefix.
type RefStore interface {
	// GetBranch returns the commit SHA at the head of the branch.
	GetBranch(ctx context.Context, name string) (string, error)

	// CreateRef creates branch name at sha, failing with ErrAlreadyExists
	// if it is already present.
	CreateRef(ctx context.Context, name, sha string) error

	// DeleteRef removes the branch, failing with ErrNotFound if absent.
	DeleteRef(ctx context.Context, name string) error

	// GetFileContents returns the base64 encoded contents of path on
	// branch.
	GetFileContents(ctx context.Context, branch, path string) (string, error)

	// PutFileContents commits the base64 encoded blob as a new file path
	// on branch. It fails with ErrNotFound if the branch is gone and must
	// never replace a file already on it.
	PutFileContents(ctx context.Context, branch, path, blob, message string) error

	// CreateIssueComment posts body on the issue or pull request.
	CreateIssueComment(ctx context.Context, number int, body string) error
}

// Pinger is implemented by stores that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IsStatus reports whether err is a StatusError.
func IsStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
