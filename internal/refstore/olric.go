package refstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/oklog/ulid"
	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/store"
)

// Olric is a RefStore kept in the service's own Olric cluster, for
// deployments that gate something other than a GitHub repository. Refs
// map a branch name to a commit id and each commit id maps to the set of
// files written in it. Commits are immutable; a file write creates a new
// commit and moves the ref.
type Olric struct {
	store  store.Store
	logger *zap.Logger
}

// NewOlric wraps a store.Store as a RefStore.
func NewOlric(s store.Store, logger *zap.Logger) *Olric {
	return &Olric{store: s, logger: logger}
}

func refKey(name string) string { return "ref/" + name }

func commitKey(sha string) string { return "commit/" + sha }

func commentKey(n int) string { return "comment/" + strconv.Itoa(n) + "/" + newCommitID() }

// isStoredCommit reports whether sha was minted by newCommitID.
func isStoredCommit(sha string) bool { return len(sha) == ulid.EncodedSize }

// A ref value is "<sha>@<generation>". The generation is new on every
// create and move, so a ref recreated at the same commit never compares
// equal to the one it replaced.
func refValue(sha string) string { return sha + "@" + newCommitID() }

func refSHA(value string) string {
	sha, _, _ := strings.Cut(value, "@")
	return sha
}

// ref returns the raw value of the named ref.
func (o *Olric) ref(ctx context.Context, name string) (string, error) {
	value, err := o.store.Get(ctx, refKey(name))
	if errors.Is(err, store.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get branch %s: %w", name, err)
	}
	return value, nil
}

// GetBranch implements RefStore.
func (o *Olric) GetBranch(ctx context.Context, name string) (string, error) {
	value, err := o.ref(ctx, name)
	if err != nil {
		return "", err
	}
	return refSHA(value), nil
}

// CreateRef implements RefStore on the cluster's put-if-absent.
func (o *Olric) CreateRef(ctx context.Context, name, sha string) error {
	err := o.store.PutIfAbsent(ctx, refKey(name), refValue(sha))
	if errors.Is(err, store.ErrKeyExists) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create ref %s: %w", name, err)
	}
	return nil
}

// deleteAttempts bounds how often DeleteRef retries when a concurrent
// commit moves the ref between the read and the delete.
const deleteAttempts = 3

// DeleteRef implements RefStore. The ref is only removed at the value it
// was read at, so a concurrent commit is never resurrected or lost.
func (o *Olric) DeleteRef(ctx context.Context, name string) error {
	for attempt := 1; ; attempt++ {
		value, err := o.ref(ctx, name)
		if err != nil {
			return err
		}

		err = o.store.CompareAndDelete(ctx, refKey(name), value)
		if errors.Is(err, store.ErrKeyNotFound) {
			return ErrNotFound
		}
		if errors.Is(err, store.ErrValueChanged) && attempt < deleteAttempts {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete ref %s: %w", name, err)
		}

		// Commits written through this store are only reachable from the
		// ref just removed.
		if sha := refSHA(value); isStoredCommit(sha) {
			o.dropCommit(ctx, name, sha)
		}
		return nil
	}
}

func (o *Olric) dropCommit(ctx context.Context, branch, sha string) {
	if _, err := o.store.Delete(ctx, commitKey(sha)); err != nil {
		o.logger.Warn("Failed to remove orphaned commit",
			zap.String("branch", branch),
			zap.String("sha", sha),
			zap.Error(err),
		)
	}
}

// files returns the files of commit sha. Commits never written through
// this store have no files.
func (o *Olric) files(ctx context.Context, sha string) (map[string]string, error) {
	raw, err := o.store.Get(ctx, commitKey(sha))
	if errors.Is(err, store.ErrKeyNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	files := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &files); err != nil {
		return nil, fmt.Errorf("corrupt commit %s: %w", sha, err)
	}
	return files, nil
}

// GetFileContents implements RefStore.
func (o *Olric) GetFileContents(ctx context.Context, branch, path string) (string, error) {
	sha, err := o.GetBranch(ctx, branch)
	if err != nil {
		return "", err
	}

	files, err := o.files(ctx, sha)
	if err != nil {
		return "", fmt.Errorf("get %s on %s: %w", path, branch, err)
	}
	blob, ok := files[path]
	if !ok {
		return "", ErrNotFound
	}
	return blob, nil
}

// PutFileContents implements RefStore. The file must not exist on the
// branch yet, and the ref only moves to the new commit if nothing else
// moved or recreated it in the meantime.
func (o *Olric) PutFileContents(ctx context.Context, branch, path, blob, message string) error {
	value, err := o.ref(ctx, branch)
	if err != nil {
		return err
	}
	parent := refSHA(value)

	files, err := o.files(ctx, parent)
	if err != nil {
		return fmt.Errorf("put %s on %s: %w", path, branch, err)
	}
	if _, ok := files[path]; ok {
		return ErrAlreadyExists
	}
	files[path] = blob

	data, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("put %s on %s: %w", path, branch, err)
	}

	sha := newCommitID()
	if err := o.store.Put(ctx, commitKey(sha), string(data)); err != nil {
		return fmt.Errorf("put %s on %s: %w", path, branch, err)
	}

	err = o.store.CompareAndSwap(ctx, refKey(branch), value, refValue(sha))
	if err != nil {
		o.dropCommit(ctx, branch, sha)
	}
	if errors.Is(err, store.ErrKeyNotFound) || errors.Is(err, store.ErrValueChanged) {
		o.logger.Debug("Branch moved during commit",
			zap.String("branch", branch),
			zap.String("parent", parent),
		)
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", branch, sha, err)
	}

	o.logger.Debug("Committed file",
		zap.String("branch", branch),
		zap.String("path", path),
		zap.String("sha", sha),
		zap.String("message", message),
	)
	return nil
}

// CreateIssueComment records the comment in the cluster; there is no
// pull request to post it on.
func (o *Olric) CreateIssueComment(ctx context.Context, number int, body string) error {
	if err := o.store.Put(ctx, commentKey(number), body); err != nil {
		return fmt.Errorf("record comment on #%d: %w", number, err)
	}
	o.logger.Info("Lock comment", zap.Int("number", number), zap.String("body", body))
	return nil
}

// Ping implements Pinger.
func (o *Olric) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

