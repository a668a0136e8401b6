package refstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/store"
)

// mapStore is a store.Store kept in a map.
type mapStore struct {
	mu      sync.Mutex
	data    map[string]string
	putErr  error
	pingErr error

	// beforePut, when set, runs once ahead of the next Put.
	beforePut func(key string)
}

func newMapStore() *mapStore {
	return &mapStore{data: map[string]string{}}
}

func (s *mapStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	hook := s.beforePut
	s.beforePut = nil
	s.mu.Unlock()
	if hook != nil {
		hook(key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = value
	return nil
}

func (s *mapStore) PutIfAbsent(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return store.ErrKeyExists
	}
	s.data[key] = value
	return nil
}

func (s *mapStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", store.ErrKeyNotFound
	}
	return v, nil
}

func (s *mapStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (s *mapStore) CompareAndSwap(_ context.Context, key, old, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(key, old); err != nil {
		return err
	}
	s.data[key] = value
	return nil
}

func (s *mapStore) CompareAndDelete(_ context.Context, key, old string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.expect(key, old); err != nil {
		return err
	}
	delete(s.data, key)
	return nil
}

func (s *mapStore) expect(key, old string) error {
	v, ok := s.data[key]
	if !ok {
		return store.ErrKeyNotFound
	}
	if v != old {
		return store.ErrValueChanged
	}
	return nil
}

func (s *mapStore) Ping(context.Context) error { return s.pingErr }

func (s *mapStore) Stats(context.Context) (*store.StoreStats, error) {
	return &store.StoreStats{ClusterMembers: 1}, nil
}

func (s *mapStore) Close(context.Context) error { return nil }

func (s *mapStore) keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out
}

func TestOlricCreateAndDeleteRef(t *testing.T) {
	ctx := context.Background()
	o := NewOlric(newMapStore(), zap.NewNop())

	_, err := o.GetBranch(ctx, "staging-branch-deploy-lock")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, o.CreateRef(ctx, "staging-branch-deploy-lock", "0123456789abcdef0123456789abcdef01234567"))
	assert.ErrorIs(t, o.CreateRef(ctx, "staging-branch-deploy-lock", "0123456789abcdef0123456789abcdef01234567"), ErrAlreadyExists)

	sha, err := o.GetBranch(ctx, "staging-branch-deploy-lock")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", sha)

	require.NoError(t, o.DeleteRef(ctx, "staging-branch-deploy-lock"))
	assert.ErrorIs(t, o.DeleteRef(ctx, "staging-branch-deploy-lock"), ErrNotFound)
}

func TestOlricFiles(t *testing.T) {
	ctx := context.Background()
	s := newMapStore()
	o := NewOlric(s, zap.NewNop())

	require.NoError(t, o.CreateRef(ctx, "lock", "0123456789abcdef0123456789abcdef01234567"))

	_, err := o.GetFileContents(ctx, "lock", "lock.json")
	assert.ErrorIs(t, err, ErrNotFound, "external commits carry no files")

	require.NoError(t, o.PutFileContents(ctx, "lock", "lock.json", "e30=", "lock"))
	require.NoError(t, o.PutFileContents(ctx, "lock", "notes.txt", "bm90ZXM=", "notes"))

	blob, err := o.GetFileContents(ctx, "lock", "lock.json")
	require.NoError(t, err)
	assert.Equal(t, "e30=", blob, "later commits keep earlier files")

	assert.Len(t, s.keys("commit/"), 2)

	require.NoError(t, o.DeleteRef(ctx, "lock"))
	assert.Len(t, s.keys("commit/"), 1, "the head commit is removed with its ref")

	_, err = o.GetFileContents(ctx, "lock", "lock.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOlricCorruptCommit(t *testing.T) {
	ctx := context.Background()
	s := newMapStore()
	o := NewOlric(s, zap.NewNop())

	s.data[refKey("lock")] = "01hzzzzzzzzzzzzzzzzzzzzzzz"
	s.data[commitKey("01hzzzzzzzzzzzzzzzzzzzzzzz")] = "not json"

	_, err := o.GetFileContents(ctx, "lock", "lock.json")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestOlricStoreErrors(t *testing.T) {
	ctx := context.Background()
	s := newMapStore()
	o := NewOlric(s, zap.NewNop())
	require.NoError(t, o.CreateRef(ctx, "lock", "0123456789abcdef0123456789abcdef01234567"))

	boom := errors.New("partition unavailable")
	s.putErr = boom

	assert.ErrorIs(t, o.PutFileContents(ctx, "lock", "lock.json", "e30=", "lock"), boom)
	assert.ErrorIs(t, o.CreateIssueComment(ctx, 3, "hi"), boom)

	s.pingErr = boom
	assert.ErrorIs(t, o.Ping(ctx), boom)
}

func TestOlricComments(t *testing.T) {
	ctx := context.Background()
	s := newMapStore()
	o := NewOlric(s, zap.NewNop())

	require.NoError(t, o.CreateIssueComment(ctx, 42, "first"))
	require.NoError(t, o.CreateIssueComment(ctx, 42, "second"))

	assert.Len(t, s.keys("comment/42/"), 2)
}

func TestOlricFileIsWrittenOnce(t *testing.T) {
	ctx := context.Background()
	o := NewOlric(newMapStore(), zap.NewNop())

	require.NoError(t, o.CreateRef(ctx, "lock", "0123456789abcdef0123456789abcdef01234567"))
	require.NoError(t, o.PutFileContents(ctx, "lock", "lock.json", "e30=", "lock"))
	assert.ErrorIs(t, o.PutFileContents(ctx, "lock", "lock.json", "bm90ZXM=", "lock"), ErrAlreadyExists)

	blob, err := o.GetFileContents(ctx, "lock", "lock.json")
	require.NoError(t, err)
	assert.Equal(t, "e30=", blob)
}

func TestOlricCommitAfterRefRecreated(t *testing.T) {
	const (
		branch = "production-branch-deploy-lock"
		source = "0123456789abcdef0123456789abcdef01234567"
	)

	tests := []struct {
		name string
		// rival runs between the first writer's commit and its ref move.
		rival func(t *testing.T, o *Olric)
	}{
		{
			name: "released",
			rival: func(t *testing.T, o *Olric) {
				require.NoError(t, o.DeleteRef(context.Background(), branch))
			},
		},
		{
			name: "released and claimed at the same commit",
			rival: func(t *testing.T, o *Olric) {
				ctx := context.Background()
				require.NoError(t, o.DeleteRef(ctx, branch))
				require.NoError(t, o.CreateRef(ctx, branch, source))
			},
		},
		{
			name: "released and claimed with its lock file",
			rival: func(t *testing.T, o *Olric) {
				ctx := context.Background()
				require.NoError(t, o.DeleteRef(ctx, branch))
				require.NoError(t, o.CreateRef(ctx, branch, source))
				require.NoError(t, o.PutFileContents(ctx, branch, "lock.json", "cml2YWw=", "rival"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newMapStore()
			o := NewOlric(s, zap.NewNop())

			require.NoError(t, o.CreateRef(ctx, branch, source))
			before := s.keys("commit/")
			s.beforePut = func(string) { tt.rival(t, o) }

			err := o.PutFileContents(ctx, branch, "lock.json", "Zmlyc3Q=", "first")
			assert.ErrorIs(t, err, ErrNotFound, "a moved ref is never overwritten")

			blob, err := o.GetFileContents(ctx, branch, "lock.json")
			if err == nil {
				assert.Equal(t, "cml2YWw=", blob, "the rival keeps its lock file")
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
			assert.LessOrEqual(t, len(s.keys("commit/")), len(before)+1, "the orphaned commit is dropped")
		})
	}
}

func TestOlricDeleteRefAfterCommit(t *testing.T) {
	ctx := context.Background()
	s := newMapStore()
	o := NewOlric(s, zap.NewNop())

	require.NoError(t, o.CreateRef(ctx, "lock", "0123456789abcdef0123456789abcdef01234567"))
	require.NoError(t, o.PutFileContents(ctx, "lock", "lock.json", "e30=", "lock"))
	require.NoError(t, o.DeleteRef(ctx, "lock"))

	_, err := o.GetBranch(ctx, "lock")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s.keys("commit/"))
	assert.Empty(t, s.keys("ref/"))
}
