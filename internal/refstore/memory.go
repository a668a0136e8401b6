package refstore

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// Comment is an issue comment recorded by Memory.
type Comment struct {
	Number int
	Body   string
}

// Memory is an in-process RefStore. It backs the "memory" lock backend
// for local runs and is the fake the lock tests run against.
type Memory struct {
	mu       sync.Mutex
	branches map[string]string
	commits  map[string]map[string]string
	comments []Comment
	calls    map[string]int
	failures map[string]error

	// BeforeCreateRef, when set, runs before CreateRef takes the store
	// lock. Tests use it to slip a competing claim in between a lock
	// probe and the create.
	BeforeCreateRef func(name string)
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		branches: make(map[string]string),
		commits:  make(map[string]map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// newCommitID returns a unique, sortable id standing in for a git SHA.
func newCommitID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// SeedBranch creates a branch with no files, returning its SHA.
func (m *Memory) SeedBranch(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sha := newCommitID()
	m.branches[name] = sha
	return sha
}

// FailOn makes the next call of op return err. Op is the method name,
// e.g. "DeleteRef".
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// Calls returns how many times op has been invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Comments returns the comments posted so far.
func (m *Memory) Comments() []Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Comment(nil), m.comments...)
}

// HasBranch reports whether the branch exists.
func (m *Memory) HasBranch(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.branches[name]
	return ok
}

// begin records the call and returns an injected failure, if any. The
// caller must hold m.mu.
func (m *Memory) begin(op string) error {
	m.calls[op]++
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

// GetBranch implements RefStore.
func (m *Memory) GetBranch(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("GetBranch"); err != nil {
		return "", err
	}
	sha, ok := m.branches[name]
	if !ok {
		return "", ErrNotFound
	}
	return sha, nil
}

// CreateRef implements RefStore.
func (m *Memory) CreateRef(_ context.Context, name, sha string) error {
	if m.BeforeCreateRef != nil {
		m.BeforeCreateRef(name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("CreateRef"); err != nil {
		return err
	}
	if _, ok := m.branches[name]; ok {
		return ErrAlreadyExists
	}
	m.branches[name] = sha
	return nil
}

// DeleteRef implements RefStore.
func (m *Memory) DeleteRef(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("DeleteRef"); err != nil {
		return err
	}
	if _, ok := m.branches[name]; !ok {
		return ErrNotFound
	}
	delete(m.branches, name)
	return nil
}

// GetFileContents implements RefStore.
func (m *Memory) GetFileContents(_ context.Context, branch, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("GetFileContents"); err != nil {
		return "", err
	}
	sha, ok := m.branches[branch]
	if !ok {
		return "", ErrNotFound
	}
	blob, ok := m.commits[sha][path]
	if !ok {
		return "", ErrNotFound
	}
	return blob, nil
}

// PutFileContents implements RefStore. Each write creates a new commit
// carrying the parent's files plus the written one; existing files are
// never replaced.
func (m *Memory) PutFileContents(_ context.Context, branch, path, blob, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("PutFileContents"); err != nil {
		return err
	}
	parent, ok := m.branches[branch]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.commits[parent][path]; ok {
		return ErrAlreadyExists
	}

	files := make(map[string]string, len(m.commits[parent])+1)
	for p, b := range m.commits[parent] {
		files[p] = b
	}
	files[path] = blob

	sha := newCommitID()
	m.commits[sha] = files
	m.branches[branch] = sha
	return nil
}

// CreateIssueComment implements RefStore.
func (m *Memory) CreateIssueComment(_ context.Context, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("CreateIssueComment"); err != nil {
		return err
	}
	m.comments = append(m.comments, Comment{Number: number, Body: body})
	return nil
}

// Ping implements Pinger.
func (m *Memory) Ping(context.Context) error {
	return nil
}
