package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/health"
)

// fakeStore is an in-memory Store for checker tests.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string]string
	pingErr error
	stats   *StoreStats
	noNX    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, stats: &StoreStats{ClusterMembers: 1}}
}

func (f *fakeStore) Put(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeStore) PutIfAbsent(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok && !f.noNX {
		return ErrKeyExists
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	delete(f.data, key)
	return ok, nil
}

func (f *fakeStore) CompareAndSwap(_ context.Context, key, old, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect(key, old); err != nil {
		return err
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) CompareAndDelete(_ context.Context, key, old string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expect(key, old); err != nil {
		return err
	}
	delete(f.data, key)
	return nil
}

func (f *fakeStore) expect(key, old string) error {
	v, ok := f.data[key]
	if !ok {
		return ErrKeyNotFound
	}
	if v != old {
		return ErrValueChanged
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) Stats(context.Context) (*StoreStats, error) {
	if f.stats == nil {
		return nil, errors.New("members unavailable")
	}
	return f.stats, nil
}

func (f *fakeStore) Close(context.Context) error { return nil }

func TestConnectionHealthChecker(t *testing.T) {
	logger := zap.NewNop()

	t.Run("reachable", func(t *testing.T) {
		checker := NewConnectionHealthChecker(logger, newFakeStore())
		if checker.Name() != "olric-connection" {
			t.Errorf("Name() = %s, want olric-connection", checker.Name())
		}
		if result := checker.Check(context.Background()); result.Status != health.StatusOK {
			t.Errorf("Check() status = %s, want %s", result.Status, health.StatusOK)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		fs := newFakeStore()
		fs.pingErr = errors.New("connection refused")
		result := NewConnectionHealthChecker(logger, fs).Check(context.Background())
		if result.Status != health.StatusError {
			t.Errorf("Check() status = %s, want %s", result.Status, health.StatusError)
		}
	})
}

func TestClusterHealthChecker(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name       string
		stats      *StoreStats
		quorum     int
		singleNode bool
		want       health.Status
	}{
		{name: "single node always ok", stats: nil, quorum: 3, singleNode: true, want: health.StatusOK},
		{name: "quorum met", stats: &StoreStats{ClusterMembers: 3}, quorum: 2, want: health.StatusOK},
		{name: "below quorum", stats: &StoreStats{ClusterMembers: 1}, quorum: 2, want: health.StatusNotReady},
		{name: "stats error", stats: nil, quorum: 2, want: health.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.stats = tt.stats
			result := NewClusterHealthChecker(logger, fs, tt.quorum, tt.singleNode).Check(context.Background())
			if result.Status != tt.want {
				t.Errorf("Check() status = %s, want %s (%s)", result.Status, tt.want, result.Message)
			}
		})
	}
}

func TestExclusivityHealthChecker(t *testing.T) {
	logger := zap.NewNop()

	t.Run("exclusive store", func(t *testing.T) {
		fs := newFakeStore()
		result := NewExclusivityHealthChecker(logger, fs).Check(context.Background())
		if result.Status != health.StatusOK {
			t.Errorf("Check() status = %s, want %s (%s)", result.Status, health.StatusOK, result.Message)
		}
		if len(fs.data) != 0 {
			t.Errorf("health check left %d keys behind", len(fs.data))
		}
	})

	t.Run("second write accepted", func(t *testing.T) {
		fs := newFakeStore()
		fs.noNX = true
		result := NewExclusivityHealthChecker(logger, fs).Check(context.Background())
		if result.Status != health.StatusError {
			t.Errorf("Check() status = %s, want %s", result.Status, health.StatusError)
		}
	})
}
