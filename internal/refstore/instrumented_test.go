package refstore

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
)

func TestInstrumentNilMetrics(t *testing.T) {
	mem := NewMemory()
	assert.Same(t, mem, Instrument(mem, nil).(*Memory))
}

func TestInstrumentedRecordsResults(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewMetrics("test", map[string]string{})
	mem := NewMemory()
	s := Instrument(mem, m)

	base := mem.SeedBranch("main")

	require.NoError(t, s.CreateRef(ctx, "lock", base))
	assert.ErrorIs(t, s.CreateRef(ctx, "lock", base), ErrAlreadyExists)
	_, err := s.GetFileContents(ctx, "lock", "lock.json")
	assert.ErrorIs(t, err, ErrNotFound)

	mem.FailOn("DeleteRef", &StatusError{Op: "delete ref", StatusCode: 403})
	assert.Error(t, s.DeleteRef(ctx, "lock"))

	mem.FailOn("GetBranch", errors.New("dial tcp: connection refused"))
	_, err = s.GetBranch(ctx, "main")
	assert.Error(t, err)

	tests := []struct {
		op, result string
		want       float64
	}{
		{"create_ref", "ok", 1},
		{"create_ref", "exists", 1},
		{"get_file_contents", "not_found", 1},
		{"delete_ref", "status", 1},
		{"get_branch", "error", 1},
		{"get_branch", "ok", 0},
	}
	for _, tt := range tests {
		t.Run(tt.op+"/"+tt.result, func(t *testing.T) {
			got := testutil.ToFloat64(m.RefStoreRequestsTotal.WithLabelValues(tt.op, tt.result))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstrumentedPing(t *testing.T) {
	s := Instrument(NewMemory(), metrics.NewMetrics("test", map[string]string{}))

	p, ok := s.(Pinger)
	require.True(t, ok)
	assert.NoError(t, p.Ping(context.Background()))
}
