package store

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestStatsCollector(t *testing.T) {
	fs := newFakeStore()
	fs.stats = &StoreStats{ClusterMembers: 3, PartitionCount: 271, ReplicationFactor: 2, Coordinator: true}

	c := NewStatsCollector("test", fs, time.Second, zap.NewNop())

	expected := `
# HELP test_olric_cluster_members Number of live Olric cluster members
# TYPE test_olric_cluster_members gauge
test_olric_cluster_members 3
# HELP test_olric_coordinator_present Whether a cluster coordinator is visible (1) or not (0)
# TYPE test_olric_coordinator_present gauge
test_olric_coordinator_present 1
# HELP test_olric_up Whether the last stats read succeeded (1) or not (0)
# TYPE test_olric_up gauge
test_olric_up 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"test_olric_cluster_members", "test_olric_coordinator_present", "test_olric_up"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}

func TestStatsCollectorStatsError(t *testing.T) {
	fs := newFakeStore()
	fs.stats = nil

	c := NewStatsCollector("test", fs, time.Second, zap.NewNop())

	if n := testutil.CollectAndCount(c); n != 1 {
		t.Errorf("collected %d metrics, want only the up gauge", n)
	}

	expected := `
# HELP test_olric_up Whether the last stats read succeeded (1) or not (0)
# TYPE test_olric_up gauge
test_olric_up 0
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "test_olric_up"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}
