package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StatsCollector exports the cluster view of a Store as Prometheus
// metrics. Stats are read on every scrape, so the values are never older
// than the scrape itself.
type StatsCollector struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger

	members           *prometheus.Desc
	partitions        *prometheus.Desc
	replicationFactor *prometheus.Desc
	coordinator       *prometheus.Desc
	up                *prometheus.Desc
}

// NewStatsCollector returns a collector reading Stats from s, giving up
// after timeout.
func NewStatsCollector(namespace string, s Store, timeout time.Duration, logger *zap.Logger) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "olric", name), help, nil, nil)
	}

	return &StatsCollector{
		store:             s,
		timeout:           timeout,
		logger:            logger,
		members:           desc("cluster_members", "Number of live Olric cluster members"),
		partitions:        desc("cluster_partitions", "Configured number of Olric partitions"),
		replicationFactor: desc("replication_factor", "Configured Olric replication factor"),
		coordinator:       desc("coordinator_present", "Whether a cluster coordinator is visible (1) or not (0)"),
		up:                desc("up", "Whether the last stats read succeeded (1) or not (0)"),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.members
	ch <- c.partitions
	ch <- c.replicationFactor
	ch <- c.coordinator
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		c.logger.Warn("Failed to read olric stats", zap.Error(err))
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}

	coordinator := 0.0
	if stats.Coordinator {
		coordinator = 1
	}

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.members, prometheus.GaugeValue, float64(stats.ClusterMembers))
	ch <- prometheus.MustNewConstMetric(c.partitions, prometheus.GaugeValue, float64(stats.PartitionCount))
	ch <- prometheus.MustNewConstMetric(c.replicationFactor, prometheus.GaugeValue, float64(stats.ReplicationFactor))
	ch <- prometheus.MustNewConstMetric(c.coordinator, prometheus.GaugeValue, coordinator)
}
