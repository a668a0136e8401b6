package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/health"
)

// ConnectionHealthChecker reports whether the Olric listener accepts
// connections.
type ConnectionHealthChecker struct {
	logger *zap.Logger
	store  Store
}

// NewConnectionHealthChecker creates a new connection health checker.
func NewConnectionHealthChecker(logger *zap.Logger, store Store) *ConnectionHealthChecker {
	return &ConnectionHealthChecker{logger: logger, store: store}
}

// Name returns the name of the health check.
func (c *ConnectionHealthChecker) Name() string {
	return "olric-connection"
}

// Check performs the health check.
func (c *ConnectionHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	err := c.store.Ping(ctx)

	result := health.CheckResult{
		Name:      c.Name(),
		Status:    health.StatusOK,
		Message:   "Olric connection healthy",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("Olric connection failed: %v", err)
		c.logger.Warn("Olric connection check failed", zap.Error(err))
	}

	return result
}

// ClusterHealthChecker reports whether enough members are present for
// the lock map to be trusted.
type ClusterHealthChecker struct {
	logger     *zap.Logger
	store      Store
	quorum     int
	singleNode bool
}

// NewClusterHealthChecker creates a new cluster health checker. In single
// node mode the check always passes.
func NewClusterHealthChecker(logger *zap.Logger, store Store, quorum int, singleNode bool) *ClusterHealthChecker {
	return &ClusterHealthChecker{
		logger:     logger,
		store:      store,
		quorum:     quorum,
		singleNode: singleNode,
	}
}

// Name returns the name of the health check.
func (c *ClusterHealthChecker) Name() string {
	return "olric-cluster"
}

// Check performs the health check.
func (c *ClusterHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	result := health.CheckResult{
		Name:      c.Name(),
		Status:    health.StatusOK,
		Timestamp: start,
	}

	if c.singleNode {
		result.Message = "Running in single-node mode"
		result.Duration = time.Since(start)
		return result
	}

	stats, err := c.store.Stats(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("Failed to get cluster stats: %v", err)
		c.logger.Warn("Cluster health check failed", zap.Error(err))
		return result
	}

	if stats.ClusterMembers < c.quorum {
		result.Status = health.StatusNotReady
		result.Message = fmt.Sprintf("Cluster has %d members, quorum requires %d",
			stats.ClusterMembers, c.quorum)
		c.logger.Warn("Cluster member count below quorum",
			zap.Int("members", stats.ClusterMembers),
			zap.Int("quorum", c.quorum),
		)
		return result
	}

	result.Message = fmt.Sprintf("Cluster healthy with %d members", stats.ClusterMembers)
	return result
}

// ExclusivityHealthChecker exercises the put-if-absent primitive the lock
// backend depends on: a first write must succeed and a second must be
// refused.
type ExclusivityHealthChecker struct {
	logger *zap.Logger
	store  Store
}

// NewExclusivityHealthChecker creates a new exclusivity health checker.
func NewExclusivityHealthChecker(logger *zap.Logger, store Store) *ExclusivityHealthChecker {
	return &ExclusivityHealthChecker{logger: logger, store: store}
}

// Name returns the name of the health check.
func (e *ExclusivityHealthChecker) Name() string {
	return "olric-exclusivity"
}

// Check performs the health check.
func (e *ExclusivityHealthChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	key := fmt.Sprintf("health-check/%d", start.UnixNano())

	result := health.CheckResult{
		Name:      e.Name(),
		Status:    health.StatusOK,
		Message:   "Put-if-absent is exclusive",
		Timestamp: start,
	}

	defer func() {
		if _, err := e.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			e.logger.Warn("Failed to clean up health check key", zap.Error(err))
		}
	}()

	if err := e.store.PutIfAbsent(ctx, key, "first"); err != nil {
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("First write failed: %v", err)
	} else if err := e.store.PutIfAbsent(ctx, key, "second"); !errors.Is(err, ErrKeyExists) {
		result.Status = health.StatusError
		result.Message = fmt.Sprintf("Second write was not refused: %v", err)
	}

	if result.Status != health.StatusOK {
		e.logger.Warn("Exclusivity health check failed", zap.String("message", result.Message))
	}

	result.Duration = time.Since(start)
	return result
}
