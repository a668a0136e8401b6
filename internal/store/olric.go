package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/olric-data/olric"
	"github.com/olric-data/olric/config"
	"go.uber.org/zap"
)

// OlricStore implements Store on an embedded Olric node. Every node of the
// service joins the same cluster so lock refs written on one node are
// visible, and contended, on all of them.
type OlricStore struct {
	config *OlricConfig
	logger *zap.Logger
	db     *olric.Olric
	client *olric.EmbeddedClient
	dmap   olric.DMap
}

// NewOlricStore starts an embedded Olric server, waits for the configured
// member quorum and opens the DMap holding the lock refs.
func NewOlricStore(ctx context.Context, cfg *OlricConfig, logger *zap.Logger) (*OlricStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid olric configuration: %w", err)
	}

	s := &OlricStore{
		config: cfg,
		logger: logger,
	}

	started, markStarted := context.WithCancel(context.Background())
	defer markStarted()

	olricCfg := s.olricConfig()
	olricCfg.Started = markStarted

	logger.Info("Starting Olric embedded server",
		zap.String("bind_addr", net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.BindPort))),
		zap.Bool("single_node", cfg.IsSingleNode()),
		zap.Strings("join_addrs", cfg.JoinAddrs),
		zap.Int("replication_factor", cfg.ReplicationFactor),
		zap.Uint64("partition_count", cfg.PartitionCount),
	)

	db, err := olric.New(olricCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create olric instance: %w", err)
	}
	s.db = db

	startErr := make(chan error, 1)
	go func() {
		// Start blocks until the node is shut down.
		if err := db.Start(); err != nil {
			startErr <- err
		}
	}()

	select {
	case <-started.Done():
	case err := <-startErr:
		return nil, fmt.Errorf("failed to start olric: %w", err)
	case <-ctx.Done():
		_ = db.Shutdown(context.Background())
		return nil, ctx.Err()
	}

	s.client = db.NewEmbeddedClient()

	if err := s.waitForCluster(ctx); err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("cluster not ready: %w", err)
	}

	dmap, err := s.client.NewDMap(cfg.DMapName)
	if err != nil {
		_ = db.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create dmap: %w", err)
	}
	s.dmap = dmap

	logger.Info("Olric store ready", zap.String("dmap", cfg.DMapName))

	return s, nil
}

// olricConfig translates OlricConfig into Olric's own configuration.
func (s *OlricStore) olricConfig() *config.Config {
	// Olric logs through the standard logger; only let through what the
	// configured level asks for.
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(s.config.LogLevel),
		Writer:   io.Discard,
	}
	if s.config.LogLevel == "DEBUG" || s.config.LogLevel == "INFO" {
		filter.Writer = os.Stderr
	}

	c := config.New("lan")
	c.BindAddr = s.config.BindAddr
	c.BindPort = s.config.BindPort
	c.KeepAlivePeriod = s.config.KeepAlivePeriod
	c.PartitionCount = s.config.PartitionCount
	c.ReplicaCount = s.config.ReplicationFactor
	c.MemberCountQuorum = int32(s.config.MemberCountQuorum)
	c.JoinRetryInterval = s.config.JoinRetryInterval
	c.MaxJoinAttempts = s.config.MaxJoinAttempts
	c.LogLevel = s.config.LogLevel
	c.Logger = log.New(filter, "", log.LstdFlags)

	// Sync replication waits for every replica before a write returns.
	c.ReadQuorum = 1
	c.WriteQuorum = 1
	if s.config.ReplicationMode == "sync" {
		c.ReplicationMode = config.SyncReplicationMode
		c.WriteQuorum = s.config.ReplicationFactor
	} else {
		c.ReplicationMode = config.AsyncReplicationMode
	}

	if len(s.config.JoinAddrs) > 0 {
		c.Peers = s.config.JoinAddrs
	}

	return c
}

// waitForCluster polls the member list until MemberCountQuorum is reached.
func (s *OlricStore) waitForCluster(ctx context.Context) error {
	if s.config.IsSingleNode() {
		s.logger.Debug("Running in single-node mode, cluster ready")
		return nil
	}

	ticker := time.NewTicker(s.config.JoinRetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		members, err := s.client.Members(ctx)
		if err != nil {
			s.logger.Warn("Failed to list cluster members", zap.Error(err))
		}

		if len(members) >= s.config.MemberCountQuorum {
			s.logger.Info("Cluster member quorum reached",
				zap.Int("member_count", len(members)),
				zap.Int("quorum", s.config.MemberCountQuorum),
			)
			return nil
		}

		s.logger.Debug("Waiting for cluster members",
			zap.Int("current_members", len(members)),
			zap.Int("required_members", s.config.MemberCountQuorum),
			zap.Int("attempt", attempt),
		)

		if attempt >= s.config.MaxJoinAttempts {
			return fmt.Errorf("max join attempts (%d) reached, only %d/%d members present",
				s.config.MaxJoinAttempts, len(members), s.config.MemberCountQuorum)
		}
	}
}

// Put stores value under key.
func (s *OlricStore) Put(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	return s.dmap.Put(ctx, key, value)
}

// PutIfAbsent stores value under key unless the key is already set.
func (s *OlricStore) PutIfAbsent(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	err := s.dmap.Put(ctx, key, value, olric.NX())
	if errors.Is(err, olric.ErrKeyFound) {
		return ErrKeyExists
	}
	return err
}

// Get returns the value stored under key.
func (s *OlricStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	resp, err := s.dmap.Get(ctx, key)
	if errors.Is(err, olric.ErrKeyNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}

	return resp.String()
}

// Delete removes key and reports whether anything was removed.
func (s *OlricStore) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	n, err := s.dmap.Delete(ctx, key)
	if errors.Is(err, olric.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func guardKey(key string) string { return "guard/" + key }

// guarded runs fn while holding the cluster lock for key. The lock lives
// on its own key as Olric stores lock tokens under the locked key.
func (s *OlricStore) guarded(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	lc, err := s.dmap.LockWithTimeout(ctx, guardKey(key), s.config.RequestTimeout, s.config.RequestTimeout)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer func() {
		if err := lc.Unlock(context.Background()); err != nil && !errors.Is(err, olric.ErrNoSuchLock) {
			s.logger.Warn("Failed to unlock key", zap.String("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// expect returns nil when key holds old.
func (s *OlricStore) expect(ctx context.Context, key, old string) error {
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if current != old {
		return ErrValueChanged
	}
	return nil
}

// CompareAndSwap replaces the value of key while it still holds old.
func (s *OlricStore) CompareAndSwap(ctx context.Context, key, old, value string) error {
	return s.guarded(ctx, key, func(ctx context.Context) error {
		if err := s.expect(ctx, key, old); err != nil {
			return err
		}
		return s.dmap.Put(ctx, key, value)
	})
}

// CompareAndDelete removes key while it still holds old.
func (s *OlricStore) CompareAndDelete(ctx context.Context, key, old string) error {
	return s.guarded(ctx, key, func(ctx context.Context) error {
		if err := s.expect(ctx, key, old); err != nil {
			return err
		}
		_, err := s.dmap.Delete(ctx, key)
		return err
	})
}

// Ping dials the Olric listener.
func (s *OlricStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("olric db is nil")
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	addr := net.JoinHostPort(s.config.BindAddr, strconv.Itoa(s.config.BindPort))
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to olric: %w", err)
	}
	return conn.Close()
}

// Stats reports the cluster membership as seen from this node.
func (s *OlricStore) Stats(ctx context.Context) (*StoreStats, error) {
	members, err := s.client.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}

	stats := &StoreStats{
		ClusterMembers:    len(members),
		PartitionCount:    int(s.config.PartitionCount),
		ReplicationFactor: s.config.ReplicationFactor,
	}
	for _, m := range members {
		if m.Coordinator {
			stats.Coordinator = true
			break
		}
	}

	return stats, nil
}

// Close shuts the embedded server down.
func (s *OlricStore) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	s.logger.Info("Shutting down Olric store")
	if err := s.db.Shutdown(ctx); err != nil {
		s.logger.Error("Error shutting down Olric", zap.Error(err))
		return err
	}
	return nil
}
