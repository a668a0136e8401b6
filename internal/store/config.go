package store

import (
	"fmt"
	"net"
	"time"
)

// OlricConfig configures the embedded Olric node used by the olric lock
// backend.
type OlricConfig struct {
	// BindAddr and BindPort are where the node listens for peers and
	// clients.
	BindAddr string
	BindPort int

	// JoinAddrs lists peers to join. Empty means a single-node cluster.
	JoinAddrs []string

	// ReplicationMode is "sync" or "async".
	ReplicationMode string

	// ReplicationFactor is the number of copies kept of each partition,
	// primary included.
	ReplicationFactor int

	// PartitionCount should be a prime for an even key distribution.
	PartitionCount uint64

	// MemberCountQuorum is the number of members the node waits for at
	// startup and the minimum the cluster health check accepts.
	MemberCountQuorum int

	JoinRetryInterval time.Duration
	MaxJoinAttempts   int

	// LogLevel filters Olric's internal logging: DEBUG, INFO, WARN or ERROR.
	LogLevel string

	KeepAlivePeriod time.Duration

	// RequestTimeout bounds each individual DMap call.
	RequestTimeout time.Duration

	// DMapName is the distributed map holding lock refs and lock files.
	DMapName string
}

const (
	DefaultBindAddr          = "0.0.0.0"
	DefaultBindPort          = 3320
	DefaultReplicationMode   = "async"
	DefaultReplicationFactor = 1
	DefaultPartitionCount    = 271
	DefaultMemberCountQuorum = 1
	DefaultJoinRetryInterval = 1 * time.Second
	DefaultMaxJoinAttempts   = 30
	DefaultLogLevel          = "WARN"
	DefaultKeepAlivePeriod   = 30 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultDMapName          = "branch-deploy-locks"
)

// NewDefaultOlricConfig returns a single-node configuration.
func NewDefaultOlricConfig() *OlricConfig {
	return &OlricConfig{
		BindAddr:          DefaultBindAddr,
		BindPort:          DefaultBindPort,
		JoinAddrs:         []string{},
		ReplicationMode:   DefaultReplicationMode,
		ReplicationFactor: DefaultReplicationFactor,
		PartitionCount:    DefaultPartitionCount,
		MemberCountQuorum: DefaultMemberCountQuorum,
		JoinRetryInterval: DefaultJoinRetryInterval,
		MaxJoinAttempts:   DefaultMaxJoinAttempts,
		LogLevel:          DefaultLogLevel,
		KeepAlivePeriod:   DefaultKeepAlivePeriod,
		RequestTimeout:    DefaultRequestTimeout,
		DMapName:          DefaultDMapName,
	}
}

// Validate checks the configuration for values Olric would reject or
// that would make the lock store unsafe.
func (c *OlricConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind address cannot be empty")
	}
	if net.ParseIP(c.BindAddr) == nil {
		return fmt.Errorf("bind address must be a valid IPv4 or IPv6 address, got: %s", c.BindAddr)
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("bind port must be between 1 and 65535, got: %d", c.BindPort)
	}

	if c.ReplicationMode != "sync" && c.ReplicationMode != "async" {
		return fmt.Errorf("replication mode must be sync or async, got: %s", c.ReplicationMode)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be at least 1, got: %d", c.ReplicationFactor)
	}
	if c.PartitionCount < 1 {
		return fmt.Errorf("partition count must be at least 1, got: %d", c.PartitionCount)
	}
	if c.MemberCountQuorum < 1 {
		return fmt.Errorf("member count quorum must be at least 1, got: %d", c.MemberCountQuorum)
	}
	if c.JoinRetryInterval <= 0 {
		return fmt.Errorf("join retry interval must be positive, got: %v", c.JoinRetryInterval)
	}
	if c.MaxJoinAttempts < 1 {
		return fmt.Errorf("max join attempts must be at least 1, got: %d", c.MaxJoinAttempts)
	}

	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level: %s (must be DEBUG, INFO, WARN, or ERROR)", c.LogLevel)
	}

	if c.KeepAlivePeriod <= 0 {
		return fmt.Errorf("keep alive period must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.DMapName == "" {
		return fmt.Errorf("dmap name cannot be empty")
	}

	if len(c.JoinAddrs) > 0 {
		if c.MemberCountQuorum > len(c.JoinAddrs)+1 {
			return fmt.Errorf("member count quorum (%d) cannot be greater than number of join addresses + 1 (%d)",
				c.MemberCountQuorum, len(c.JoinAddrs)+1)
		}
		if c.ReplicationFactor < 2 {
			return fmt.Errorf("replication factor should be at least 2 in multi-node mode (current: %d)", c.ReplicationFactor)
		}
	}

	return nil
}

// IsSingleNode reports whether no peers are configured.
func (c *OlricConfig) IsSingleNode() bool {
	return len(c.JoinAddrs) == 0
}
