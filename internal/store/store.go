package store

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned by PutIfAbsent when the key is already set.
	ErrKeyExists = errors.New("key already exists")

	// ErrValueChanged is returned by the compare operations when the key
	// no longer holds the expected value.
	ErrValueChanged = errors.New("value changed")
)

// Store is the key/value contract the olric-backed ref store is built on.
// Values are opaque strings; entries never expire, as a lock is only ever
// released by deleting it.
type Store interface {
	// Put writes value under key, replacing any previous value.
	Put(ctx context.Context, key, value string) error

	// PutIfAbsent writes value only when key is unset. It returns
	// ErrKeyExists when another writer got there first. The check and the
	// write happen atomically within the cluster.
	PutIfAbsent(ctx context.Context, key, value string) error

	// Get returns the value stored under key or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// CompareAndSwap replaces the value of key with value only while it
	// still holds old. It returns ErrKeyNotFound or ErrValueChanged
	// otherwise.
	CompareAndSwap(ctx context.Context, key, old, value string) error

	// CompareAndDelete removes key only while it still holds old, with the
	// same errors as CompareAndSwap.
	CompareAndDelete(ctx context.Context, key, old string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Stats returns cluster membership information.
	Stats(ctx context.Context) (*StoreStats, error)

	// Close leaves the cluster and shuts the embedded server down.
	Close(ctx context.Context) error
}

// StoreStats describes the cluster backing a Store.
type StoreStats struct {
	// ClusterMembers is the number of live members.
	ClusterMembers int

	// PartitionCount is the configured number of partitions.
	PartitionCount int

	// ReplicationFactor is the number of copies kept of each partition.
	ReplicationFactor int

	// Coordinator is true when one of the members reports itself as the
	// cluster coordinator.
	Coordinator bool
}
