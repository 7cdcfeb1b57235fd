// Package storage defines the key/value abstraction that holds every piece of
// engine state: deferred buckets, index sets, overweight entries, the inbound
// backlog, queue configuration and suspension flags.
//
// Design principle: components above this package ONLY touch state through
// these interfaces. Every engine operation runs against an Overlay and is
// committed as a single atomic batch, so a failed operation leaves storage
// byte-for-byte unchanged and every replica applies identical mutations.
package storage

import "errors"

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored value cannot be decoded.
var ErrCorrupted = errors.New("storage: entry corrupted")

// ErrClosed is returned by an engine after Close.
var ErrClosed = errors.New("storage: engine closed")

// Reader is read access to ordered key/value state.
type Reader interface {
	// Get returns the value stored at key, or ErrNotFound.
	// The returned slice is owned by the caller.
	Get(key []byte) ([]byte, error)

	// Scan calls fn for every key with the given prefix in ascending
	// byte-wise key order. Iteration stops at the first non-nil error, which
	// Scan returns.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

// KV is read/write access to state. Writes through a KV are staged; they
// become durable only when the owning Overlay is committed.
type KV interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Mutation is one staged write. A Delete mutation ignores Value.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Engine is a durable state backend.
//
// Implementations:
//   - memory.Engine: ordered in-memory map (tests, ephemeral nodes)
//   - local.Engine: bbolt file (production)
//
// All methods must be safe for concurrent use.
type Engine interface {
	Reader

	// Apply writes every mutation in batch atomically: either all of them
	// are visible afterwards or none are.
	Apply(batch []Mutation) error

	// Close flushes pending writes and releases resources.
	Close() error
}
