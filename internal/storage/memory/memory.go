// Package memory provides an in-memory storage.Engine with ordered scans.
// It is used by tests and by nodes started without a data directory.
package memory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/snehjoshi/xcmq/internal/storage"
)

// Engine is an in-memory storage.Engine. All methods are safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

var _ storage.Engine = (*Engine)(nil)

// New returns an empty engine.
func New() *Engine {
	return &Engine{data: make(map[string][]byte)}
}

// Get implements storage.Reader.
func (e *Engine) Get(key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, storage.ErrClosed
	}
	v, ok := e.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(v), nil
}

// Scan implements storage.Reader.
func (e *Engine) Scan(prefix []byte, fn func(key, value []byte) error) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return storage.ErrClosed
	}
	keys := make([]string, 0)
	for k := range e.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = bytes.Clone(e.data[k])
	}
	e.mu.RUnlock()

	// fn runs without the lock so it may call back into the engine.
	for i, k := range keys {
		if err := fn([]byte(k), vals[i]); err != nil {
			return err
		}
	}
	return nil
}

// Apply implements storage.Engine.
func (e *Engine) Apply(batch []storage.Mutation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return storage.ErrClosed
	}
	for _, m := range batch {
		if m.Delete {
			delete(e.data, string(m.Key))
			continue
		}
		e.data[string(m.Key)] = bytes.Clone(m.Value)
	}
	return nil
}

// KV returns a storage.KV whose writes are applied to e immediately, one
// mutation at a time. Engine operations stage through an Overlay instead;
// this is for tooling and tests that manipulate state directly.
func (e *Engine) KV() storage.KV { return writeThrough{e} }

type writeThrough struct{ *Engine }

func (w writeThrough) Put(key, value []byte) error {
	return w.Apply([]storage.Mutation{{Key: bytes.Clone(key), Value: bytes.Clone(value)}})
}

func (w writeThrough) Delete(key []byte) error {
	return w.Apply([]storage.Mutation{{Key: bytes.Clone(key), Delete: true}})
}

// Len returns the number of stored keys.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

// Snapshot returns a copy of every key/value pair. Tests use it to assert
// that an operation left storage untouched.
func (e *Engine) Snapshot() map[string][]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]byte, len(e.data))
	for k, v := range e.data {
		out[k] = bytes.Clone(v)
	}
	return out
}

// Close implements storage.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
