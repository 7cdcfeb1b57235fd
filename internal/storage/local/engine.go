// Package local provides the durable, single-node storage.Engine backed by a
// bbolt file.
package local

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/xcmq/internal/storage"
)

const stateFileName = "state.db"

var (
	bucketState = []byte("state") // bucket name inside bbolt
)

// ─── Config ───────────────────────────────────────────────────────────────────

// FsyncPolicy controls when committed batches are flushed to physical disk.
// Values mirror the top-level Config.Storage.Fsync policy names so the server
// can pass them straight through without translation.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // fsync on every Apply (safest, slowest)
	FsyncInterval FsyncPolicy = "interval" // fsync every FsyncIntervalMs milliseconds
	FsyncBatch    FsyncPolicy = "batch"    // fsync after every FsyncBatchSize Applies
	FsyncNever    FsyncPolicy = "never"    // never fsync (fastest, risks data loss)
)

// Config tunes an Engine. Zero fields take DefaultConfig values.
type Config struct {
	Fsync           FsyncPolicy
	FsyncIntervalMs int // used when Fsync == FsyncInterval
	FsyncBatchSize  int // used when Fsync == FsyncBatch
}

// DefaultConfig returns a Config that flushes every block.
func DefaultConfig() Config {
	return Config{
		Fsync:           FsyncAlways,
		FsyncIntervalMs: 200,
		FsyncBatchSize:  64,
	}
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine is a bbolt-backed storage.Engine.
//
// bbolt suits engine state because it is:
//   - Pure Go (no CGO, no external process)
//   - ACID: a batch handed to Apply lands in one write transaction, so a
//     crash can never persist half of a block's mutations
//   - Ordered: cursor iteration is byte-wise ascending, which is exactly the
//     deterministic order the scheduler needs
//
// Under any policy other than FsyncAlways the file is opened with NoSync and
// flushed explicitly; a crash may then lose the most recent batches, but
// never tears one.
//
// All methods are safe for concurrent use.
type Engine struct {
	db     *bbolt.DB
	path   string
	cfg    Config
	closed atomic.Bool

	applies atomic.Int64

	// fsync background goroutine lifecycle.
	fsyncDone chan struct{}
	fsyncWG   sync.WaitGroup
}

var _ storage.Engine = (*Engine)(nil)

// Open opens (or creates) the state database inside dir. An optional Config
// can be supplied; defaults are used for any zero field.
//
// The variadic signature keeps plain call sites (Open(dir)) short.
func Open(dir string, cfgs ...Config) (*Engine, error) {
	cfg := DefaultConfig()
	if len(cfgs) > 0 {
		c := cfgs[0]
		if c.Fsync != "" {
			cfg.Fsync = c.Fsync
		}
		if c.FsyncIntervalMs > 0 {
			cfg.FsyncIntervalMs = c.FsyncIntervalMs
		}
		if c.FsyncBatchSize > 0 {
			cfg.FsyncBatchSize = c.FsyncBatchSize
		}
	}
	switch cfg.Fsync {
	case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
	default:
		return nil, fmt.Errorf("local storage: unknown fsync policy %q", cfg.Fsync)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local storage: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, stateFileName)

	// A short timeout turns "another process holds the file lock" into an
	// error instead of a hang.
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("local storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local storage: init bucket: %w", err)
	}
	db.NoSync = cfg.Fsync != FsyncAlways

	e := &Engine{db: db, path: path, cfg: cfg}
	e.startFsync()
	return e, nil
}

// Path returns the database file path.
func (e *Engine) Path() string { return e.path }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Get implements storage.Reader.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, storage.ErrClosed
	}
	var out []byte
	err := e.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketState).Get(key)
		if val == nil {
			return storage.ErrNotFound
		}
		// bbolt memory is only valid for the life of the transaction.
		out = bytes.Clone(val)
		return nil
	})
	return out, err
}

// Scan implements storage.Reader.
func (e *Engine) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	type kv struct{ k, v []byte }
	var items []kv

	// Collect first, then call fn outside the read transaction so fn may
	// issue further reads without nesting transactions.
	err := e.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketState).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			items = append(items, kv{k: bytes.Clone(k), v: bytes.Clone(v)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := fn(it.k, it.v); err != nil {
			return err
		}
	}
	return nil
}

// Apply implements storage.Engine.
func (e *Engine) Apply(batch []storage.Mutation) error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	if len(batch) == 0 {
		return nil
	}
	err := e.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketState)
		for _, m := range batch {
			if m.Delete {
				if err := b.Delete(m.Key); err != nil {
					return fmt.Errorf("local storage: delete %x: %w", m.Key, err)
				}
				continue
			}
			if err := b.Put(m.Key, m.Value); err != nil {
				return fmt.Errorf("local storage: put %x: %w", m.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.maybeSyncAfterApply()
	return nil
}

// Sync flushes the database file to disk.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	return e.db.Sync()
}

// ─── Background fsync ─────────────────────────────────────────────────────────

// startFsync launches the periodic fsync goroutine when the policy requires it.
func (e *Engine) startFsync() {
	if e.cfg.Fsync != FsyncInterval {
		return
	}
	interval := time.Duration(e.cfg.FsyncIntervalMs) * time.Millisecond
	e.fsyncDone = make(chan struct{})
	e.fsyncWG.Add(1)
	go func() {
		defer e.fsyncWG.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-e.fsyncDone:
				return
			case <-t.C:
				if err := e.db.Sync(); err != nil {
					slog.Warn("local storage: periodic fsync", "path", e.path, "err", err)
				}
			}
		}
	}()
}

// maybeSyncAfterApply performs an fsync according to the configured policy.
func (e *Engine) maybeSyncAfterApply() {
	if e.cfg.Fsync != FsyncBatch {
		return
	}
	if e.applies.Add(1)%int64(e.cfg.FsyncBatchSize) == 0 {
		if err := e.db.Sync(); err != nil {
			slog.Warn("local storage: batch fsync", "path", e.path, "err", err)
		}
	}
}

// Close stops the fsync goroutine, flushes and closes the underlying bbolt
// database. Safe to call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.fsyncDone != nil {
		close(e.fsyncDone)
		e.fsyncWG.Wait()
	}
	if e.cfg.Fsync != FsyncAlways && e.cfg.Fsync != FsyncNever {
		_ = e.db.Sync()
	}
	return e.db.Close()
}
