package engine

import (
	"github.com/snehjoshi/xcmq/internal/bucket"
	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/inbound"
	"github.com/snehjoshi/xcmq/internal/overweight"
	"github.com/snehjoshi/xcmq/internal/types"
)

// Read-only views. Each reads committed state only.

// Config returns the current queue configuration.
func (e *Engine) Config() (control.QueueConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Config(e.db)
}

// Flags returns the current suspension flags.
func (e *Engine) Flags() (control.Flags, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctrl.Flags(e.db)
}

// Limits returns the bucket store capacities.
func (e *Engine) Limits() bucket.Limits { return e.limits }

// DeferredOrigins returns every origin with deferred buckets, ascending.
func (e *Engine) DeferredOrigins() ([]types.OriginID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Origins(e.db)
}

// DeferredIndices returns origin's bucket indices in service order.
func (e *Engine) DeferredIndices(origin types.OriginID) ([]types.DeferredIndex, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, err := e.store.Indices(e.db, origin)
	if err != nil {
		return nil, err
	}
	return set.All(), nil
}

// DeferredBucket returns the slots of one bucket; cleared slots are nil.
func (e *Engine) DeferredBucket(origin types.OriginID, idx types.DeferredIndex) ([]*types.DeferredMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.store.Bucket(e.db, origin, idx)
	if err != nil {
		return nil, err
	}
	return b.Slots(), nil
}

// Overweight returns the overweight entry at index.
func (e *Engine) Overweight(index uint64) (*overweight.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ow.Get(e.db, index)
}

// OverweightEntries lists up to limit entries starting at index from.
func (e *Engine) OverweightEntries(from uint64, limit int) ([]*overweight.Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ow.List(e.db, from, limit)
}

// Backlog returns every inbound channel with pending pages or suspended.
func (e *Engine) Backlog() ([]*inbound.Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backlog.Channels(e.db)
}

// BacklogPage returns origin's pending page sent at sentAt.
func (e *Engine) BacklogPage(origin types.OriginID, sentAt types.BlockNumber) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backlog.Page(e.db, origin, sentAt)
}

// Stats is a cheap snapshot of engine state for dashboards and metrics.
type Stats struct {
	RelayBlock       types.BlockNumber `json:"relay_block"`
	DeferredOrigins  int               `json:"deferred_origins"`
	DeferredBuckets  int               `json:"deferred_buckets"`
	OverweightCount  uint64            `json:"overweight_count"`
	BacklogChannels  int               `json:"backlog_channels"`
	BacklogPages     int               `json:"backlog_pages"`
	SuspendedOrigins int               `json:"suspended_origins"`
	Flags            control.Flags     `json:"flags"`
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats() (Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{RelayBlock: e.relay.RelayBlock()}
	origins, err := e.store.Origins(e.db)
	if err != nil {
		return s, err
	}
	s.DeferredOrigins = len(origins)
	for _, o := range origins {
		set, err := e.store.Indices(e.db, o)
		if err != nil {
			return s, err
		}
		s.DeferredBuckets += set.Len()
	}
	if s.OverweightCount, err = e.ow.Count(e.db); err != nil {
		return s, err
	}
	channels, err := e.backlog.Channels(e.db)
	if err != nil {
		return s, err
	}
	s.BacklogChannels = len(channels)
	for _, c := range channels {
		s.BacklogPages += c.Len()
		if c.State == inbound.Suspended {
			s.SuspendedOrigins++
		}
	}
	s.Flags, err = e.ctrl.Flags(e.db)
	return s, err
}
