// Package scheduler services due deferred messages under a weight budget.
//
// A pass walks origins in ascending order and, for each, up to MaxBuckets of
// its earliest buckets. Buckets not yet due are skipped. Within a due bucket
// slots run left to right; the first message that does not fit the remaining
// budget halts the whole pass, leaving that message and everything after it
// exactly as it was. The next pass resumes from the same slot.
//
// A bucket found fully drained is removed together with its index.
package scheduler

import (
	"fmt"

	"github.com/snehjoshi/xcmq/internal/bucket"
	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/executor"
	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ErrBadStoredMessage is the Fail event error for a deferred payload that no
// longer decodes.
const ErrBadStoredMessage = "stored message does not decode"

// Params bound one pass.
type Params struct {
	Budget        types.Weight
	Relay         types.BlockNumber
	MaxIndividual types.Weight
	// MaxBuckets caps how many of each origin's earliest buckets are looked
	// at, due or not.
	MaxBuckets int
}

// Result summarises a pass.
type Result struct {
	Used     types.Weight `json:"used"`
	Executed int          `json:"executed"`
	Diverted int          `json:"diverted"`
	Retired  int          `json:"retired"`
	// Halted is set when the budget ran out before the pass finished.
	Halted bool `json:"halted"`
	// Skipped is set when a suspension flag prevented the pass.
	Skipped bool `json:"skipped"`
}

// Scheduler runs passes over the bucket store.
type Scheduler struct {
	store *bucket.Store
	exec  *executor.Executor
}

// New returns a Scheduler.
func New(store *bucket.Store, exec *executor.Executor) *Scheduler {
	return &Scheduler{store: store, exec: exec}
}

// ServiceAll runs a pass over every origin.
func (s *Scheduler) ServiceAll(kv storage.KV, emit events.Emitter, flags control.Flags, p Params) (Result, error) {
	var res Result
	if flags.SchedulerHalted() {
		res.Skipped = true
		return res, nil
	}
	origins, err := s.store.Origins(kv)
	if err != nil {
		return res, fmt.Errorf("scheduler: origins: %w", err)
	}
	for _, origin := range origins {
		if err := s.serviceOrigin(kv, emit, origin, p, &res); err != nil {
			return res, err
		}
		if res.Halted {
			break
		}
	}
	return res, nil
}

// ServiceOrigin runs a pass over a single origin.
func (s *Scheduler) ServiceOrigin(kv storage.KV, emit events.Emitter, flags control.Flags, origin types.OriginID, p Params) (Result, error) {
	var res Result
	if flags.SchedulerHalted() {
		res.Skipped = true
		return res, nil
	}
	err := s.serviceOrigin(kv, emit, origin, p, &res)
	return res, err
}

func (s *Scheduler) serviceOrigin(kv storage.KV, emit events.Emitter, origin types.OriginID, p Params, res *Result) error {
	set, err := s.store.Indices(kv, origin)
	if err != nil {
		return err
	}
	for _, idx := range set.First(p.MaxBuckets) {
		if idx.DeferredTo > p.Relay {
			continue
		}
		b, err := s.store.Bucket(kv, origin, idx)
		if err != nil {
			return err
		}
		halted, err := s.serviceBucket(kv, emit, origin, b, p, res)
		if err != nil {
			return fmt.Errorf("scheduler: %s%s: %w", origin, idx, err)
		}
		if b.Drained() {
			if err := s.store.Retire(kv, origin, idx); err != nil {
				return err
			}
			res.Retired++
		} else if err := s.store.PutBucket(kv, origin, idx, b); err != nil {
			return err
		}
		if halted {
			res.Halted = true
			return nil
		}
	}
	return nil
}

// serviceBucket runs b's slots in order and reports whether the budget ran out.
func (s *Scheduler) serviceBucket(kv storage.KV, emit events.Emitter, origin types.OriginID, b *bucket.Bucket, p Params, res *Result) (bool, error) {
	for pos := 0; pos < b.Len(); pos++ {
		m := b.At(pos)
		if m == nil {
			continue
		}
		decoded, err := codec.DecodeAll(m.Payload)
		if err != nil {
			emit.Emit(events.Fail(origin, codec.Hash(m.Payload), ErrBadStoredMessage, types.Weight{}))
			b.Clear(pos)
			continue
		}
		msg := executor.NewMessage(m.Sender, m.SentAt, m.Payload, decoded)
		rep, err := s.exec.Run(kv, emit, msg, p.Budget.Sub(res.Used), p.MaxIndividual)
		if err != nil {
			return false, err
		}
		switch rep.Status {
		case executor.OverBudget:
			return true, nil
		case executor.OverweightFull:
			// Stays put until the overweight store has room.
			continue
		case executor.Diverted:
			res.Diverted++
		case executor.Executed:
			res.Executed++
		}
		res.Used = res.Used.Add(rep.Used)
		b.Clear(pos)
	}
	return false, nil
}
