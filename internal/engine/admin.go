package engine

import (
	"fmt"
	"log/slog"

	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/executor"
	"github.com/snehjoshi/xcmq/internal/scheduler"
	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ─── Deferred queue ───────────────────────────────────────────────────────────

// ServiceDeferred runs a scheduler pass over one origin's first maxBuckets
// buckets with at most budget weight.
func (e *Engine) ServiceDeferred(caller types.Caller, budget types.Weight, origin types.OriginID, maxBuckets int) (scheduler.Result, error) {
	if err := authorise(caller); err != nil {
		return scheduler.Result{}, err
	}
	if maxBuckets < 1 {
		return scheduler.Result{}, fmt.Errorf("%w: %d", ErrInvalidMaxBuckets, maxBuckets)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var res scheduler.Result
	_, err := e.step(func(kv storage.KV, buf *events.Buffer) error {
		cfg, flags, err := e.state(kv)
		if err != nil {
			return err
		}
		res, err = e.sched.ServiceOrigin(kv, buf, flags, origin, scheduler.Params{
			Budget:        budget,
			Relay:         e.relay.RelayBlock(),
			MaxIndividual: cfg.MaxIndividualWeight,
			MaxBuckets:    maxBuckets,
		})
		return err
	})
	return res, err
}

// DiscardDeferred removes deferred messages without executing them. With a
// position only that slot is cleared; without one the whole bucket is
// emptied. The index stays until the scheduler next finds the bucket
// drained. Discarding something already gone is a no-op.
func (e *Engine) DiscardDeferred(caller types.Caller, origin types.OriginID, idx types.DeferredIndex, position *uint32) (int, error) {
	if err := authorise(caller); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var n int
	_, err := e.step(func(kv storage.KV, buf *events.Buffer) error {
		var err error
		n, err = e.store.Discard(kv, origin, idx, position)
		if err != nil {
			return err
		}
		if n > 0 {
			buf.Emit(events.DeferredDiscarded(origin, idx, position, n))
		}
		return nil
	})
	return n, err
}

// ─── Overweight ───────────────────────────────────────────────────────────────

// ServiceOverweight executes the overweight entry at index with at most
// ceiling weight and removes it. It returns the weight used.
func (e *Engine) ServiceOverweight(caller types.Caller, index uint64, ceiling types.Weight) (types.Weight, error) {
	if err := authorise(caller); err != nil {
		return types.Weight{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var used types.Weight
	_, err := e.step(func(kv storage.KV, buf *events.Buffer) error {
		entry, err := e.ow.Get(kv, index)
		if err != nil {
			return err
		}
		msg, err := codec.DecodeAll(entry.Payload)
		if err != nil {
			return fmt.Errorf("%w: overweight %d: %v", ErrBadMessage, index, err)
		}
		required, err := e.weigher.Weight(msg)
		if err != nil {
			return fmt.Errorf("%w: overweight %d: %v", ErrBadMessage, index, err)
		}
		if required.AnyGt(ceiling) {
			return fmt.Errorf("%w: overweight %d needs %s", ErrWeightOverLimit, index, required)
		}

		used = e.exec.Execute(buf, executor.NewMessage(entry.Origin, entry.SentAt, entry.Payload, msg), ceiling)
		if err := e.ow.Remove(kv, index); err != nil {
			return err
		}
		buf.Emit(events.OverweightServiced(index, used))
		return nil
	})
	return used, err
}

// ─── Configuration and suspension ─────────────────────────────────────────────

// UpdateConfig changes one queue configuration knob.
func (e *Engine) UpdateConfig(caller types.Caller, u control.Update) (control.QueueConfig, error) {
	if err := authorise(caller); err != nil {
		return control.QueueConfig{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var cfg control.QueueConfig
	_, err := e.step(func(kv storage.KV, _ *events.Buffer) error {
		cur, err := e.ctrl.Config(kv)
		if err != nil {
			return err
		}
		if cfg, err = cur.With(u); err != nil {
			return err
		}
		return e.ctrl.PutConfig(kv, cfg)
	})
	if err == nil {
		slog.Info("queue config updated", "knob", string(u.Knob))
	}
	return cfg, err
}

// SuspendXcm halts the ingress fast path for every origin that does not
// bypass suspension, and with it the deferred scheduler.
func (e *Engine) SuspendXcm(caller types.Caller) error {
	return e.updateFlags(caller, func(f *control.Flags) { f.XcmSuspended = true })
}

// ResumeXcm undoes SuspendXcm.
func (e *Engine) ResumeXcm(caller types.Caller) error {
	return e.updateFlags(caller, func(f *control.Flags) { f.XcmSuspended = false })
}

// SuspendDeferred halts the deferred scheduler only.
func (e *Engine) SuspendDeferred(caller types.Caller) error {
	return e.updateFlags(caller, func(f *control.Flags) { f.DeferredSuspended = true })
}

// ResumeDeferred undoes SuspendDeferred.
func (e *Engine) ResumeDeferred(caller types.Caller) error {
	return e.updateFlags(caller, func(f *control.Flags) { f.DeferredSuspended = false })
}

// SetDeferAllBy sets or, with nil, clears the emergency override that defers
// every arriving message by a fixed number of relay blocks.
func (e *Engine) SetDeferAllBy(caller types.Caller, blocks *uint32) error {
	return e.updateFlags(caller, func(f *control.Flags) {
		if blocks == nil {
			f.DeferAllBy = nil
			return
		}
		v := *blocks
		f.DeferAllBy = &v
	})
}

func (e *Engine) updateFlags(caller types.Caller, fn func(*control.Flags)) error {
	if err := authorise(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var after control.Flags
	_, err := e.step(func(kv storage.KV, _ *events.Buffer) error {
		f, err := e.ctrl.Flags(kv)
		if err != nil {
			return err
		}
		fn(&f)
		after = f
		return e.ctrl.PutFlags(kv, f)
	})
	if err == nil {
		attrs := []any{"xcm_suspended", after.XcmSuspended, "deferred_suspended", after.DeferredSuspended}
		if after.DeferAllBy != nil {
			attrs = append(attrs, "defer_all_by", *after.DeferAllBy)
		}
		slog.Info("suspension flags updated", attrs...)
	}
	return err
}
