// Package engine is the central orchestrator for xcmq.
//
// All application code (block producer, HTTP handlers, inbox watcher) talks
// to the Engine, never directly to the bucket store or storage layer. Every
// public operation is one atomic step: it runs against a fresh
// storage.Overlay and either commits all of its writes and events or none.
//
// Data flow:
//
//	Pages    → Engine.HandlePages → ingress.Decode → policy.Decide
//	           → bucket.Store.Place | executor.Run
//	           → scheduler.ServiceAll → inbound.Backlog.Service
//	Idle     → Engine.OnIdle      → scheduler.ServiceAll → inbound.Backlog.Service
//	Operator → Engine.ServiceDeferred | DiscardDeferred | ServiceOverweight
//	           | UpdateConfig | Suspend* | Resume* | SetDeferAllBy
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/snehjoshi/xcmq/internal/bucket"
	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/executor"
	"github.com/snehjoshi/xcmq/internal/inbound"
	"github.com/snehjoshi/xcmq/internal/ingress"
	"github.com/snehjoshi/xcmq/internal/overweight"
	"github.com/snehjoshi/xcmq/internal/policy"
	"github.com/snehjoshi/xcmq/internal/scheduler"
	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrBadOrigin is returned when a privileged operation is called by a
	// caller other than Root. Nothing is mutated.
	ErrBadOrigin = errors.New("engine: caller not authorised")

	// ErrBadOverweightIndex is returned by ServiceOverweight for an index
	// with no entry.
	ErrBadOverweightIndex = overweight.ErrBadIndex

	// ErrBadMessage is returned by ServiceOverweight when the stored payload
	// no longer decodes or cannot be weighed.
	ErrBadMessage = errors.New("engine: stored message is not a valid message")

	// ErrWeightOverLimit is returned by ServiceOverweight when the message
	// needs more than the granted weight. The entry is kept.
	ErrWeightOverLimit = errors.New("engine: message needs more weight than granted")

	// ErrInvalidMaxBuckets is returned by ServiceDeferred for a bucket cap
	// below one.
	ErrInvalidMaxBuckets = errors.New("engine: max buckets must be positive")
)

// ─── Collaborators ────────────────────────────────────────────────────────────

// RelayBlockProvider supplies the current relay block number, the clock that
// deferral due dates are computed and checked against.
type RelayBlockProvider interface {
	RelayBlock() types.BlockNumber
}

// RelayFunc adapts a function to RelayBlockProvider.
type RelayFunc func() types.BlockNumber

// RelayBlock implements RelayBlockProvider.
func (f RelayFunc) RelayBlock() types.BlockNumber { return f() }

// ─── Options ──────────────────────────────────────────────────────────────────

// Defaults applied by New.
const (
	DefaultMaxMessagesPerBucket = 20
	DefaultMaxBucketsPerOrigin  = 100
	DefaultMaxBucketsProcessed  = 10
	DefaultMaxOverweight        = 1024
)

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithLimits sets the bucket store capacities.
func WithLimits(l bucket.Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithMaxBucketsProcessed caps how many buckets per origin the automatic
// scheduler passes look at.
func WithMaxBucketsProcessed(n int) Option {
	return func(e *Engine) { e.maxBucketsProcessed = n }
}

// WithMaxOverweight bounds the overweight store.
func WithMaxOverweight(n uint64) Option {
	return func(e *Engine) { e.maxOverweight = n }
}

// WithGenesis sets the queue configuration used until one is stored.
func WithGenesis(cfg control.QueueConfig) Option {
	return func(e *Engine) { e.genesis = cfg }
}

// WithPolicy replaces the default deferral policy.
func WithPolicy(p *policy.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithBypass sets which origins keep executing while ingress is suspended.
func WithBypass(b policy.Bypass) Option {
	return func(e *Engine) { e.bypass = b }
}

// WithInterpreter replaces the reference interpreter and weigher.
func WithInterpreter(interp executor.Interpreter, w executor.Weigher) Option {
	return func(e *Engine) { e.interp, e.weigher = interp, w }
}

// WithRelay sets the relay block source.
func WithRelay(r RelayBlockProvider) Option {
	return func(e *Engine) { e.relay = r }
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine owns every piece of inbound message state and exposes the
// operations that change it.
//
// All methods are safe for concurrent use; operations are serialised.
type Engine struct {
	mu sync.Mutex
	db storage.Engine

	limits              bucket.Limits
	maxBucketsProcessed int
	maxOverweight       uint64
	genesis             control.QueueConfig
	policy              *policy.Policy
	bypass              policy.Bypass
	interp              executor.Interpreter
	weigher             executor.Weigher
	relay               RelayBlockProvider

	store   *bucket.Store
	ctrl    *control.Controller
	ow      *overweight.Store
	exec    *executor.Executor
	sched   *scheduler.Scheduler
	backlog *inbound.Backlog

	// log holds events of committed steps until Drain.
	log []events.Event
}

// New creates an Engine over db.
func New(db storage.Engine, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine: nil storage engine")
	}
	e := &Engine{
		db: db,
		limits: bucket.Limits{
			MaxMessagesPerBucket: DefaultMaxMessagesPerBucket,
			MaxBucketsPerOrigin:  DefaultMaxBucketsPerOrigin,
		},
		maxBucketsProcessed: DefaultMaxBucketsProcessed,
		maxOverweight:       DefaultMaxOverweight,
		genesis:             control.DefaultQueueConfig(),
		policy:              policy.New(),
		bypass:              policy.SystemOrigins(policy.DefaultSystemOriginBound),
		relay:               RelayFunc(func() types.BlockNumber { return 0 }),
	}
	for _, o := range opts {
		o(e)
	}

	if err := e.limits.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := e.genesis.Validate(); err != nil {
		return nil, fmt.Errorf("engine: genesis: %w", err)
	}
	if e.maxBucketsProcessed < 1 {
		return nil, errors.New("engine: max buckets processed must be positive")
	}
	if e.interp == nil || e.weigher == nil {
		w := executor.NewFixedWeigher(executor.DefaultUnitWeight)
		e.interp, e.weigher = executor.NewReference(w), w
	}

	e.store = bucket.NewStore(e.limits)
	e.ctrl = control.New(e.genesis)
	e.ow = overweight.NewStore(e.maxOverweight)
	e.exec = executor.New(e.interp, e.weigher, e.ow)
	e.sched = scheduler.New(e.store, e.exec)
	e.backlog = inbound.New()
	return e, nil
}

// Close closes the storage engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db.Close()
}

// RelayBlock returns the current relay block.
func (e *Engine) RelayBlock() types.BlockNumber { return e.relay.RelayBlock() }

// Drain returns and clears the events of every step committed since the
// last Drain.
func (e *Engine) Drain() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.log
	e.log = nil
	return out
}

// step runs fn against a fresh overlay and commits it. A failing fn leaves
// storage and the event log untouched. Callers hold e.mu.
func (e *Engine) step(fn func(kv storage.KV, buf *events.Buffer) error) ([]events.Event, error) {
	ov := storage.NewOverlay(e.db)
	var buf events.Buffer
	if err := fn(ov, &buf); err != nil {
		return nil, err
	}
	if err := ov.Commit(e.db); err != nil {
		return nil, fmt.Errorf("engine: commit: %w", err)
	}
	evs := slices.Clone(buf.Events())
	e.log = append(e.log, evs...)
	return evs, nil
}

func authorise(caller types.Caller) error {
	if !caller.IsRoot() {
		return fmt.Errorf("%w: %s", ErrBadOrigin, caller)
	}
	return nil
}

// ─── Ingress ──────────────────────────────────────────────────────────────────

// IngressReport summarises HandlePages.
type IngressReport struct {
	// Used is the total weight used, including deferred and backlog
	// servicing.
	Used types.Weight `json:"used"`
	// Processed counts pages decoded straight away; Queued counts pages
	// (or page remainders) stored in the backlog.
	Processed int `json:"processed"`
	Queued    int `json:"queued"`

	Deferred    scheduler.Result `json:"deferred"`
	BacklogUsed types.Weight     `json:"backlog_used"`
	Events      []events.Event   `json:"events"`
}

// HandlePages processes one block's inbound pages with at most budget
// weight.
//
// Pages are handled in the order given. A page is stored in the backlog
// instead of being processed when ingress is suspended and its origin does
// not bypass suspension, or when its origin already has a backlog. Pages in
// a format that cannot be processed are rejected rather than stored. When the
// budget runs out part-way through a page the rest of it goes to the
// backlog. Whatever weight is left then services due deferred buckets and
// finally the backlog.
func (e *Engine) HandlePages(pages []ingress.Page, budget types.Weight) (IngressReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rep IngressReport
	evs, err := e.step(func(kv storage.KV, buf *events.Buffer) error {
		cfg, flags, err := e.state(kv)
		if err != nil {
			return err
		}
		relay := e.relay.RelayBlock()

		for _, p := range pages {
			ch, err := e.backlog.Channel(kv, p.Origin)
			if err != nil {
				return err
			}
			if (flags.XcmSuspended && !e.bypass(p.Origin)) || ch.Len() > 0 {
				// Backlog pages with the same sent_at are merged, so only
				// processable pages may be stored.
				if !ingress.Admit(p, buf) {
					continue
				}
				if err := e.backlog.Enqueue(kv, buf, cfg, p.Origin, p.SentAt, p.Data); err != nil {
					return err
				}
				rep.Queued++
				continue
			}

			rest, used, err := e.processPage(kv, buf, cfg, flags, relay, p, budget.Sub(rep.Used))
			if err != nil {
				return err
			}
			rep.Processed++
			rep.Used = rep.Used.Add(used)
			if rest != nil {
				if err := e.backlog.Enqueue(kv, buf, cfg, p.Origin, p.SentAt, rest); err != nil {
					return err
				}
				rep.Queued++
			}
		}

		deferred, backlogUsed, err := e.serviceIdle(kv, buf, cfg, flags, relay, budget.Sub(rep.Used))
		if err != nil {
			return err
		}
		rep.Deferred = deferred
		rep.BacklogUsed = backlogUsed
		rep.Used = rep.Used.Add(deferred.Used).Add(backlogUsed)
		return nil
	})
	rep.Events = evs
	return rep, err
}

// OnIdle spends leftover block weight on due deferred buckets, then on the
// backlog. It returns the weight used.
func (e *Engine) OnIdle(budget types.Weight) (types.Weight, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var used types.Weight
	_, err := e.step(func(kv storage.KV, buf *events.Buffer) error {
		cfg, flags, err := e.state(kv)
		if err != nil {
			return err
		}
		deferred, backlogUsed, err := e.serviceIdle(kv, buf, cfg, flags, e.relay.RelayBlock(), budget)
		used = deferred.Used.Add(backlogUsed)
		return err
	})
	return used, err
}

func (e *Engine) state(r storage.Reader) (control.QueueConfig, control.Flags, error) {
	cfg, err := e.ctrl.Config(r)
	if err != nil {
		return cfg, control.Flags{}, err
	}
	flags, err := e.ctrl.Flags(r)
	return cfg, flags, err
}

func (e *Engine) serviceIdle(kv storage.KV, buf *events.Buffer, cfg control.QueueConfig, flags control.Flags, relay types.BlockNumber, budget types.Weight) (scheduler.Result, types.Weight, error) {
	deferred, err := e.sched.ServiceAll(kv, buf, flags, scheduler.Params{
		Budget:        budget,
		Relay:         relay,
		MaxIndividual: cfg.MaxIndividualWeight,
		MaxBuckets:    e.maxBucketsProcessed,
	})
	if err != nil {
		return deferred, types.Weight{}, err
	}

	process := func(kv storage.KV, origin types.OriginID, sentAt types.BlockNumber, page []byte, allowance types.Weight) ([]byte, types.Weight, error) {
		return e.processPage(kv, buf, cfg, flags, relay, ingress.Page{Origin: origin, SentAt: sentAt, Data: page}, allowance)
	}
	backlogUsed, err := e.backlog.Service(kv, buf, cfg, flags.XcmSuspended, inbound.Bypass(e.bypass), budget.Sub(deferred.Used), process)
	return deferred, backlogUsed, err
}

// processPage decodes p and defers or executes each message with at most
// allowance weight. It returns the unprocessed remainder of the page.
func (e *Engine) processPage(kv storage.KV, buf *events.Buffer, cfg control.QueueConfig, flags control.Flags, relay types.BlockNumber, p ingress.Page, allowance types.Weight) ([]byte, types.Weight, error) {
	var used types.Weight
	rest, err := ingress.Decode(p, buf, func(raw []byte, msg *codec.Message) (ingress.Action, error) {
		m := executor.NewMessage(p.Origin, p.SentAt, raw, msg)

		if d := e.policy.Decide(p.Origin, p.SentAt, relay, msg, flags.DeferAllBy); d.Defer {
			return ingress.Next, e.deferMessage(kv, buf, m, d.Until)
		}

		rep, err := e.exec.Run(kv, buf, m, allowance.Sub(used), cfg.MaxIndividualWeight)
		if err != nil {
			return ingress.Next, err
		}
		switch rep.Status {
		case executor.OverBudget:
			return ingress.Stop, nil
		case executor.OverweightFull:
			buf.Emit(events.Fail(p.Origin, m.Hash, events.ErrOverweightFull, types.Weight{}))
		}
		used = used.Add(rep.Used)
		return ingress.Next, nil
	})
	return rest, used, err
}

func (e *Engine) deferMessage(kv storage.KV, buf *events.Buffer, m executor.Message, until types.BlockNumber) error {
	dm := &types.DeferredMessage{SentAt: m.SentAt, DeferredTo: until, Sender: m.Origin, Payload: m.Raw}
	pl, err := e.store.Place(kv, m.Origin, until, dm)
	if errors.Is(err, bucket.ErrIndexSetFull) {
		slog.Debug("deferred placement rejected", "origin", uint32(m.Origin), "deferred_to", uint32(until), "err", err)
		buf.Emit(events.DeferFailed(m.Origin, m.SentAt, until, m.Hash, err))
		return nil
	}
	if err != nil {
		return err
	}
	buf.Emit(events.XcmDeferred(dm, m.Hash, pl.Index, pl.Position))
	return nil
}
