// Package chain drives the engine one block at a time.
//
// A Producer owns the relay block clock and a bounded queue of pages waiting
// for inclusion. Each block it advances the clock, hands the waiting pages
// to Engine.HandlePages with the block's weight, spends what is left in
// Engine.OnIdle, and publishes the block's events to a sink.
//
// Usage:
//
//	clock := chain.NewClock(0)
//	eng, _ := engine.New(db, engine.WithRelay(clock))
//	p := chain.NewProducer(eng, clock, sink, chain.Config{Interval: time.Second})
//	go p.Run(ctx)
//	p.Submit(page)
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/snehjoshi/xcmq/internal/engine"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/ingress"
	"github.com/snehjoshi/xcmq/internal/node"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ErrPendingFull is returned by Submit when the inclusion queue is full.
var ErrPendingFull = errors.New("chain: pending page queue full")

// ─── Clock ────────────────────────────────────────────────────────────────────

// Clock is the relay block counter. It implements engine.RelayBlockProvider.
type Clock struct {
	mu    sync.RWMutex
	block types.BlockNumber
}

// NewClock returns a Clock at start.
func NewClock(start types.BlockNumber) *Clock { return &Clock{block: start} }

// RelayBlock returns the current block.
func (c *Clock) RelayBlock() types.BlockNumber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.block
}

// Advance moves to the next block and returns it.
func (c *Clock) Advance() types.BlockNumber {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block++
	return c.block
}

// ─── Producer ─────────────────────────────────────────────────────────────────

// Config tunes a Producer.
type Config struct {
	// Interval between blocks.
	Interval time.Duration
	// BlockWeight is the weight available to each block.
	BlockWeight types.Weight
	// MaxPendingPages bounds the inclusion queue; MaxPagesPerBlock bounds how
	// many of them one block takes.
	MaxPendingPages  int
	MaxPagesPerBlock int
}

// DefaultConfig returns a one-second block with a generous weight.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Second,
		BlockWeight:      types.NewWeight(500_000_000_000, 5*1024*1024),
		MaxPendingPages:  1024,
		MaxPagesPerBlock: 256,
	}
}

// BlockReport summarises one produced block.
type BlockReport struct {
	Block      types.BlockNumber    `json:"block"`
	Pages      int                  `json:"pages"`
	Ingress    engine.IngressReport `json:"ingress"`
	IdleUsed   types.Weight         `json:"idle_used"`
	EventCount int                  `json:"event_count"`
}

// Producer builds blocks. Submit is safe for concurrent use with Run.
type Producer struct {
	eng   *engine.Engine
	clock *Clock
	sink  events.Sink
	cfg   Config
	newID events.IDFunc

	mu      sync.Mutex
	pending []ingress.Page

	// blockCh is closed and replaced after each block.
	blockMu sync.Mutex
	blockCh chan struct{}
}

// NewProducer returns a Producer. sink may be nil.
func NewProducer(eng *engine.Engine, clock *Clock, sink events.Sink, cfg Config) *Producer {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BlockWeight.IsZero() {
		cfg.BlockWeight = def.BlockWeight
	}
	if cfg.MaxPendingPages <= 0 {
		cfg.MaxPendingPages = def.MaxPendingPages
	}
	if cfg.MaxPagesPerBlock <= 0 {
		cfg.MaxPagesPerBlock = def.MaxPagesPerBlock
	}
	return &Producer{
		eng:     eng,
		clock:   clock,
		sink:    sink,
		cfg:     cfg,
		newID:   node.NewID,
		blockCh: make(chan struct{}),
	}
}

// Submit queues pages for the next block. A page without a sent-at block is
// stamped with the current one.
func (p *Producer) Submit(pages ...ingress.Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending)+len(pages) > p.cfg.MaxPendingPages {
		return fmt.Errorf("%w: %d waiting", ErrPendingFull, len(p.pending))
	}
	now := p.clock.RelayBlock()
	for _, pg := range pages {
		if pg.SentAt == 0 {
			pg.SentAt = now
		}
		p.pending = append(p.pending, pg)
	}
	return nil
}

// Pending returns the number of pages waiting for inclusion.
func (p *Producer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Producer) take() []ingress.Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(len(p.pending), p.cfg.MaxPagesPerBlock)
	out := p.pending[:n:n]
	p.pending = p.pending[n:]
	return out
}

// requeue puts pages back at the front of the pending queue.
func (p *Producer) requeue(pages []ingress.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(slices.Clone(pages), p.pending...)
}

// Produce builds one block.
//
// When ingress fails nothing was committed and the block's pages go back to
// the front of the pending queue. When the idle pass fails the ingress step
// has already committed, so its events are still published for this block.
func (p *Producer) Produce(ctx context.Context) (BlockReport, error) {
	block := p.clock.Advance()
	pages := p.take()
	rep := BlockReport{Block: block, Pages: len(pages)}

	in, err := p.eng.HandlePages(pages, p.cfg.BlockWeight)
	if err != nil {
		p.requeue(pages)
		return rep, fmt.Errorf("chain: block %d: ingress: %w", block, err)
	}
	rep.Ingress = in

	rep.IdleUsed, err = p.eng.OnIdle(p.cfg.BlockWeight.Sub(in.Used))
	if err != nil {
		err = fmt.Errorf("chain: block %d: idle: %w", block, err)
	}

	var pubErr error
	rep.EventCount, pubErr = p.publish(ctx, block)
	if err != nil {
		return rep, err
	}
	if pubErr != nil {
		return rep, pubErr
	}

	p.blockMu.Lock()
	close(p.blockCh)
	p.blockCh = make(chan struct{})
	p.blockMu.Unlock()
	return rep, nil
}

// publish drains the engine's committed events and hands them to the sink
// stamped with block.
func (p *Producer) publish(ctx context.Context, block types.BlockNumber) (int, error) {
	evs := p.eng.Drain()
	if p.sink == nil || len(evs) == 0 {
		return len(evs), nil
	}
	records, err := events.Stamp(block, evs, p.newID)
	if err != nil {
		return len(evs), err
	}
	// Sinks observe; a failing sink never stops block production.
	if err := p.sink.Publish(ctx, records); err != nil {
		slog.Warn("chain: publish events", "block", uint32(block), "err", err)
	}
	return len(evs), nil
}

// Blocks returns a channel closed when the next block has been produced.
func (p *Producer) Blocks() <-chan struct{} {
	p.blockMu.Lock()
	defer p.blockMu.Unlock()
	return p.blockCh
}

// Run produces a block every Interval until ctx is cancelled. It returns
// nil on cancellation and the first engine error otherwise.
func (p *Producer) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	slog.Info("chain: producing blocks", "interval", p.cfg.Interval.String(), "start", uint32(p.clock.RelayBlock()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			rep, err := p.Produce(ctx)
			if err != nil {
				return err
			}
			if rep.Pages > 0 || rep.EventCount > 0 {
				slog.Debug("chain: block", "block", uint32(rep.Block), "pages", rep.Pages,
					"events", rep.EventCount, "used", rep.Ingress.Used.String())
			}
		}
	}
}
