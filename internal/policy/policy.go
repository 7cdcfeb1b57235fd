// Package policy decides, for each inbound message, whether it executes now
// or is held in the deferred queue, and which origins bypass an ingress
// suspension.
//
// Both rules are injectable. The engine calls Decide and the bypass predicate
// and never looks at message contents itself.
package policy

import (
	"math"

	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/types"
)

// DefaultDelay is the grace period, in relay blocks, applied to messages the
// classifier flags.
const DefaultDelay uint32 = 5

// DefaultSystemOriginBound is the first origin id that is not a system origin.
const DefaultSystemOriginBound types.OriginID = 2000

// DefaultDeferringOps are the instructions that credit assets to an account.
var DefaultDeferringOps = []codec.Opcode{
	codec.OpReserveAssetDeposited,
	codec.OpReceiveTeleportedAsset,
	codec.OpDepositAsset,
}

// Decision is the outcome of Decide.
type Decision struct {
	Defer bool
	// Until is the first relay block at which the message may execute.
	// Meaningless when Defer is false.
	Until types.BlockNumber
}

// Execute is the decision to run a message immediately.
var Execute = Decision{}

// DeferUntil returns the decision to hold a message until block b.
func DeferUntil(b types.BlockNumber) Decision { return Decision{Defer: true, Until: b} }

// ─── Classifier ───────────────────────────────────────────────────────────────

// Classifier flags messages that must wait out the grace period.
type Classifier interface {
	ShouldDefer(origin types.OriginID, msg *codec.Message) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(origin types.OriginID, msg *codec.Message) bool

// ShouldDefer implements Classifier.
func (f ClassifierFunc) ShouldDefer(origin types.OriginID, msg *codec.Message) bool {
	return f(origin, msg)
}

// InstructionClassifier flags any message containing one of a set of opcodes.
type InstructionClassifier struct {
	ops [256]bool
}

// NewInstructionClassifier returns a classifier flagging messages that contain
// any of ops.
func NewInstructionClassifier(ops ...codec.Opcode) *InstructionClassifier {
	c := &InstructionClassifier{}
	for _, op := range ops {
		c.ops[op] = true
	}
	return c
}

// ShouldDefer implements Classifier.
func (c *InstructionClassifier) ShouldDefer(_ types.OriginID, msg *codec.Message) bool {
	for _, in := range msg.Instructions {
		if c.ops[in.Op] {
			return true
		}
	}
	return false
}

// Ops returns the flagged opcodes in ascending order.
func (c *InstructionClassifier) Ops() []codec.Opcode {
	var out []codec.Opcode
	for i, on := range c.ops {
		if on {
			out = append(out, codec.Opcode(i))
		}
	}
	return out
}

// Never is a classifier that flags nothing.
var Never Classifier = ClassifierFunc(func(types.OriginID, *codec.Message) bool { return false })

// ─── Policy ───────────────────────────────────────────────────────────────────

// Policy combines a classifier with the grace period it triggers.
type Policy struct {
	classifier Classifier
	delay      uint32
}

// Option configures a Policy.
type Option func(*Policy)

// WithClassifier replaces the default instruction classifier.
func WithClassifier(c Classifier) Option {
	return func(p *Policy) { p.classifier = c }
}

// WithDelay sets the grace period applied to flagged messages.
func WithDelay(blocks uint32) Option {
	return func(p *Policy) { p.delay = blocks }
}

// New returns a Policy. Without options it defers asset-crediting messages by
// DefaultDelay blocks.
func New(opts ...Option) *Policy {
	p := &Policy{
		classifier: NewInstructionClassifier(DefaultDeferringOps...),
		delay:      DefaultDelay,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Delay returns the configured grace period.
func (p *Policy) Delay() uint32 { return p.delay }

// Decide classifies msg.
//
// With an emergency override every message is deferred to relay+override.
// Otherwise a flagged message is deferred to sentAt+delay and everything
// else executes. A flagged message whose grace period has already elapsed is
// still deferred; the scheduler picks it up on its next pass.
func (p *Policy) Decide(origin types.OriginID, sentAt, relay types.BlockNumber, msg *codec.Message, override *uint32) Decision {
	if override != nil {
		return DeferUntil(addBlocks(relay, *override))
	}
	if p.classifier.ShouldDefer(origin, msg) {
		return DeferUntil(addBlocks(sentAt, p.delay))
	}
	return Execute
}

func addBlocks(b types.BlockNumber, n uint32) types.BlockNumber {
	if uint64(b)+uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return b + types.BlockNumber(n)
}

// ─── Suspension bypass ────────────────────────────────────────────────────────

// Bypass reports whether origin keeps executing while ingress is suspended.
type Bypass func(origin types.OriginID) bool

// SystemOrigins returns a Bypass admitting every origin below bound.
func SystemOrigins(bound types.OriginID) Bypass {
	return func(o types.OriginID) bool { return o < bound }
}

// NoBypass admits nobody.
func NoBypass(types.OriginID) bool { return false }
