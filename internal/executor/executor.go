// Package executor runs one decoded message under a weight ceiling, or
// diverts it to the overweight store when it could never fit.
//
// The interpreter that actually executes instructions and the weigher that
// estimates their cost are external collaborators behind the Interpreter and
// Weigher interfaces.
package executor

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/overweight"
	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

// OutcomeKind classifies what the interpreter did.
type OutcomeKind uint8

const (
	// Complete means every instruction ran.
	Complete OutcomeKind = iota
	// Incomplete means execution stopped part-way with an error.
	Incomplete
	// Failed means execution never started.
	Failed
)

// Outcome is the interpreter's report.
type Outcome struct {
	Kind OutcomeKind
	Used types.Weight
	Err  string
}

// Interpreter executes a message. It must not use more than ceiling.
type Interpreter interface {
	Execute(origin types.OriginID, msg *codec.Message, hash types.Hash, ceiling types.Weight) Outcome
}

// Weigher estimates the weight a message will need.
type Weigher interface {
	Weight(msg *codec.Message) (types.Weight, error)
}

// Status says what Run did with a message.
type Status uint8

const (
	// Executed means the interpreter ran the message; an event was emitted.
	Executed Status = iota
	// Diverted means the message went to the overweight store.
	Diverted
	// OverBudget means the message fits the individual ceiling but not the
	// remaining budget. Nothing was done.
	OverBudget
	// NotComputable means the weigher failed. A Fail event was emitted and
	// the message is consumed.
	NotComputable
	// OverweightFull means the message needed diverting but the overweight
	// store is full. Nothing was done.
	OverweightFull
)

func (s Status) String() string {
	switch s {
	case Executed:
		return "executed"
	case Diverted:
		return "diverted"
	case OverBudget:
		return "over_budget"
	case NotComputable:
		return "not_computable"
	case OverweightFull:
		return "overweight_full"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Consumed reports whether the message is gone after this status.
func (s Status) Consumed() bool {
	return s == Executed || s == Diverted || s == NotComputable
}

// Message is one message to run.
type Message struct {
	Origin types.OriginID
	SentAt types.BlockNumber
	// Raw is the encoded message; it is what the overweight store keeps.
	Raw     []byte
	Decoded *codec.Message
	Hash    types.Hash
}

// NewMessage wraps a decoded message.
func NewMessage(origin types.OriginID, sentAt types.BlockNumber, raw []byte, decoded *codec.Message) Message {
	return Message{Origin: origin, SentAt: sentAt, Raw: raw, Decoded: decoded, Hash: codec.Hash(raw)}
}

// Report is the result of Run.
type Report struct {
	Status Status
	// Used is the weight debited from the budget.
	Used types.Weight
	// Required is the weigher's estimate, when it produced one.
	Required types.Weight
	// OverweightIndex is set when Status is Diverted.
	OverweightIndex uint64
}

// Executor runs messages and diverts overweight ones.
type Executor struct {
	interp     Interpreter
	weigher    Weigher
	overweight *overweight.Store
}

// New returns an Executor.
func New(interp Interpreter, weigher Weigher, ow *overweight.Store) *Executor {
	return &Executor{interp: interp, weigher: weigher, overweight: ow}
}

// Weigher returns the executor's weigher.
func (x *Executor) Weigher() Weigher { return x.weigher }

// Interpreter returns the executor's interpreter.
func (x *Executor) Interpreter() Interpreter { return x.interp }

// Run handles one message with remaining budget left and the per-message
// ceiling maxIndividual.
//
// A message whose estimate exceeds maxIndividual is diverted without
// executing and costs nothing. A message that fits maxIndividual but not
// remaining is left alone (OverBudget). Otherwise the interpreter runs it
// once with ceiling min(remaining, maxIndividual) and the weight it reports
// is debited, clamped to that ceiling.
func (x *Executor) Run(kv storage.KV, emit events.Emitter, m Message, remaining, maxIndividual types.Weight) (Report, error) {
	required, err := x.weigher.Weight(m.Decoded)
	if err != nil {
		emit.Emit(events.Fail(m.Origin, m.Hash, events.ErrWeightNotComputable, types.Weight{}))
		return Report{Status: NotComputable}, nil
	}

	if required.AnyGt(maxIndividual) {
		index, err := x.overweight.Enqueue(kv, m.Origin, m.SentAt, m.Raw)
		if errors.Is(err, overweight.ErrFull) {
			return Report{Status: OverweightFull, Required: required}, nil
		}
		if err != nil {
			return Report{}, fmt.Errorf("executor: divert: %w", err)
		}
		emit.Emit(events.OverweightEnqueued(m.Origin, m.SentAt, index, required))
		return Report{Status: Diverted, Required: required, OverweightIndex: index}, nil
	}

	if required.AnyGt(remaining) {
		return Report{Status: OverBudget, Required: required}, nil
	}

	ceiling := remaining.Min(maxIndividual)
	used := x.execute(emit, m, ceiling)
	return Report{Status: Executed, Used: used, Required: required}, nil
}

// Execute runs m under ceiling without the overweight check. The operator
// path uses it after granting an explicit ceiling.
func (x *Executor) Execute(emit events.Emitter, m Message, ceiling types.Weight) types.Weight {
	return x.execute(emit, m, ceiling)
}

func (x *Executor) execute(emit events.Emitter, m Message, ceiling types.Weight) types.Weight {
	out := x.interp.Execute(m.Origin, m.Decoded, m.Hash, ceiling)
	used := out.Used.Min(ceiling)
	switch out.Kind {
	case Complete:
		emit.Emit(events.Success(m.Origin, m.Hash, used))
	default:
		emit.Emit(events.Fail(m.Origin, m.Hash, out.Err, used))
	}
	return used
}
