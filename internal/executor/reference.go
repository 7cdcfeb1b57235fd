package executor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ErrUnweighable is returned by FixedWeigher for a message it cannot price.
var ErrUnweighable = errors.New("executor: message weight not computable")

// DefaultUnitWeight is the weight FixedWeigher charges per instruction.
var DefaultUnitWeight = types.NewWeight(1_000_000, 1024)

// FixedWeigher charges a flat unit weight per instruction. A Transact
// instruction additionally charges the ref time its operand declares in its
// first eight bytes (big-endian).
type FixedWeigher struct {
	Unit types.Weight
	// MaxInstructions rejects longer messages as unweighable. Zero means
	// codec.MaxInstructions.
	MaxInstructions int
}

// NewFixedWeigher returns a weigher charging unit per instruction.
func NewFixedWeigher(unit types.Weight) *FixedWeigher {
	return &FixedWeigher{Unit: unit}
}

// Weight implements Weigher.
func (f *FixedWeigher) Weight(msg *codec.Message) (types.Weight, error) {
	limit := f.MaxInstructions
	if limit == 0 {
		limit = codec.MaxInstructions
	}
	if len(msg.Instructions) > limit {
		return types.Weight{}, fmt.Errorf("%w: %d instructions", ErrUnweighable, len(msg.Instructions))
	}
	var total types.Weight
	for _, in := range msg.Instructions {
		w, err := f.instruction(in)
		if err != nil {
			return types.Weight{}, err
		}
		total = total.Add(w)
	}
	return total, nil
}

func (f *FixedWeigher) instruction(in codec.Instruction) (types.Weight, error) {
	if in.Op != codec.OpTransact {
		return f.Unit, nil
	}
	if len(in.Operand) < 8 {
		return types.Weight{}, fmt.Errorf("%w: transact without declared weight", ErrUnweighable)
	}
	declared := binary.BigEndian.Uint64(in.Operand)
	return f.Unit.Add(types.NewWeight(declared, 0)), nil
}

// TransactOperand builds a Transact operand declaring refTime followed by
// call.
func TransactOperand(refTime uint64, call []byte) []byte {
	return append(binary.BigEndian.AppendUint64(nil, refTime), call...)
}

// ─── Reference interpreter ────────────────────────────────────────────────────

// Reference is a stand-in interpreter. It charges instructions with the same
// FixedWeigher the executor estimates with, stops with an error at the first
// Trap, and refuses to start when the message needs more than the ceiling.
// It records every message it was asked to run.
type Reference struct {
	weigher *FixedWeigher

	mu  sync.Mutex
	ran []types.Hash
}

// NewReference returns a Reference interpreter pricing with w.
func NewReference(w *FixedWeigher) *Reference {
	return &Reference{weigher: w}
}

// Execute implements Interpreter.
func (r *Reference) Execute(_ types.OriginID, msg *codec.Message, hash types.Hash, ceiling types.Weight) Outcome {
	r.mu.Lock()
	r.ran = append(r.ran, hash)
	r.mu.Unlock()

	required, err := r.weigher.Weight(msg)
	if err != nil {
		return Outcome{Kind: Failed, Err: "weight not computable"}
	}
	if required.AnyGt(ceiling) {
		return Outcome{Kind: Failed, Err: fmt.Sprintf("weight limit reached: %s", required)}
	}

	var used types.Weight
	for i, in := range msg.Instructions {
		w, _ := r.weigher.instruction(in)
		used = used.Add(w)
		if in.Op == codec.OpTrap {
			return Outcome{Kind: Incomplete, Used: used, Err: fmt.Sprintf("trap at instruction %d", i)}
		}
	}
	return Outcome{Kind: Complete, Used: used}
}

// Ran returns the hashes of every message executed so far, in order.
func (r *Reference) Ran() []types.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Hash(nil), r.ran...)
}
