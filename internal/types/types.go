// Package types contains the core domain types shared across all xcmq
// internal packages. It deliberately has zero imports of other xcmq packages
// so that the storage layer, the codec and the queue components can all
// import from it without creating import cycles.
package types

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"
)

// BlockNumber is a relay chain block height. It is the only clock the engine
// knows about: deferral due-dates are expressed in relay blocks.
type BlockNumber uint32

// OriginID identifies the remote chain that sent a page of messages.
type OriginID uint32

func (o OriginID) String() string { return fmt.Sprintf("origin(%d)", uint32(o)) }

// Hash is a 32-byte blake2b digest of an encoded message.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText encodes h as lowercase hex.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText decodes a 64-character hex string.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != hex.EncodedLen(len(h)) {
		return fmt.Errorf("types: hash must be %d hex characters", hex.EncodedLen(len(h)))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ─── Weight ───────────────────────────────────────────────────────────────────

// Weight is the two-dimensional cost of executing a message: computation time
// (RefTime, picoseconds) and proof size (ProofSize, bytes). All arithmetic
// saturates instead of wrapping.
type Weight struct {
	RefTime   uint64 `json:"ref_time" yaml:"ref_time"`
	ProofSize uint64 `json:"proof_size" yaml:"proof_size"`
}

// MaxWeight is the largest representable weight. Used as "unlimited".
var MaxWeight = Weight{RefTime: math.MaxUint64, ProofSize: math.MaxUint64}

// NewWeight builds a Weight from its two components.
func NewWeight(refTime, proofSize uint64) Weight {
	return Weight{RefTime: refTime, ProofSize: proofSize}
}

// Add returns w + o, saturating each component at math.MaxUint64.
func (w Weight) Add(o Weight) Weight {
	return Weight{RefTime: satAdd(w.RefTime, o.RefTime), ProofSize: satAdd(w.ProofSize, o.ProofSize)}
}

// Sub returns w - o, saturating each component at zero.
func (w Weight) Sub(o Weight) Weight {
	return Weight{RefTime: satSub(w.RefTime, o.RefTime), ProofSize: satSub(w.ProofSize, o.ProofSize)}
}

// Div divides both components by n. Division by zero returns w unchanged.
func (w Weight) Div(n uint64) Weight {
	if n == 0 {
		return w
	}
	return Weight{RefTime: w.RefTime / n, ProofSize: w.ProofSize / n}
}

// Min returns the component-wise minimum of w and o.
func (w Weight) Min(o Weight) Weight {
	return Weight{RefTime: min(w.RefTime, o.RefTime), ProofSize: min(w.ProofSize, o.ProofSize)}
}

// AnyGt reports whether any component of w is strictly greater than o's.
func (w Weight) AnyGt(o Weight) bool {
	return w.RefTime > o.RefTime || w.ProofSize > o.ProofSize
}

// AllLte reports whether every component of w is <= the matching one in o.
func (w Weight) AllLte(o Weight) bool { return !w.AnyGt(o) }

// IsZero reports whether both components are zero.
func (w Weight) IsZero() bool { return w.RefTime == 0 && w.ProofSize == 0 }

func (w Weight) String() string {
	return fmt.Sprintf("{ref_time: %d, proof_size: %d}", w.RefTime, w.ProofSize)
}

func satAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// ─── Deferred messages ────────────────────────────────────────────────────────

// DeferredIndex addresses one bucket of an origin's deferred queue.
// Indices are totally ordered by (DeferredTo, Bucket); that order is the
// service order.
type DeferredIndex struct {
	DeferredTo BlockNumber `json:"deferred_to"`
	Bucket     uint16      `json:"bucket"`
}

// Compare returns -1, 0 or +1 depending on whether i sorts before, equal to,
// or after o.
func (i DeferredIndex) Compare(o DeferredIndex) int {
	switch {
	case i.DeferredTo < o.DeferredTo:
		return -1
	case i.DeferredTo > o.DeferredTo:
		return 1
	case i.Bucket < o.Bucket:
		return -1
	case i.Bucket > o.Bucket:
		return 1
	}
	return 0
}

// Less reports whether i sorts strictly before o.
func (i DeferredIndex) Less(o DeferredIndex) bool { return i.Compare(o) < 0 }

func (i DeferredIndex) String() string {
	return fmt.Sprintf("(%d, %d)", i.DeferredTo, i.Bucket)
}

// DeferredMessage is a message held back until relay block DeferredTo.
// It is immutable once created.
type DeferredMessage struct {
	// SentAt is the relay block at which the sender emitted the page.
	SentAt BlockNumber `json:"sent_at"`
	// DeferredTo is the first relay block at which the message may execute.
	DeferredTo BlockNumber `json:"deferred_to"`
	Sender     OriginID    `json:"sender"`
	// Payload is the encoded message exactly as it arrived on the wire.
	Payload []byte `json:"payload"`
}

// Equal reports whether two deferred messages are identical.
func (m *DeferredMessage) Equal(o *DeferredMessage) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.SentAt == o.SentAt && m.DeferredTo == o.DeferredTo &&
		m.Sender == o.Sender && string(m.Payload) == string(o.Payload)
}

// Clone returns a deep copy of the message.
func (m *DeferredMessage) Clone() *DeferredMessage {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	return &c
}

// ─── Callers ──────────────────────────────────────────────────────────────────

// CallerKind distinguishes privileged from ordinary callers.
type CallerKind uint8

const (
	// CallerSigned is an ordinary account. It may not invoke privileged ops.
	CallerSigned CallerKind = iota
	// CallerRoot is the privileged administrative origin.
	CallerRoot
)

// Caller is the origin of an administrative call.
type Caller struct {
	Kind    CallerKind
	Account string
}

// Root returns the privileged caller.
func Root() Caller { return Caller{Kind: CallerRoot} }

// Signed returns an unprivileged caller identified by account.
func Signed(account string) Caller { return Caller{Kind: CallerSigned, Account: account} }

// IsRoot reports whether c is the privileged origin.
func (c Caller) IsRoot() bool { return c.Kind == CallerRoot }

func (c Caller) String() string {
	if c.IsRoot() {
		return "root"
	}
	return "signed(" + c.Account + ")"
}
