// Package control holds the queue's runtime knobs: the numeric thresholds of
// QueueConfig and the suspension flags. Both live in state and change only
// through the engine's privileged operations.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ErrUnknownKnob is returned for an update naming no QueueConfig field.
var ErrUnknownKnob = errors.New("control: unknown config knob")

// QueueConfig are the inbound queue thresholds.
type QueueConfig struct {
	// SuspendThreshold is the backlog length (pages) at which a channel is
	// marked suspended.
	SuspendThreshold uint32 `json:"suspend_threshold" yaml:"suspend_threshold"`
	// DropThreshold is the backlog length at which new pages are dropped.
	DropThreshold uint32 `json:"drop_threshold" yaml:"drop_threshold"`
	// ResumeThreshold is the backlog length at which a suspended channel
	// resumes.
	ResumeThreshold uint32 `json:"resume_threshold" yaml:"resume_threshold"`
	// ThresholdWeight is the minimum weight worth starting backlog servicing
	// with.
	ThresholdWeight types.Weight `json:"threshold_weight" yaml:"threshold_weight"`
	// WeightRestrictDecay controls how quickly the per-page allowance grows
	// towards the remaining weight; larger is slower.
	WeightRestrictDecay types.Weight `json:"weight_restrict_decay" yaml:"weight_restrict_decay"`
	// MaxIndividualWeight is the ceiling above which a message is diverted to
	// the overweight store.
	MaxIndividualWeight types.Weight `json:"max_individual_weight" yaml:"max_individual_weight"`
}

// DefaultQueueConfig returns the genesis thresholds.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		SuspendThreshold:    2,
		DropThreshold:       5,
		ResumeThreshold:     1,
		ThresholdWeight:     types.NewWeight(100_000, 0),
		WeightRestrictDecay: types.NewWeight(2, 0),
		MaxIndividualWeight: types.NewWeight(20_000_000_000, 65536),
	}
}

// Knob names one QueueConfig field.
type Knob string

const (
	KnobSuspendThreshold    Knob = "suspend_threshold"
	KnobDropThreshold       Knob = "drop_threshold"
	KnobResumeThreshold     Knob = "resume_threshold"
	KnobThresholdWeight     Knob = "threshold_weight"
	KnobWeightRestrictDecay Knob = "weight_restrict_decay"
	KnobMaxIndividualWeight Knob = "max_individual_weight"
)

// Knobs lists every knob.
var Knobs = []Knob{
	KnobSuspendThreshold, KnobDropThreshold, KnobResumeThreshold,
	KnobThresholdWeight, KnobWeightRestrictDecay, KnobMaxIndividualWeight,
}

// IsWeight reports whether the knob takes a Weight rather than a count.
func (k Knob) IsWeight() bool {
	return k == KnobThresholdWeight || k == KnobWeightRestrictDecay || k == KnobMaxIndividualWeight
}

// ParseKnob validates a knob name.
func ParseKnob(s string) (Knob, error) {
	for _, k := range Knobs {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKnob, s)
}

// Update sets one knob. Count knobs read Count, weight knobs read Weight.
type Update struct {
	Knob   Knob         `json:"knob"`
	Count  uint32       `json:"count,omitempty"`
	Weight types.Weight `json:"weight"`
}

// With returns a copy of c with u applied.
func (c QueueConfig) With(u Update) (QueueConfig, error) {
	switch u.Knob {
	case KnobSuspendThreshold:
		c.SuspendThreshold = u.Count
	case KnobDropThreshold:
		c.DropThreshold = u.Count
	case KnobResumeThreshold:
		c.ResumeThreshold = u.Count
	case KnobThresholdWeight:
		c.ThresholdWeight = u.Weight
	case KnobWeightRestrictDecay:
		c.WeightRestrictDecay = u.Weight
	case KnobMaxIndividualWeight:
		c.MaxIndividualWeight = u.Weight
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownKnob, u.Knob)
	}
	return c, nil
}

// Validate checks the genesis configuration.
func (c QueueConfig) Validate() error {
	if c.ResumeThreshold > c.SuspendThreshold {
		return errors.New("control: resume_threshold must not exceed suspend_threshold")
	}
	if c.SuspendThreshold > c.DropThreshold {
		return errors.New("control: suspend_threshold must not exceed drop_threshold")
	}
	if c.MaxIndividualWeight.IsZero() {
		return errors.New("control: max_individual_weight must be non-zero")
	}
	return nil
}

// ─── Flags ────────────────────────────────────────────────────────────────────

// Flags are the suspension switches.
type Flags struct {
	// XcmSuspended halts the ingress fast path for non-bypass origins.
	XcmSuspended bool `json:"xcm_suspended"`
	// DeferredSuspended halts deferred servicing.
	DeferredSuspended bool `json:"deferred_suspended"`
	// DeferAllBy, when set, defers every inbound message by that many blocks.
	DeferAllBy *uint32 `json:"defer_all_by,omitempty"`
}

// SchedulerHalted reports whether the deferred scheduler may not run.
// Either flag halts it.
func (f Flags) SchedulerHalted() bool { return f.XcmSuspended || f.DeferredSuspended }

// ─── Controller ───────────────────────────────────────────────────────────────

var (
	keyConfig = storage.MetaKey("queue_config")
	keyFlags  = storage.MetaKey("flags")
)

// Controller reads and writes QueueConfig and Flags through a storage.KV.
// State that has never been written reads as the genesis values.
type Controller struct {
	genesis QueueConfig
}

// New returns a Controller seeded with genesis.
func New(genesis QueueConfig) *Controller {
	return &Controller{genesis: genesis}
}

// Config returns the current thresholds.
func (c *Controller) Config(r storage.Reader) (QueueConfig, error) {
	val, err := r.Get(keyConfig)
	if errors.Is(err, storage.ErrNotFound) {
		return c.genesis, nil
	}
	if err != nil {
		return QueueConfig{}, err
	}
	return decodeConfig(val)
}

// PutConfig stores cfg.
func (c *Controller) PutConfig(kv storage.KV, cfg QueueConfig) error {
	return kv.Put(keyConfig, encodeConfig(cfg))
}

// Flags returns the current suspension flags.
func (c *Controller) Flags(r storage.Reader) (Flags, error) {
	val, err := r.Get(keyFlags)
	if errors.Is(err, storage.ErrNotFound) {
		return Flags{}, nil
	}
	if err != nil {
		return Flags{}, err
	}
	return decodeFlags(val)
}

// PutFlags stores f. Clearing every flag deletes the record.
func (c *Controller) PutFlags(kv storage.KV, f Flags) error {
	if !f.XcmSuspended && !f.DeferredSuspended && f.DeferAllBy == nil {
		return kv.Delete(keyFlags)
	}
	return kv.Put(keyFlags, encodeFlags(f))
}

// ─── Encoding ─────────────────────────────────────────────────────────────────
// QueueConfig: 3 × u32 then 3 × (u64 ref_time, u64 proof_size), big-endian.
// Flags: [bits : 1 byte] then, when bit 2 is set, [defer_all_by : u32].

const configSize = 3*4 + 3*16

func encodeConfig(c QueueConfig) []byte {
	buf := make([]byte, 0, configSize)
	buf = binary.BigEndian.AppendUint32(buf, c.SuspendThreshold)
	buf = binary.BigEndian.AppendUint32(buf, c.DropThreshold)
	buf = binary.BigEndian.AppendUint32(buf, c.ResumeThreshold)
	for _, w := range []types.Weight{c.ThresholdWeight, c.WeightRestrictDecay, c.MaxIndividualWeight} {
		buf = binary.BigEndian.AppendUint64(buf, w.RefTime)
		buf = binary.BigEndian.AppendUint64(buf, w.ProofSize)
	}
	return buf
}

func decodeConfig(buf []byte) (QueueConfig, error) {
	if len(buf) != configSize {
		return QueueConfig{}, fmt.Errorf("%w: queue config length %d", storage.ErrCorrupted, len(buf))
	}
	w := func(off int) types.Weight {
		return types.NewWeight(binary.BigEndian.Uint64(buf[off:]), binary.BigEndian.Uint64(buf[off+8:]))
	}
	return QueueConfig{
		SuspendThreshold:    binary.BigEndian.Uint32(buf[0:]),
		DropThreshold:       binary.BigEndian.Uint32(buf[4:]),
		ResumeThreshold:     binary.BigEndian.Uint32(buf[8:]),
		ThresholdWeight:     w(12),
		WeightRestrictDecay: w(28),
		MaxIndividualWeight: w(44),
	}, nil
}

const (
	flagXcm      = 1 << 0
	flagDeferred = 1 << 1
	flagDeferAll = 1 << 2
)

func encodeFlags(f Flags) []byte {
	var bits byte
	if f.XcmSuspended {
		bits |= flagXcm
	}
	if f.DeferredSuspended {
		bits |= flagDeferred
	}
	if f.DeferAllBy == nil {
		return []byte{bits}
	}
	return binary.BigEndian.AppendUint32([]byte{bits | flagDeferAll}, *f.DeferAllBy)
}

func decodeFlags(buf []byte) (Flags, error) {
	if len(buf) == 0 {
		return Flags{}, fmt.Errorf("%w: empty flags", storage.ErrCorrupted)
	}
	f := Flags{
		XcmSuspended:      buf[0]&flagXcm != 0,
		DeferredSuspended: buf[0]&flagDeferred != 0,
	}
	if buf[0]&flagDeferAll != 0 {
		if len(buf) != 5 {
			return Flags{}, fmt.Errorf("%w: flags length %d", storage.ErrCorrupted, len(buf))
		}
		d := binary.BigEndian.Uint32(buf[1:])
		f.DeferAllBy = &d
	}
	return f, nil
}
