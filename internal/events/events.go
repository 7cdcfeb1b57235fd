// Package events defines what the engine reports about each operation and
// where those reports go.
//
// Events are part of the deterministic output of a step: an operation
// collects them into a Buffer which the engine appends to the block's Log
// only if the operation commits. Sinks receive them after the fact and never
// influence state.
package events

import (
	"github.com/snehjoshi/xcmq/internal/types"
)

// Kind names an event.
type Kind string

const (
	KindSuccess            Kind = "success"
	KindFail               Kind = "fail"
	KindXcmDeferred        Kind = "xcm_deferred"
	KindDeferFailed        Kind = "defer_failed"
	KindDeferredDiscarded  Kind = "deferred_discarded"
	KindOverweightEnqueued Kind = "overweight_enqueued"
	KindOverweightServiced Kind = "overweight_serviced"
	KindBadFormat          Kind = "bad_format"
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindPageDropped        Kind = "page_dropped"
	KindChannelSuspended   Kind = "channel_suspended"
	KindChannelResumed     Kind = "channel_resumed"
)

// Event is one engine report. Only the fields relevant to Kind are set.
type Event struct {
	Kind   Kind           `json:"kind"`
	Origin types.OriginID `json:"origin,omitempty"`

	MessageHash types.Hash   `json:"message_hash,omitzero"`
	MessageID   types.Hash   `json:"message_id,omitzero"`
	Weight      types.Weight `json:"weight,omitzero"`
	Error       string       `json:"error,omitempty"`

	SentAt     types.BlockNumber    `json:"sent_at,omitempty"`
	DeferredTo types.BlockNumber    `json:"deferred_to,omitempty"`
	Index      *types.DeferredIndex `json:"index,omitempty"`
	Position   *uint32              `json:"position,omitempty"`
	Count      int                  `json:"count,omitempty"`

	OverweightIndex *uint64 `json:"overweight_index,omitempty"`
}

// Errors reported in Fail events.
const (
	ErrWeightNotComputable = "weight not computable"
	ErrOverweightFull      = "overweight queue full"
)

// Success reports a message that executed to completion.
func Success(origin types.OriginID, hash types.Hash, used types.Weight) Event {
	return Event{Kind: KindSuccess, Origin: origin, MessageHash: hash, MessageID: hash, Weight: used}
}

// Fail reports a message that was consumed without completing.
func Fail(origin types.OriginID, hash types.Hash, err string, used types.Weight) Event {
	return Event{Kind: KindFail, Origin: origin, MessageHash: hash, MessageID: hash, Error: err, Weight: used}
}

// XcmDeferred reports a message placed into the deferred queue.
func XcmDeferred(m *types.DeferredMessage, hash types.Hash, idx types.DeferredIndex, pos uint32) Event {
	return Event{
		Kind:        KindXcmDeferred,
		Origin:      m.Sender,
		SentAt:      m.SentAt,
		DeferredTo:  m.DeferredTo,
		Index:       &idx,
		Position:    &pos,
		MessageHash: hash,
	}
}

// DeferFailed reports a message that could not be placed.
func DeferFailed(origin types.OriginID, sentAt, deferredTo types.BlockNumber, hash types.Hash, err error) Event {
	return Event{
		Kind:        KindDeferFailed,
		Origin:      origin,
		SentAt:      sentAt,
		DeferredTo:  deferredTo,
		MessageHash: hash,
		Error:       err.Error(),
	}
}

// DeferredDiscarded reports an administrative discard.
func DeferredDiscarded(origin types.OriginID, idx types.DeferredIndex, pos *uint32, count int) Event {
	return Event{Kind: KindDeferredDiscarded, Origin: origin, Index: &idx, Position: pos, Count: count}
}

// OverweightEnqueued reports a diversion to the overweight store.
func OverweightEnqueued(origin types.OriginID, sentAt types.BlockNumber, index uint64, required types.Weight) Event {
	return Event{Kind: KindOverweightEnqueued, Origin: origin, SentAt: sentAt, OverweightIndex: &index, Weight: required}
}

// OverweightServiced reports an operator-executed overweight entry.
func OverweightServiced(index uint64, used types.Weight) Event {
	return Event{Kind: KindOverweightServiced, OverweightIndex: &index, Weight: used}
}

// BadFormat reports a page whose remaining bytes could not be decoded.
func BadFormat(origin types.OriginID, sentAt types.BlockNumber, err error) Event {
	return Event{Kind: KindBadFormat, Origin: origin, SentAt: sentAt, Error: err.Error()}
}

// UnsupportedFormat reports a page in a recognised but unprocessable format.
func UnsupportedFormat(origin types.OriginID, sentAt types.BlockNumber, err error) Event {
	return Event{Kind: KindUnsupportedFormat, Origin: origin, SentAt: sentAt, Error: err.Error()}
}

// PageDropped reports a page discarded because the origin's backlog is full.
func PageDropped(origin types.OriginID, sentAt types.BlockNumber) Event {
	return Event{Kind: KindPageDropped, Origin: origin, SentAt: sentAt}
}

// ChannelSuspended reports an origin whose backlog crossed the suspend
// threshold.
func ChannelSuspended(origin types.OriginID) Event {
	return Event{Kind: KindChannelSuspended, Origin: origin}
}

// ChannelResumed reports an origin whose backlog fell to the resume threshold.
func ChannelResumed(origin types.OriginID) Event {
	return Event{Kind: KindChannelResumed, Origin: origin}
}

// ─── Buffer ───────────────────────────────────────────────────────────────────

// Emitter receives events.
type Emitter interface {
	Emit(Event)
}

// Buffer collects the events of one operation.
type Buffer struct {
	events []Event
}

// Emit implements Emitter.
func (b *Buffer) Emit(e Event) { b.events = append(b.events, e) }

// Events returns the collected events.
func (b *Buffer) Events() []Event { return b.events }

// Len returns the number of collected events.
func (b *Buffer) Len() int { return len(b.events) }

// Reset drops every collected event.
func (b *Buffer) Reset() { b.events = b.events[:0] }

// OfKind returns the collected events of kind k.
func (b *Buffer) OfKind(k Kind) []Event {
	return Filter(b.events, k)
}

// Filter returns the events of kind k.
func Filter(evs []Event, k Kind) []Event {
	var out []Event
	for _, e := range evs {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
