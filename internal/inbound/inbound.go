// Package inbound holds pages that could not be processed when they arrived:
// pages from an origin while ingress is suspended, pages queued behind an
// origin's existing backlog, and the unprocessed tail of a page whose
// processing ran out of weight.
//
// Each origin has a channel record listing its pending pages oldest first.
// A channel whose backlog reaches suspend_threshold is marked suspended, new
// pages are dropped once the backlog reaches drop_threshold, and a suspended
// channel resumes when servicing brings it down to resume_threshold.
package inbound

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

// State is a channel's flow-control state.
type State uint8

const (
	Ok State = iota
	Suspended
)

func (s State) String() string {
	if s == Suspended {
		return "suspended"
	}
	return "ok"
}

// MarshalText encodes s by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Channel is one origin's backlog.
type Channel struct {
	Origin types.OriginID      `json:"origin"`
	State  State               `json:"state"`
	Pages  []types.BlockNumber `json:"pages"` // sent_at of each pending page, oldest first
}

// Len returns the number of pending pages.
func (c *Channel) Len() int { return len(c.Pages) }

func channelKey(origin types.OriginID) []byte {
	return storage.NewKey(storage.PrefixInbound).U32(uint32(origin)).Bytes()
}

func pageKey(origin types.OriginID, sentAt types.BlockNumber) []byte {
	return storage.NewKey(storage.PrefixPage).U32(uint32(origin)).U32(uint32(sentAt)).Bytes()
}

// Backlog reads and writes channels and pages through a storage.KV.
type Backlog struct{}

// New returns a Backlog.
func New() *Backlog { return &Backlog{} }

// Channel returns origin's channel. An origin with no backlog has an empty,
// Ok channel.
func (b *Backlog) Channel(r storage.Reader, origin types.OriginID) (*Channel, error) {
	val, err := r.Get(channelKey(origin))
	if errors.Is(err, storage.ErrNotFound) {
		return &Channel{Origin: origin}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeChannel(origin, val)
}

// Channels returns every channel with pending pages or a suspended state,
// in ascending origin order.
func (b *Backlog) Channels(r storage.Reader) ([]*Channel, error) {
	var out []*Channel
	err := r.Scan([]byte{storage.PrefixInbound}, func(k, v []byte) error {
		if len(k) != 5 {
			return fmt.Errorf("%w: channel key %x", storage.ErrCorrupted, k)
		}
		c, err := decodeChannel(types.OriginID(binary.BigEndian.Uint32(k[1:])), v)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (b *Backlog) putChannel(kv storage.KV, c *Channel) error {
	if len(c.Pages) == 0 && c.State == Ok {
		return kv.Delete(channelKey(c.Origin))
	}
	return kv.Put(channelKey(c.Origin), encodeChannel(c))
}

// Page returns the pending page of origin sent at sentAt.
func (b *Backlog) Page(r storage.Reader, origin types.OriginID, sentAt types.BlockNumber) ([]byte, error) {
	return r.Get(pageKey(origin, sentAt))
}

// Enqueue adds page to origin's backlog.
//
// The flow-control check looks at the backlog as it was before this page:
// at suspend_threshold or more the channel is suspended, at drop_threshold or
// more the page is dropped. A second page with the same sentAt is appended to
// the first, so callers only enqueue concatenated-versioned pages.
func (b *Backlog) Enqueue(kv storage.KV, emit events.Emitter, cfg control.QueueConfig, origin types.OriginID, sentAt types.BlockNumber, page []byte) error {
	c, err := b.Channel(kv, origin)
	if err != nil {
		return err
	}
	count := uint32(len(c.Pages))
	if count >= cfg.SuspendThreshold && c.State == Ok {
		c.State = Suspended
		emit.Emit(events.ChannelSuspended(origin))
	}

	_, pending := slices.BinarySearch(c.Pages, sentAt)
	switch {
	case pending:
		existing, err := b.Page(kv, origin, sentAt)
		if err != nil {
			return fmt.Errorf("inbound: page %s@%d listed but missing: %w", origin, sentAt, err)
		}
		if err := kv.Put(pageKey(origin, sentAt), appendPage(existing, page)); err != nil {
			return err
		}
	case count >= cfg.DropThreshold:
		emit.Emit(events.PageDropped(origin, sentAt))
	default:
		if err := kv.Put(pageKey(origin, sentAt), page); err != nil {
			return err
		}
		pos, _ := slices.BinarySearch(c.Pages, sentAt)
		c.Pages = slices.Insert(c.Pages, pos, sentAt)
	}
	return b.putChannel(kv, c)
}

// appendPage concatenates the bodies of two concatenated-versioned pages.
func appendPage(existing, page []byte) []byte {
	if len(page) == 0 {
		return existing
	}
	return append(slices.Clone(existing), page[1:]...)
}

// PageFunc processes one pending page with at most allowance weight. It
// returns what is left of the page (nil when done) and the weight it used.
type PageFunc func(kv storage.KV, origin types.OriginID, sentAt types.BlockNumber, page []byte, allowance types.Weight) (rest []byte, used types.Weight, err error)

// Bypass reports whether origin is serviced while ingress is suspended.
type Bypass func(origin types.OriginID) bool

// Service works through the backlog with at most max weight and returns the
// weight used.
//
// Channels are visited in ascending origin order, oldest page first. The
// per-page allowance starts at zero and each visit grows it by
// (max - allowance) / (weight_restrict_decay + 1), jumping to max once it is
// within threshold_weight of it. A channel that made progress, or that could
// still be granted more, is visited again after the others. Servicing stops
// once less than threshold_weight remains. While ingress is suspended only
// bypass origins are serviced.
func (b *Backlog) Service(kv storage.KV, emit events.Emitter, cfg control.QueueConfig, suspended bool, bypass Bypass, max types.Weight, process PageFunc) (types.Weight, error) {
	channels, err := b.Channels(kv)
	if err != nil || len(channels) == 0 {
		return types.Weight{}, err
	}

	var (
		used      types.Weight
		allowance types.Weight
		order     = make([]int, len(channels))
	)
	for i := range order {
		order[i] = i
	}

	for i := 0; i < len(order) && cfg.ThresholdWeight.AllLte(max.Sub(used)); {
		c := channels[order[i]]
		if suspended && !bypass(c.Origin) {
			i++
			continue
		}
		if allowance != max {
			step := max.Sub(allowance).Div(cfg.WeightRestrictDecay.RefTime + 1)
			allowance = allowance.Add(step)
			if step.IsZero() || allowance.Add(cfg.ThresholdWeight).AnyGt(max) {
				allowance = max
			}
		}

		var processed types.Weight
		if len(c.Pages) > 0 {
			sentAt := c.Pages[0]
			page, err := b.Page(kv, c.Origin, sentAt)
			if err != nil {
				return used, fmt.Errorf("inbound: page %s@%d: %w", c.Origin, sentAt, err)
			}
			rest, w, err := process(kv, c.Origin, sentAt, page, allowance.Min(max.Sub(used)))
			if err != nil {
				return used, err
			}
			processed = w
			if len(rest) == 0 {
				if err := kv.Delete(pageKey(c.Origin, sentAt)); err != nil {
					return used, err
				}
				c.Pages = c.Pages[1:]
			} else if err := kv.Put(pageKey(c.Origin, sentAt), rest); err != nil {
				return used, err
			}
		}
		used = used.Add(processed)

		if uint32(len(c.Pages)) <= cfg.ResumeThreshold && c.State == Suspended {
			c.State = Ok
			emit.Emit(events.ChannelResumed(c.Origin))
		}

		if len(c.Pages) > 0 && (!processed.IsZero() || allowance != max) {
			if i+1 == len(order) {
				// Only this channel left; go round again.
				continue
			}
			order = append(order, order[i])
		}
		i++
	}

	for _, c := range channels {
		if err := b.putChannel(kv, c); err != nil {
			return used, err
		}
	}
	return used, nil
}

// ─── Encoding ─────────────────────────────────────────────────────────────────
// Channel value: [state : 1][count : u16] count × [sent_at : u32], big-endian.

func encodeChannel(c *Channel) []byte {
	buf := []byte{byte(c.State)}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Pages)))
	for _, p := range c.Pages {
		buf = binary.BigEndian.AppendUint32(buf, uint32(p))
	}
	return buf
}

func decodeChannel(origin types.OriginID, buf []byte) (*Channel, error) {
	if len(buf) < 3 {
		return nil, fmt.Errorf("%w: channel %s header", storage.ErrCorrupted, origin)
	}
	n := int(binary.BigEndian.Uint16(buf[1:]))
	if len(buf) != 3+4*n {
		return nil, fmt.Errorf("%w: channel %s length", storage.ErrCorrupted, origin)
	}
	c := &Channel{Origin: origin, State: State(buf[0]), Pages: make([]types.BlockNumber, n)}
	for i := range c.Pages {
		c.Pages[i] = types.BlockNumber(binary.BigEndian.Uint32(buf[3+4*i:]))
	}
	return c, nil
}
