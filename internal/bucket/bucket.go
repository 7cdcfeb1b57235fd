// Package bucket implements the bounded store of deferred messages.
//
// Each origin owns an index set of at most MaxBucketsPerOrigin DeferredIndex
// values, and each index addresses one bucket of at most MaxMessagesPerBucket
// slots. A slot is cleared by writing a tombstone in place; slots never shift,
// so a position handed out at placement time stays valid until the bucket is
// retired. Discard-by-position and budget-exhausted resumption both rely on
// that.
package bucket

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

// Bucket is a fixed-capacity sequence of optional deferred messages.
// A nil slot is a tombstone.
type Bucket struct {
	slots    []*types.DeferredMessage
	capacity int
}

// New returns an empty bucket that can hold up to capacity slots.
func New(capacity int) *Bucket {
	return &Bucket{capacity: capacity}
}

// Len returns the number of slots, tombstones included.
func (b *Bucket) Len() int { return len(b.slots) }

// Cap returns the maximum number of slots.
func (b *Bucket) Cap() int { return b.capacity }

// At returns the message at position i, or nil for a tombstone or an
// out-of-range position.
func (b *Bucket) At(i int) *types.DeferredMessage {
	if i < 0 || i >= len(b.slots) {
		return nil
	}
	return b.slots[i]
}

// Slots returns a copy of the slot list.
func (b *Bucket) Slots() []*types.DeferredMessage {
	return slices.Clone(b.slots)
}

// Live returns the number of non-tombstone slots.
func (b *Bucket) Live() int {
	n := 0
	for _, s := range b.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Drained reports whether every slot is a tombstone.
func (b *Bucket) Drained() bool { return b.Live() == 0 }

// Insert stores msg in the first tombstone slot, or appends it when there is
// no tombstone and the bucket has room. It returns the position used.
func (b *Bucket) Insert(msg *types.DeferredMessage) (int, bool) {
	for i, s := range b.slots {
		if s == nil {
			b.slots[i] = msg
			return i, true
		}
	}
	if len(b.slots) >= b.capacity {
		return 0, false
	}
	b.slots = append(b.slots, msg)
	return len(b.slots) - 1, true
}

// Clear writes a tombstone at position i. It reports whether a message was
// actually removed; clearing a tombstone or an out-of-range position is a
// no-op.
func (b *Bucket) Clear(i int) bool {
	if i < 0 || i >= len(b.slots) || b.slots[i] == nil {
		return false
	}
	b.slots[i] = nil
	return true
}

// ─── Index set ────────────────────────────────────────────────────────────────

// IndexSet is the ordered, bounded set of DeferredIndex values an origin
// currently has buckets under.
type IndexSet struct {
	items    []types.DeferredIndex // ascending
	capacity int
}

// NewIndexSet returns an empty set holding at most capacity indices.
func NewIndexSet(capacity int) *IndexSet {
	return &IndexSet{capacity: capacity}
}

// Len returns the number of indices.
func (s *IndexSet) Len() int { return len(s.items) }

// Full reports whether no further index fits.
func (s *IndexSet) Full() bool { return len(s.items) >= s.capacity }

// All returns the indices in service order.
func (s *IndexSet) All() []types.DeferredIndex { return slices.Clone(s.items) }

// First returns up to n of the earliest indices.
func (s *IndexSet) First(n int) []types.DeferredIndex {
	if n < 0 {
		n = 0
	}
	if n > len(s.items) {
		n = len(s.items)
	}
	return slices.Clone(s.items[:n])
}

// Contains reports whether idx is in the set.
func (s *IndexSet) Contains(idx types.DeferredIndex) bool {
	_, ok := s.search(idx)
	return ok
}

// Insert adds idx. Inserting a present index is a no-op. It fails with
// ErrIndexSetFull when the set is at capacity.
func (s *IndexSet) Insert(idx types.DeferredIndex) error {
	pos, ok := s.search(idx)
	if ok {
		return nil
	}
	if s.Full() {
		return ErrIndexSetFull
	}
	s.items = slices.Insert(s.items, pos, idx)
	return nil
}

// Remove deletes idx and reports whether it was present.
func (s *IndexSet) Remove(idx types.DeferredIndex) bool {
	pos, ok := s.search(idx)
	if !ok {
		return false
	}
	s.items = slices.Delete(s.items, pos, pos+1)
	return true
}

func (s *IndexSet) search(idx types.DeferredIndex) (int, bool) {
	return slices.BinarySearchFunc(s.items, idx, func(a, b types.DeferredIndex) int {
		return a.Compare(b)
	})
}

// ─── Serialisation ────────────────────────────────────────────────────────────
// A bucket is serialised as:
//
//	[count : 2 bytes, uint16]
//	count × {
//	    [present    : 1 byte  ]  0 = tombstone, 1 = message follows
//	    [sent_at    : 4 bytes ]
//	    [deferred_to: 4 bytes ]
//	    [sender     : 4 bytes ]
//	    [len        : 4 bytes ]
//	    [payload    : len bytes]
//	}
//
// An index set is [count : 2 bytes] followed by count × [deferred_to: 4][bucket: 2].
// All integers are big-endian.

func encodeBucket(b *Bucket) []byte {
	buf := binary.BigEndian.AppendUint16(nil, uint16(len(b.slots)))
	for _, m := range b.slots {
		if m == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.SentAt))
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.DeferredTo))
		buf = binary.BigEndian.AppendUint32(buf, uint32(m.Sender))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
		buf = append(buf, m.Payload...)
	}
	return buf
}

func decodeBucket(buf []byte, capacity int) (*Bucket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: bucket header", storage.ErrCorrupted)
	}
	n := int(binary.BigEndian.Uint16(buf))
	off := 2
	b := &Bucket{slots: make([]*types.DeferredMessage, 0, n), capacity: capacity}
	for i := 0; i < n; i++ {
		if off >= len(buf) {
			return nil, fmt.Errorf("%w: bucket slot %d", storage.ErrCorrupted, i)
		}
		present := buf[off]
		off++
		if present == 0 {
			b.slots = append(b.slots, nil)
			continue
		}
		if len(buf)-off < 16 {
			return nil, fmt.Errorf("%w: bucket slot %d header", storage.ErrCorrupted, i)
		}
		m := &types.DeferredMessage{
			SentAt:     types.BlockNumber(binary.BigEndian.Uint32(buf[off:])),
			DeferredTo: types.BlockNumber(binary.BigEndian.Uint32(buf[off+4:])),
			Sender:     types.OriginID(binary.BigEndian.Uint32(buf[off+8:])),
		}
		size := int(binary.BigEndian.Uint32(buf[off+12:]))
		off += 16
		if size > len(buf)-off {
			return nil, fmt.Errorf("%w: bucket slot %d payload", storage.ErrCorrupted, i)
		}
		m.Payload = append([]byte(nil), buf[off:off+size]...)
		off += size
		b.slots = append(b.slots, m)
	}
	if capacity < len(b.slots) {
		// Limits shrank since the bucket was written; keep the data reachable.
		b.capacity = len(b.slots)
	}
	return b, nil
}

func encodeIndexSet(s *IndexSet) []byte {
	buf := binary.BigEndian.AppendUint16(nil, uint16(len(s.items)))
	for _, idx := range s.items {
		buf = binary.BigEndian.AppendUint32(buf, uint32(idx.DeferredTo))
		buf = binary.BigEndian.AppendUint16(buf, idx.Bucket)
	}
	return buf
}

func decodeIndexSet(buf []byte, capacity int) (*IndexSet, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: index set header", storage.ErrCorrupted)
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) != 2+n*6 {
		return nil, fmt.Errorf("%w: index set length", storage.ErrCorrupted)
	}
	s := &IndexSet{items: make([]types.DeferredIndex, n), capacity: max(capacity, n)}
	for i := 0; i < n; i++ {
		off := 2 + i*6
		s.items[i] = types.DeferredIndex{
			DeferredTo: types.BlockNumber(binary.BigEndian.Uint32(buf[off:])),
			Bucket:     binary.BigEndian.Uint16(buf[off+4:]),
		}
	}
	return s, nil
}
