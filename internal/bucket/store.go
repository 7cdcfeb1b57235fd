package bucket

import (
	"errors"
	"fmt"
	"math"

	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ErrIndexSetFull is returned by Place when the origin's index set is at
// capacity and no existing bucket for the due date has room. The message is
// not stored; the caller must report the rejection.
var ErrIndexSetFull = errors.New("bucket: deferred index set full")

// Limits bounds the store. Both values are fixed for the life of a node.
type Limits struct {
	MaxMessagesPerBucket int
	MaxBucketsPerOrigin  int
}

// Validate reports an error when the limits cannot be represented by the
// persisted format.
func (l Limits) Validate() error {
	if l.MaxMessagesPerBucket < 1 || l.MaxMessagesPerBucket > math.MaxUint16 {
		return fmt.Errorf("bucket: max messages per bucket must be in [1, %d]", math.MaxUint16)
	}
	if l.MaxBucketsPerOrigin < 1 || l.MaxBucketsPerOrigin > math.MaxUint16 {
		return fmt.Errorf("bucket: max buckets per origin must be in [1, %d]", math.MaxUint16)
	}
	return nil
}

// Placement reports where Place stored a message.
type Placement struct {
	Index    types.DeferredIndex
	Position uint32
}

// Store reads and writes buckets and index sets through a storage.KV.
// It holds no state of its own.
type Store struct {
	limits Limits
}

// NewStore returns a Store enforcing limits.
func NewStore(limits Limits) *Store {
	return &Store{limits: limits}
}

// Limits returns the configured limits.
func (s *Store) Limits() Limits { return s.limits }

func bucketKey(origin types.OriginID, idx types.DeferredIndex) []byte {
	return storage.NewKey(storage.PrefixBucket).U32(uint32(origin)).U32(uint32(idx.DeferredTo)).U16(idx.Bucket).Bytes()
}

func indicesKey(origin types.OriginID) []byte {
	return storage.NewKey(storage.PrefixIndices).U32(uint32(origin)).Bytes()
}

// Indices returns the origin's index set (empty if it has none).
func (s *Store) Indices(r storage.Reader, origin types.OriginID) (*IndexSet, error) {
	val, err := r.Get(indicesKey(origin))
	if errors.Is(err, storage.ErrNotFound) {
		return NewIndexSet(s.limits.MaxBucketsPerOrigin), nil
	}
	if err != nil {
		return nil, fmt.Errorf("bucket: read indices of %s: %w", origin, err)
	}
	return decodeIndexSet(val, s.limits.MaxBucketsPerOrigin)
}

func (s *Store) putIndices(kv storage.KV, origin types.OriginID, set *IndexSet) error {
	if set.Len() == 0 {
		return kv.Delete(indicesKey(origin))
	}
	return kv.Put(indicesKey(origin), encodeIndexSet(set))
}

// Bucket returns the bucket at (origin, idx). A bucket that was never written
// or has been emptied is returned as an empty bucket.
func (s *Store) Bucket(r storage.Reader, origin types.OriginID, idx types.DeferredIndex) (*Bucket, error) {
	val, err := r.Get(bucketKey(origin, idx))
	if errors.Is(err, storage.ErrNotFound) {
		return New(s.limits.MaxMessagesPerBucket), nil
	}
	if err != nil {
		return nil, fmt.Errorf("bucket: read %s%s: %w", origin, idx, err)
	}
	return decodeBucket(val, s.limits.MaxMessagesPerBucket)
}

// PutBucket writes b back. An empty bucket deletes the record.
func (s *Store) PutBucket(kv storage.KV, origin types.OriginID, idx types.DeferredIndex, b *Bucket) error {
	if b.Len() == 0 {
		return kv.Delete(bucketKey(origin, idx))
	}
	return kv.Put(bucketKey(origin, idx), encodeBucket(b))
}

// Origins returns every origin with a non-empty index set, ascending.
func (s *Store) Origins(r storage.Reader) ([]types.OriginID, error) {
	var out []types.OriginID
	prefix := []byte{storage.PrefixIndices}
	err := r.Scan(prefix, func(k, _ []byte) error {
		if len(k) != 5 {
			return fmt.Errorf("%w: index key %x", storage.ErrCorrupted, k)
		}
		out = append(out, types.OriginID(uint32(k[1])<<24|uint32(k[2])<<16|uint32(k[3])<<8|uint32(k[4])))
		return nil
	})
	return out, err
}

// Place stores msg in the origin's deferred queue for deferredTo.
//
// Existing buckets due at deferredTo are tried in index order; the first one
// with a tombstone or spare capacity takes the message. Otherwise a new
// bucket is opened with the next bucket number for that due date. When the
// origin's index set is already full, Place fails with ErrIndexSetFull and
// nothing is written.
func (s *Store) Place(kv storage.KV, origin types.OriginID, deferredTo types.BlockNumber, msg *types.DeferredMessage) (Placement, error) {
	if msg.DeferredTo != deferredTo || msg.Sender != origin {
		return Placement{}, fmt.Errorf("bucket: message addressed to %s@%d placed under %s@%d",
			msg.Sender, msg.DeferredTo, origin, deferredTo)
	}
	set, err := s.Indices(kv, origin)
	if err != nil {
		return Placement{}, err
	}

	var (
		highest  = -1
		numbers  = make(map[uint16]bool)
		existing []types.DeferredIndex
	)
	for _, idx := range set.All() {
		if idx.DeferredTo != deferredTo {
			continue
		}
		existing = append(existing, idx)
		numbers[idx.Bucket] = true
		highest = max(highest, int(idx.Bucket))
	}

	for _, idx := range existing {
		b, err := s.Bucket(kv, origin, idx)
		if err != nil {
			return Placement{}, err
		}
		pos, ok := b.Insert(msg)
		if !ok {
			continue
		}
		if err := s.PutBucket(kv, origin, idx, b); err != nil {
			return Placement{}, err
		}
		return Placement{Index: idx, Position: uint32(pos)}, nil
	}

	if set.Full() {
		return Placement{}, fmt.Errorf("%w: %s has %d buckets", ErrIndexSetFull, origin, set.Len())
	}

	number, ok := nextBucketNumber(highest, numbers)
	if !ok {
		return Placement{}, fmt.Errorf("%w: %s exhausted bucket numbers for block %d", ErrIndexSetFull, origin, deferredTo)
	}
	idx := types.DeferredIndex{DeferredTo: deferredTo, Bucket: number}
	if err := set.Insert(idx); err != nil {
		return Placement{}, err
	}
	b := New(s.limits.MaxMessagesPerBucket)
	pos, _ := b.Insert(msg)
	if err := s.PutBucket(kv, origin, idx, b); err != nil {
		return Placement{}, err
	}
	if err := s.putIndices(kv, origin, set); err != nil {
		return Placement{}, err
	}
	return Placement{Index: idx, Position: uint32(pos)}, nil
}

// nextBucketNumber picks the number after the highest one in use, falling
// back to the lowest free number once the counter would overflow.
func nextBucketNumber(highest int, used map[uint16]bool) (uint16, bool) {
	if highest < math.MaxUint16 {
		return uint16(highest + 1), true
	}
	for n := 0; n <= math.MaxUint16; n++ {
		if !used[uint16(n)] {
			return uint16(n), true
		}
	}
	return 0, false
}

// Retire removes the bucket at (origin, idx) and drops idx from the origin's
// index set. Only the scheduler retires buckets, and only once drained.
func (s *Store) Retire(kv storage.KV, origin types.OriginID, idx types.DeferredIndex) error {
	if err := kv.Delete(bucketKey(origin, idx)); err != nil {
		return err
	}
	set, err := s.Indices(kv, origin)
	if err != nil {
		return err
	}
	if !set.Remove(idx) {
		return nil
	}
	return s.putIndices(kv, origin, set)
}

// Discard clears deferred messages. With a position it tombstones exactly that
// slot; an absent bucket, an out-of-range position and an existing tombstone
// are all no-ops. Without a position the whole bucket's contents are removed.
// Discard never touches the index set: the index is retired by the scheduler
// when it next finds the bucket drained.
//
// It returns the number of messages removed.
func (s *Store) Discard(kv storage.KV, origin types.OriginID, idx types.DeferredIndex, position *uint32) (int, error) {
	b, err := s.Bucket(kv, origin, idx)
	if err != nil {
		return 0, err
	}
	if position != nil {
		if !b.Clear(int(*position)) {
			return 0, nil
		}
		return 1, s.PutBucket(kv, origin, idx, b)
	}
	removed := b.Live()
	if b.Len() == 0 {
		return 0, nil
	}
	return removed, kv.Delete(bucketKey(origin, idx))
}
