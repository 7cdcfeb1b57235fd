// Package overweight holds messages too costly to execute under the
// per-message ceiling. They wait here until an operator executes them
// explicitly with a larger grant.
//
// Entries are addressed by a u64 index handed out from a counter that only
// ever increases, so an index is never reused even after its entry is gone.
package overweight

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/types"
)

var (
	// ErrBadIndex is returned for an index with no entry.
	ErrBadIndex = errors.New("overweight: unknown index")
	// ErrFull is returned by Enqueue when the store holds its maximum.
	ErrFull = errors.New("overweight: store full")
)

// Entry is one diverted message.
type Entry struct {
	Index   uint64            `json:"index"`
	Origin  types.OriginID    `json:"origin"`
	SentAt  types.BlockNumber `json:"sent_at"`
	Payload []byte            `json:"payload"`
}

var (
	keyNext  = storage.MetaKey("overweight_next")
	keyCount = storage.MetaKey("overweight_count")
)

func entryKey(index uint64) []byte {
	return storage.NewKey(storage.PrefixOverweight).U64(index).Bytes()
}

// Store reads and writes overweight entries through a storage.KV.
type Store struct {
	max uint64
}

// NewStore returns a Store holding at most max entries.
func NewStore(max uint64) *Store {
	return &Store{max: max}
}

// Max returns the capacity.
func (s *Store) Max() uint64 { return s.max }

// Enqueue appends an entry and returns its index.
func (s *Store) Enqueue(kv storage.KV, origin types.OriginID, sentAt types.BlockNumber, payload []byte) (uint64, error) {
	count, err := readU64(kv, keyCount)
	if err != nil {
		return 0, err
	}
	if count >= s.max {
		return 0, ErrFull
	}
	index, err := readU64(kv, keyNext)
	if err != nil {
		return 0, err
	}
	e := &Entry{Index: index, Origin: origin, SentAt: sentAt, Payload: payload}
	if err := kv.Put(entryKey(index), encodeEntry(e)); err != nil {
		return 0, err
	}
	if err := writeU64(kv, keyNext, index+1); err != nil {
		return 0, err
	}
	if err := writeU64(kv, keyCount, count+1); err != nil {
		return 0, err
	}
	return index, nil
}

// Get returns the entry at index.
func (s *Store) Get(r storage.Reader, index uint64) (*Entry, error) {
	val, err := r.Get(entryKey(index))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrBadIndex, index)
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(index, val)
}

// Remove deletes the entry at index.
func (s *Store) Remove(kv storage.KV, index uint64) error {
	if _, err := kv.Get(entryKey(index)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrBadIndex, index)
		}
		return err
	}
	count, err := readU64(kv, keyCount)
	if err != nil {
		return err
	}
	if err := kv.Delete(entryKey(index)); err != nil {
		return err
	}
	if count > 0 {
		count--
	}
	return writeU64(kv, keyCount, count)
}

// Count returns the number of stored entries.
func (s *Store) Count(r storage.Reader) (uint64, error) { return readU64(r, keyCount) }

// Next returns the index the next Enqueue will assign.
func (s *Store) Next(r storage.Reader) (uint64, error) { return readU64(r, keyNext) }

// List returns up to limit entries with index >= from, ascending.
func (s *Store) List(r storage.Reader, from uint64, limit int) ([]*Entry, error) {
	var out []*Entry
	stop := errors.New("stop")
	err := r.Scan([]byte{storage.PrefixOverweight}, func(k, v []byte) error {
		if len(k) != 9 {
			return fmt.Errorf("%w: overweight key %x", storage.ErrCorrupted, k)
		}
		index := binary.BigEndian.Uint64(k[1:])
		if index < from {
			return nil
		}
		if limit > 0 && len(out) >= limit {
			return stop
		}
		e, err := decodeEntry(index, v)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, err
	}
	return out, nil
}

func readU64(r storage.Reader, key []byte) (uint64, error) {
	val, err := r.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: counter %s", storage.ErrCorrupted, key)
	}
	return binary.BigEndian.Uint64(val), nil
}

func writeU64(kv storage.KV, key []byte, v uint64) error {
	return kv.Put(key, binary.BigEndian.AppendUint64(nil, v))
}

// Entry value: [origin : u32][sent_at : u32][payload ...]
func encodeEntry(e *Entry) []byte {
	buf := make([]byte, 0, 8+len(e.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.Origin))
	buf = binary.BigEndian.AppendUint32(buf, uint32(e.SentAt))
	return append(buf, e.Payload...)
}

func decodeEntry(index uint64, buf []byte) (*Entry, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: overweight entry %d", storage.ErrCorrupted, index)
	}
	return &Entry{
		Index:   index,
		Origin:  types.OriginID(binary.BigEndian.Uint32(buf)),
		SentAt:  types.BlockNumber(binary.BigEndian.Uint32(buf[4:])),
		Payload: append([]byte(nil), buf[8:]...),
	}, nil
}
