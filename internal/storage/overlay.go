package storage

import (
	"bytes"
	"errors"
	"sort"
)

// Overlay stages writes on top of a Reader. Reads see staged writes first.
// Commit hands the staged writes to an Engine as one atomic batch, sorted by
// key so that two replicas staging the same writes produce identical batches.
//
// An Overlay is not safe for concurrent use; the engine serialises operations.
type Overlay struct {
	base   Reader
	staged map[string][]byte // nil value = deleted
}

var _ KV = (*Overlay)(nil)

// NewOverlay returns an empty overlay over base.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{base: base, staged: make(map[string][]byte)}
}

// Get implements Reader.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	if v, ok := o.staged[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return bytes.Clone(v), nil
	}
	return o.base.Get(key)
}

// Put implements KV.
func (o *Overlay) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	o.staged[string(key)] = bytes.Clone(value)
	return nil
}

// Delete implements KV.
func (o *Overlay) Delete(key []byte) error {
	o.staged[string(key)] = nil
	return nil
}

// Scan implements Reader, merging staged writes into the base iteration.
func (o *Overlay) Scan(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := o.base.Scan(prefix, func(k, v []byte) error {
		merged[string(k)] = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return err
	}
	for k, v := range o.staged {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of staged mutations.
func (o *Overlay) Len() int { return len(o.staged) }

// Mutations returns the staged writes in ascending key order.
func (o *Overlay) Mutations() []Mutation {
	keys := make([]string, 0, len(o.staged))
	for k := range o.staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Mutation, 0, len(keys))
	for _, k := range keys {
		v := o.staged[k]
		if v == nil {
			out = append(out, Mutation{Key: []byte(k), Delete: true})
			continue
		}
		out = append(out, Mutation{Key: []byte(k), Value: bytes.Clone(v)})
	}
	return out
}

// Commit applies the staged writes to e and clears the overlay.
func (o *Overlay) Commit(e Engine) error {
	if e == nil {
		return errors.New("storage: commit to nil engine")
	}
	if len(o.staged) == 0 {
		return nil
	}
	if err := e.Apply(o.Mutations()); err != nil {
		return err
	}
	o.Discard()
	return nil
}

// Discard drops every staged write.
func (o *Overlay) Discard() {
	o.staged = make(map[string][]byte)
}
