package storage

import "encoding/binary"

// Key prefixes. Each component owns one; the byte values are part of the
// persisted format and must never be reused.
const (
	PrefixBucket     byte = 'b' // origin ‖ deferred_to ‖ bucket → bucket
	PrefixIndices    byte = 'i' // origin → index set
	PrefixOverweight byte = 'o' // index → overweight entry
	PrefixInbound    byte = 'q' // origin → inbound channel status
	PrefixPage       byte = 'p' // origin ‖ sent_at → page body
	PrefixMeta       byte = 'm' // name → singleton value
)

// KeyBuilder assembles big-endian composite keys so that byte-wise key order
// equals numeric order of the components.
type KeyBuilder []byte

// NewKey starts a key with the given prefix.
func NewKey(prefix byte) KeyBuilder { return KeyBuilder{prefix} }

// U16 appends a big-endian uint16.
func (k KeyBuilder) U16(v uint16) KeyBuilder { return binary.BigEndian.AppendUint16(k, v) }

// U32 appends a big-endian uint32.
func (k KeyBuilder) U32(v uint32) KeyBuilder { return binary.BigEndian.AppendUint32(k, v) }

// U64 appends a big-endian uint64.
func (k KeyBuilder) U64(v uint64) KeyBuilder { return binary.BigEndian.AppendUint64(k, v) }

// Str appends raw string bytes.
func (k KeyBuilder) Str(s string) KeyBuilder { return append(k, s...) }

// Bytes returns the finished key.
func (k KeyBuilder) Bytes() []byte { return []byte(k) }

// MetaKey returns the key of a singleton value.
func MetaKey(name string) []byte { return NewKey(PrefixMeta).Str(name).Bytes() }
