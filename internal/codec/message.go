// Package codec implements the wire format of inbound pages and of the
// messages they carry.
//
// A message is self-delimiting so that a page can hold many of them back to
// back:
//
//	[version : 1 byte            ]
//	[count   : uvarint           ]  number of instructions, <= MaxInstructions
//	count × {
//	    [opcode : 1 byte         ]
//	    [len    : uvarint        ]  <= MaxOperandSize
//	    [operand: len bytes      ]  opaque to this engine
//	}
//
// The engine never interprets operands. Only the opcode is inspected, by the
// deferral classifier and by the weigher.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/snehjoshi/xcmq/internal/types"
)

const (
	// MinVersion and CurrentVersion bound the accepted message versions.
	MinVersion     uint8 = 2
	CurrentVersion uint8 = 3

	// MaxInstructions caps the instruction count of a single message.
	MaxInstructions = 100

	// MaxOperandSize caps the size of a single instruction operand.
	MaxOperandSize = 16 << 10
)

var (
	// ErrMalformed is returned when bytes cannot be decoded as a message.
	ErrMalformed = errors.New("codec: malformed message")
	// ErrBadVersion is returned for a version byte outside [MinVersion, CurrentVersion].
	ErrBadVersion = errors.New("codec: unsupported message version")
)

// Opcode identifies an instruction kind.
type Opcode uint8

const (
	OpWithdrawAsset Opcode = iota
	OpReserveAssetDeposited
	OpReceiveTeleportedAsset
	OpQueryResponse
	OpTransferAsset
	OpTransferReserveAsset
	OpTransact
	OpHrmpNewChannelOpenRequest
	OpHrmpChannelAccepted
	OpHrmpChannelClosing
	OpClearOrigin
	OpDescendOrigin
	OpReportError
	OpDepositAsset
	OpDepositReserveAsset
	OpExchangeAsset
	OpInitiateReserveWithdraw
	OpInitiateTeleport
	OpReportHolding
	OpBuyExecution
	OpRefundSurplus
	OpSetErrorHandler
	OpSetAppendix
	OpClearError
	OpClaimAsset
	OpTrap
	OpSubscribeVersion
	OpUnsubscribeVersion

	opcodeCount
)

var opcodeNames = [opcodeCount]string{
	"withdraw_asset",
	"reserve_asset_deposited",
	"receive_teleported_asset",
	"query_response",
	"transfer_asset",
	"transfer_reserve_asset",
	"transact",
	"hrmp_new_channel_open_request",
	"hrmp_channel_accepted",
	"hrmp_channel_closing",
	"clear_origin",
	"descend_origin",
	"report_error",
	"deposit_asset",
	"deposit_reserve_asset",
	"exchange_asset",
	"initiate_reserve_withdraw",
	"initiate_teleport",
	"report_holding",
	"buy_execution",
	"refund_surplus",
	"set_error_handler",
	"set_appendix",
	"clear_error",
	"claim_asset",
	"trap",
	"subscribe_version",
	"unsubscribe_version",
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool { return op < opcodeCount }

func (op Opcode) String() string {
	if !op.Valid() {
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
	return opcodeNames[op]
}

// ParseOpcode maps a snake_case instruction name (as used in config files)
// to its Opcode.
func ParseOpcode(name string) (Opcode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range opcodeNames {
		if n == name {
			return Opcode(i), nil
		}
	}
	return 0, fmt.Errorf("codec: unknown instruction %q", name)
}

// Instruction is one step of a message.
type Instruction struct {
	Op      Opcode
	Operand []byte
}

// Message is a decoded cross-chain message.
type Message struct {
	Version      uint8
	Instructions []Instruction
}

// NewMessage builds a current-version message from the given instructions.
func NewMessage(instrs ...Instruction) *Message {
	return &Message{Version: CurrentVersion, Instructions: instrs}
}

// Contains reports whether the message has at least one instruction with op.
func (m *Message) Contains(op Opcode) bool {
	for _, in := range m.Instructions {
		if in.Op == op {
			return true
		}
	}
	return false
}

// Encode returns the wire encoding of m.
func (m *Message) Encode() []byte { return m.AppendEncoded(nil) }

// AppendEncoded appends the wire encoding of m to dst.
func (m *Message) AppendEncoded(dst []byte) []byte {
	dst = append(dst, m.Version)
	dst = binary.AppendUvarint(dst, uint64(len(m.Instructions)))
	for _, in := range m.Instructions {
		dst = append(dst, byte(in.Op))
		dst = binary.AppendUvarint(dst, uint64(len(in.Operand)))
		dst = append(dst, in.Operand...)
	}
	return dst
}

// Hash returns the blake2b-256 digest of m's encoding.
func (m *Message) Hash() types.Hash { return Hash(m.Encode()) }

// Hash returns the blake2b-256 digest of an encoded message.
func Hash(encoded []byte) types.Hash { return blake2b.Sum256(encoded) }

// Decode decodes exactly one message from the front of data and reports how
// many bytes it consumed. Trailing bytes are left for the caller.
func Decode(data []byte) (*Message, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty input", ErrMalformed)
	}
	version := data[0]
	if version < MinVersion || version > CurrentVersion {
		return nil, 0, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
	off := 1

	count, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: bad instruction count", ErrMalformed)
	}
	off += n
	if count > MaxInstructions {
		return nil, 0, fmt.Errorf("%w: %d instructions exceeds limit %d", ErrMalformed, count, MaxInstructions)
	}

	msg := &Message{Version: version, Instructions: make([]Instruction, 0, count)}
	for i := uint64(0); i < count; i++ {
		if off >= len(data) {
			return nil, 0, fmt.Errorf("%w: truncated at instruction %d", ErrMalformed, i)
		}
		op := Opcode(data[off])
		if !op.Valid() {
			return nil, 0, fmt.Errorf("%w: unknown opcode %d", ErrMalformed, data[off])
		}
		off++

		size, n := binary.Uvarint(data[off:])
		if n <= 0 {
			return nil, 0, fmt.Errorf("%w: bad operand length", ErrMalformed)
		}
		off += n
		if size > MaxOperandSize {
			return nil, 0, fmt.Errorf("%w: operand of %d bytes exceeds limit", ErrMalformed, size)
		}
		if uint64(len(data)-off) < size {
			return nil, 0, fmt.Errorf("%w: truncated operand", ErrMalformed)
		}
		operand := append([]byte(nil), data[off:off+int(size)]...)
		off += int(size)

		msg.Instructions = append(msg.Instructions, Instruction{Op: op, Operand: operand})
	}
	return msg, off, nil
}

// DecodeAll decodes data that must contain exactly one message.
func DecodeAll(data []byte) (*Message, error) {
	msg, n, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-n)
	}
	return msg, nil
}
