// Package ingress turns an inbound page into individual messages.
//
// A page is one origin's batch for one block: a format byte followed by a
// body. Only the concatenated-versioned format is processed. Undecodable
// input never fails the caller: the rest of that page is discarded with a
// BadFormat event and other pages carry on.
package ingress

import (
	"errors"
	"fmt"
	"slices"

	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/types"
)

// Page is one origin's inbound batch.
type Page struct {
	Origin types.OriginID    `json:"origin"`
	SentAt types.BlockNumber `json:"sent_at"`
	Data   []byte            `json:"data"`
}

// Action tells Decode what to do after a message.
type Action uint8

const (
	// Next moves on to the following message.
	Next Action = iota
	// Stop leaves this message and everything after it undecoded; Decode
	// returns them as the remainder.
	Stop
)

// Handler receives each decoded message with its exact wire bytes.
// A non-nil error aborts Decode and is returned as is.
type Handler func(raw []byte, msg *codec.Message) (Action, error)

// Decode walks p and hands each message to h in order.
//
// It returns the unprocessed remainder as a page of its own when h stopped
// early, or nil when the page was consumed or abandoned.
func Decode(p Page, emit events.Emitter, h Handler) ([]byte, error) {
	format, body, err := codec.SplitPage(p.Data)
	if err != nil {
		reject(p, emit, err)
		return nil, nil
	}
	if format != codec.FormatConcatenatedVersioned {
		// SplitPage only succeeds for processable formats.
		return nil, fmt.Errorf("ingress: unexpected format %s", format)
	}

	for len(body) > 0 {
		msg, n, err := codec.Decode(body)
		if err != nil {
			emit.Emit(events.BadFormat(p.Origin, p.SentAt, err))
			return nil, nil
		}
		action, err := h(slices.Clone(body[:n]), msg)
		if err != nil {
			return nil, err
		}
		if action == Stop {
			return codec.PageFromBody(body), nil
		}
		body = body[n:]
	}
	return nil, nil
}

// Admit reports whether p is in a format Decode can process. A page that is
// not is rejected here with the same event Decode would emit, so it never
// has to be stored.
func Admit(p Page, emit events.Emitter) bool {
	if _, _, err := codec.SplitPage(p.Data); err != nil {
		reject(p, emit, err)
		return false
	}
	return true
}

func reject(p Page, emit events.Emitter, err error) {
	if errors.Is(err, codec.ErrUnsupportedFormat) {
		emit.Emit(events.UnsupportedFormat(p.Origin, p.SentAt, err))
	} else {
		emit.Emit(events.BadFormat(p.Origin, p.SentAt, err))
	}
}

// Count returns how many messages in p decode cleanly, stopping at the first
// bad one.
func Count(p Page) int {
	_, body, err := codec.SplitPage(p.Data)
	if err != nil {
		return 0
	}
	n := 0
	for len(body) > 0 {
		_, size, err := codec.Decode(body)
		if err != nil {
			break
		}
		body = body[size:]
		n++
	}
	return n
}
