package codec

import (
	"errors"
	"fmt"
)

// Format is the leading discriminant of an inbound page.
type Format uint8

const (
	// FormatConcatenatedVersioned pages hold back-to-back encoded messages.
	FormatConcatenatedVersioned Format = iota
	// FormatConcatenatedBlob pages hold opaque blobs. Recognised but not
	// interpretable yet.
	FormatConcatenatedBlob
	// FormatSignals pages carry channel control signals for the outbound
	// side, which this engine does not own.
	FormatSignals
)

func (f Format) String() string {
	switch f {
	case FormatConcatenatedVersioned:
		return "concatenated_versioned"
	case FormatConcatenatedBlob:
		return "concatenated_blob"
	case FormatSignals:
		return "signals"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ErrUnsupportedFormat is returned for pages in a recognised format that the
// engine cannot process.
var ErrUnsupportedFormat = errors.New("codec: unsupported page format")

// SplitPage reads the format discriminant of a page and returns it together
// with the page body. Unknown discriminants are malformed input.
func SplitPage(page []byte) (Format, []byte, error) {
	if len(page) == 0 {
		return 0, nil, fmt.Errorf("%w: empty page", ErrMalformed)
	}
	f := Format(page[0])
	switch f {
	case FormatConcatenatedVersioned:
		return f, page[1:], nil
	case FormatConcatenatedBlob, FormatSignals:
		return f, page[1:], fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	default:
		return f, nil, fmt.Errorf("%w: unknown page format %d", ErrMalformed, page[0])
	}
}

// EncodePage builds a concatenated-versioned page from msgs.
func EncodePage(msgs ...*Message) []byte {
	page := []byte{byte(FormatConcatenatedVersioned)}
	for _, m := range msgs {
		page = m.AppendEncoded(page)
	}
	return page
}

// PageFromBody prefixes an already concatenated body with the
// concatenated-versioned discriminant.
func PageFromBody(body []byte) []byte {
	page := make([]byte, 0, len(body)+1)
	page = append(page, byte(FormatConcatenatedVersioned))
	return append(page, body...)
}
