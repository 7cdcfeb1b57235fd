package ingress_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/ingress"
)

func msgN(n byte) *codec.Message {
	return codec.NewMessage(codec.Instruction{Op: codec.OpDescendOrigin, Operand: []byte{n}})
}

func collect(t *testing.T, p ingress.Page, stopAt int) ([][]byte, []byte, *events.Buffer) {
	t.Helper()
	var (
		seen [][]byte
		buf  events.Buffer
	)
	rest, err := ingress.Decode(p, &buf, func(raw []byte, _ *codec.Message) (ingress.Action, error) {
		if len(seen) == stopAt {
			return ingress.Stop, nil
		}
		seen = append(seen, raw)
		return ingress.Next, nil
	})
	require.NoError(t, err)
	return seen, rest, &buf
}

func TestDecode_AllMessagesInOrder(t *testing.T) {
	p := ingress.Page{Origin: 2000, SentAt: 1, Data: codec.EncodePage(msgN(1), msgN(2), msgN(3))}
	seen, rest, buf := collect(t, p, -1)
	require.Len(t, seen, 3)
	assert.Equal(t, msgN(2).Encode(), seen[1])
	assert.Nil(t, rest)
	assert.Zero(t, buf.Len())
	assert.Equal(t, 3, ingress.Count(p))
}

func TestDecode_StopReturnsRemainderPage(t *testing.T) {
	p := ingress.Page{Origin: 2000, SentAt: 1, Data: codec.EncodePage(msgN(1), msgN(2), msgN(3))}
	seen, rest, _ := collect(t, p, 1)
	require.Len(t, seen, 1)
	assert.Equal(t, codec.EncodePage(msgN(2), msgN(3)), rest)
}

func TestDecode_GarbageDiscardsRestOfPage(t *testing.T) {
	data := append(codec.EncodePage(msgN(1)), 0xff, 0x00, 0x01)
	p := ingress.Page{Origin: 2000, SentAt: 1, Data: data}

	seen, rest, buf := collect(t, p, -1)
	assert.Len(t, seen, 1, "messages before the bad bytes still run")
	assert.Nil(t, rest)
	bad := buf.OfKind(events.KindBadFormat)
	require.Len(t, bad, 1)
	assert.Contains(t, bad[0].Error, "version")
}

func TestDecode_RejectsFormats(t *testing.T) {
	cases := map[string]struct {
		data []byte
		kind events.Kind
	}{
		"blob":    {[]byte{byte(codec.FormatConcatenatedBlob), 1, 2}, events.KindUnsupportedFormat},
		"signals": {[]byte{byte(codec.FormatSignals)}, events.KindUnsupportedFormat},
		"unknown": {[]byte{9, 9}, events.KindBadFormat},
		"empty":   {nil, events.KindBadFormat},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			seen, rest, buf := collect(t, ingress.Page{Origin: 3000, Data: tc.data}, -1)
			assert.Empty(t, seen)
			assert.Nil(t, rest)
			require.Equal(t, 1, buf.Len())
			assert.Equal(t, tc.kind, buf.Events()[0].Kind)
		})
	}
}

func TestAdmit(t *testing.T) {
	var buf events.Buffer
	assert.True(t, ingress.Admit(ingress.Page{Origin: 3000, Data: codec.EncodePage(msgN(1))}, &buf))
	assert.Zero(t, buf.Len())

	assert.False(t, ingress.Admit(ingress.Page{Origin: 3000, Data: []byte{byte(codec.FormatConcatenatedBlob), 1}}, &buf))
	assert.False(t, ingress.Admit(ingress.Page{Origin: 3000, Data: []byte{9}}, &buf))
	require.Equal(t, 2, buf.Len())
	assert.Equal(t, events.KindUnsupportedFormat, buf.Events()[0].Kind)
	assert.Equal(t, events.KindBadFormat, buf.Events()[1].Kind)
}

func TestDecode_HandlerErrorAborts(t *testing.T) {
	boom := errors.New("storage down")
	p := ingress.Page{Origin: 2000, Data: codec.EncodePage(msgN(1), msgN(2))}
	_, err := ingress.Decode(p, &events.Buffer{}, func([]byte, *codec.Message) (ingress.Action, error) {
		return ingress.Next, boom
	})
	assert.ErrorIs(t, err, boom)
}
