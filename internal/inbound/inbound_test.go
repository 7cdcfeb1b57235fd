package inbound_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/inbound"
	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/storage/memory"
	"github.com/snehjoshi/xcmq/internal/types"
)

// Pages in these tests are a format byte followed by one byte per unit of
// work; unitCost is charged per unit.
var unitCost = types.NewWeight(1_000, 0)

type visit struct {
	origin types.OriginID
	sentAt types.BlockNumber
}

func byteWorker(visits *[]visit) inbound.PageFunc {
	return func(_ storage.KV, origin types.OriginID, sentAt types.BlockNumber, page []byte, allowance types.Weight) ([]byte, types.Weight, error) {
		*visits = append(*visits, visit{origin, sentAt})
		body := page[1:]
		var used types.Weight
		for len(body) > 0 && used.Add(unitCost).AllLte(allowance) {
			used = used.Add(unitCost)
			body = body[1:]
		}
		if len(body) == 0 {
			return nil, used, nil
		}
		return append([]byte{0}, body...), used, nil
	}
}

func page(units int) []byte { return make([]byte, units+1) }

func TestEnqueue_Thresholds(t *testing.T) {
	e := memory.New()
	b := inbound.New()
	cfg := control.DefaultQueueConfig()
	var buf events.Buffer

	for sent := types.BlockNumber(1); sent <= 6; sent++ {
		require.NoError(t, b.Enqueue(e.KV(), &buf, cfg, 2000, sent, page(1)))
	}

	c, err := b.Channel(e, 2000)
	require.NoError(t, err)
	assert.Equal(t, inbound.Suspended, c.State)
	assert.Equal(t, []types.BlockNumber{1, 2, 3, 4, 5}, c.Pages)
	assert.Len(t, buf.OfKind(events.KindChannelSuspended), 1)
	dropped := buf.OfKind(events.KindPageDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, types.BlockNumber(6), dropped[0].SentAt)

	_, err = b.Page(e, 2000, 6)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnqueue_SameBlockAppends(t *testing.T) {
	e := memory.New()
	b := inbound.New()
	cfg := control.DefaultQueueConfig()

	require.NoError(t, b.Enqueue(e.KV(), &events.Buffer{}, cfg, 2000, 4, []byte{0, 'a'}))
	require.NoError(t, b.Enqueue(e.KV(), &events.Buffer{}, cfg, 2000, 4, []byte{0, 'b'}))

	c, err := b.Channel(e, 2000)
	require.NoError(t, err)
	assert.Equal(t, []types.BlockNumber{4}, c.Pages)
	p, err := b.Page(e, 2000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 'a', 'b'}, p)
}

func TestService_DrainsAndResumes(t *testing.T) {
	e := memory.New()
	b := inbound.New()
	cfg := control.DefaultQueueConfig()
	var buf events.Buffer

	for sent := types.BlockNumber(1); sent <= 3; sent++ {
		require.NoError(t, b.Enqueue(e.KV(), &buf, cfg, 3000, sent, page(2)))
	}
	require.NoError(t, b.Enqueue(e.KV(), &buf, cfg, 2000, 9, page(1)))

	var visits []visit
	used, err := b.Service(e.KV(), &buf, cfg, false, inbound.Bypass(func(types.OriginID) bool { return false }),
		types.NewWeight(1_000_000_000, 0), byteWorker(&visits))
	require.NoError(t, err)
	assert.Equal(t, types.NewWeight(7_000, 0), used)

	assert.Equal(t, visit{2000, 9}, visits[0], "origins are visited in ascending order")
	assert.Equal(t, visit{3000, 1}, visits[1])
	assert.Len(t, buf.OfKind(events.KindChannelResumed), 1)

	channels, err := b.Channels(e)
	require.NoError(t, err)
	assert.Empty(t, channels)
	assert.Zero(t, e.Len(), "every page and channel record is gone")
}

func TestService_SuspendedOnlyBypass(t *testing.T) {
	e := memory.New()
	b := inbound.New()
	cfg := control.DefaultQueueConfig()
	require.NoError(t, b.Enqueue(e.KV(), &events.Buffer{}, cfg, 1000, 1, page(1)))
	require.NoError(t, b.Enqueue(e.KV(), &events.Buffer{}, cfg, 2000, 1, page(1)))

	var visits []visit
	system := func(o types.OriginID) bool { return o < 2000 }
	_, err := b.Service(e.KV(), &events.Buffer{}, cfg, true, system, types.NewWeight(1_000_000_000, 0), byteWorker(&visits))
	require.NoError(t, err)

	assert.Equal(t, []visit{{1000, 1}}, visits)
	c, err := b.Channel(e, 2000)
	require.NoError(t, err)
	assert.Equal(t, []types.BlockNumber{1}, c.Pages)
}

func TestService_BelowThresholdDoesNothing(t *testing.T) {
	e := memory.New()
	b := inbound.New()
	cfg := control.DefaultQueueConfig()
	require.NoError(t, b.Enqueue(e.KV(), &events.Buffer{}, cfg, 2000, 1, page(1)))
	before := e.Snapshot()

	var visits []visit
	used, err := b.Service(e.KV(), &events.Buffer{}, cfg, false, func(types.OriginID) bool { return false },
		types.NewWeight(50_000, 0), byteWorker(&visits))
	require.NoError(t, err)
	assert.True(t, used.IsZero())
	assert.Empty(t, visits)
	assert.Equal(t, before, e.Snapshot())
}

func TestService_PartialPageKeepsRemainder(t *testing.T) {
	e := memory.New()
	b := inbound.New()
	cfg := control.DefaultQueueConfig()
	cfg.ThresholdWeight = types.Weight{}
	require.NoError(t, b.Enqueue(e.KV(), &events.Buffer{}, cfg, 2000, 1, page(5)))

	var visits []visit
	used, err := b.Service(e.KV(), &events.Buffer{}, cfg, false, func(types.OriginID) bool { return false },
		types.NewWeight(3_000, 0), byteWorker(&visits))
	require.NoError(t, err)
	assert.Equal(t, types.NewWeight(3_000, 0), used)

	p, err := b.Page(e, 2000, 1)
	require.NoError(t, err)
	assert.Equal(t, page(2), p)
}
