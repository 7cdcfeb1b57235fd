package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/bucket"
	"github.com/snehjoshi/xcmq/internal/codec"
	"github.com/snehjoshi/xcmq/internal/control"
	"github.com/snehjoshi/xcmq/internal/events"
	"github.com/snehjoshi/xcmq/internal/executor"
	"github.com/snehjoshi/xcmq/internal/overweight"
	"github.com/snehjoshi/xcmq/internal/scheduler"
	"github.com/snehjoshi/xcmq/internal/storage/memory"
	"github.com/snehjoshi/xcmq/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

var (
	unit          = executor.DefaultUnitWeight
	maxIndividual = control.DefaultQueueConfig().MaxIndividualWeight
)

type harness struct {
	e     *memory.Engine
	store *bucket.Store
	ow    *overweight.Store
	sched *scheduler.Scheduler
	buf   *events.Buffer
}

func newHarness(maxOverweight uint64) *harness {
	w := executor.NewFixedWeigher(unit)
	h := &harness{
		e:     memory.New(),
		store: bucket.NewStore(bucket.Limits{MaxMessagesPerBucket: 4, MaxBucketsPerOrigin: 8}),
		ow:    overweight.NewStore(maxOverweight),
		buf:   &events.Buffer{},
	}
	h.sched = scheduler.New(h.store, executor.New(executor.NewReference(w), w, h.ow))
	return h
}

func deposit(tag byte) []byte {
	return codec.NewMessage(codec.Instruction{Op: codec.OpReserveAssetDeposited, Operand: []byte{tag}}).Encode()
}

func (h *harness) park(t *testing.T, origin types.OriginID, sentAt, to types.BlockNumber, payload []byte) {
	t.Helper()
	m := &types.DeferredMessage{SentAt: sentAt, DeferredTo: to, Sender: origin, Payload: payload}
	_, err := h.store.Place(h.e.KV(), origin, to, m)
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T, flags control.Flags, p scheduler.Params) scheduler.Result {
	t.Helper()
	res, err := h.sched.ServiceAll(h.e.KV(), h.buf, flags, p)
	require.NoError(t, err)
	return res
}

func (h *harness) indices(t *testing.T, origin types.OriginID) []types.DeferredIndex {
	t.Helper()
	set, err := h.store.Indices(h.e, origin)
	require.NoError(t, err)
	return set.All()
}

func ample(relay types.BlockNumber) scheduler.Params {
	return scheduler.Params{Budget: types.MaxWeight, Relay: relay, MaxIndividual: maxIndividual, MaxBuckets: 8}
}

func idx(to types.BlockNumber, n uint16) types.DeferredIndex {
	return types.DeferredIndex{DeferredTo: to, Bucket: n}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestServiceAll_ExecutesDueAndRetires(t *testing.T) {
	h := newHarness(4)
	payload := deposit(1)
	h.park(t, 999, 1, 6, payload)

	res := h.run(t, control.Flags{}, ample(7))
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.Retired)
	assert.Equal(t, unit, res.Used)
	assert.Empty(t, h.indices(t, 999))
	assert.Zero(t, h.e.Len())

	ok := h.buf.OfKind(events.KindSuccess)
	require.Len(t, ok, 1)
	assert.Equal(t, codec.Hash(payload), ok[0].MessageHash)
	assert.Equal(t, unit, ok[0].Weight)
}

func TestServiceAll_SkipsNotDue(t *testing.T) {
	h := newHarness(4)
	h.park(t, 999, 2, 7, deposit(1))
	h.park(t, 999, 3, 8, deposit(2))

	h.run(t, control.Flags{}, ample(7))
	assert.Equal(t, []types.DeferredIndex{idx(8, 0)}, h.indices(t, 999))

	b, err := h.store.Bucket(h.e, 999, idx(8, 0))
	require.NoError(t, err)
	assert.Equal(t, deposit(2), b.At(0).Payload)
}

func TestServiceAll_HaltsWithinBucket(t *testing.T) {
	h := newHarness(4)
	h.park(t, 999, 1, 6, deposit(1))
	h.park(t, 999, 1, 6, deposit(2))

	p := ample(7)
	p.Budget = unit
	res := h.run(t, control.Flags{}, p)
	assert.True(t, res.Halted)
	assert.Equal(t, unit, res.Used)

	b, err := h.store.Bucket(h.e, 999, idx(6, 0))
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
	assert.Nil(t, b.At(0))
	assert.Equal(t, deposit(2), b.At(1).Payload, "the message that did not fit is untouched")
	assert.Equal(t, []types.DeferredIndex{idx(6, 0)}, h.indices(t, 999))

	// The next pass resumes at the same slot.
	res = h.run(t, control.Flags{}, ample(7))
	assert.Equal(t, 1, res.Executed)
	assert.Empty(t, h.indices(t, 999))
}

func TestServiceAll_HaltsAcrossOrigins(t *testing.T) {
	h := newHarness(4)
	h.park(t, 999, 1, 6, deposit(1))
	h.park(t, 1000, 1, 6, deposit(1))

	p := ample(7)
	p.Budget = unit.Add(types.NewWeight(10, 10))
	res := h.run(t, control.Flags{}, p)
	assert.True(t, res.Halted)
	assert.True(t, res.Used.AllLte(p.Budget))

	assert.Empty(t, h.indices(t, 999))
	assert.Equal(t, []types.DeferredIndex{idx(6, 0)}, h.indices(t, 1000))
}

func TestServiceAll_DivertsOverweight(t *testing.T) {
	h := newHarness(4)
	payload := deposit(1)
	h.park(t, 999, 1, 6, payload)

	p := ample(7)
	p.MaxIndividual = types.NewWeight(100, 1)
	res := h.run(t, control.Flags{}, p)
	assert.Equal(t, 1, res.Diverted)
	assert.True(t, res.Used.IsZero())
	assert.Empty(t, h.indices(t, 999))

	entry, err := h.ow.Get(h.e, 0)
	require.NoError(t, err)
	assert.Equal(t, &overweight.Entry{Index: 0, Origin: 999, SentAt: 1, Payload: payload}, entry)
	n, err := h.ow.Count(h.e)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestServiceAll_OverweightFullLeavesSlot(t *testing.T) {
	h := newHarness(0)
	h.park(t, 999, 1, 6, deposit(1))
	before := h.e.Snapshot()

	p := ample(7)
	p.MaxIndividual = types.NewWeight(100, 1)
	res := h.run(t, control.Flags{}, p)
	assert.Zero(t, res.Diverted)
	assert.Equal(t, before, h.e.Snapshot())
}

func TestServiceAll_SuspensionLeavesStorageIdentical(t *testing.T) {
	for name, flags := range map[string]control.Flags{
		"xcm":      {XcmSuspended: true},
		"deferred": {DeferredSuspended: true},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(4)
			h.park(t, 999, 1, 6, deposit(1))
			before := h.e.Snapshot()

			res := h.run(t, flags, ample(7))
			assert.True(t, res.Skipped)
			assert.Equal(t, before, h.e.Snapshot())
			assert.Zero(t, h.buf.Len())
		})
	}
}

func TestServiceAll_SecondPassIsNoop(t *testing.T) {
	h := newHarness(4)
	h.park(t, 999, 1, 6, deposit(1))
	h.park(t, 999, 5, 10, deposit(2))

	h.run(t, control.Flags{}, ample(7))
	after := h.e.Snapshot()
	h.buf.Reset()

	h.run(t, control.Flags{}, ample(7))
	assert.Equal(t, after, h.e.Snapshot())
	assert.Zero(t, h.buf.Len())
}

func TestServiceAll_MaxBucketsCap(t *testing.T) {
	h := newHarness(4)
	for to := types.BlockNumber(3); to <= 6; to++ {
		h.park(t, 999, 1, to, deposit(byte(to)))
	}
	p := ample(7)
	p.MaxBuckets = 2
	res := h.run(t, control.Flags{}, p)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, []types.DeferredIndex{idx(5, 0), idx(6, 0)}, h.indices(t, 999))
}

func TestServiceAll_RetiresDiscardedBucket(t *testing.T) {
	h := newHarness(4)
	h.park(t, 999, 1, 6, deposit(1))
	_, err := h.store.Discard(h.e.KV(), 999, idx(6, 0), nil)
	require.NoError(t, err)
	require.Equal(t, []types.DeferredIndex{idx(6, 0)}, h.indices(t, 999))

	res := h.run(t, control.Flags{}, ample(7))
	assert.Equal(t, 1, res.Retired)
	assert.Zero(t, res.Executed)
	assert.Empty(t, h.indices(t, 999))
}

func TestServiceAll_UndecodablePayloadConsumed(t *testing.T) {
	h := newHarness(4)
	h.park(t, 999, 1, 6, []byte{0xff})

	h.run(t, control.Flags{}, ample(7))
	fails := h.buf.OfKind(events.KindFail)
	require.Len(t, fails, 1)
	assert.Equal(t, scheduler.ErrBadStoredMessage, fails[0].Error)
	assert.Empty(t, h.indices(t, 999))
}

func TestServiceOrigin_OnlyThatOrigin(t *testing.T) {
	h := newHarness(4)
	h.park(t, 999, 1, 6, deposit(1))
	h.park(t, 1000, 1, 6, deposit(1))

	res, err := h.sched.ServiceOrigin(h.e.KV(), h.buf, control.Flags{}, 999, ample(7))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Empty(t, h.indices(t, 999))
	assert.Equal(t, []types.DeferredIndex{idx(6, 0)}, h.indices(t, 1000))
}
