package overweight_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/overweight"
	"github.com/snehjoshi/xcmq/internal/storage/memory"
)

func TestOverweight_IndicesStrictlyIncrease(t *testing.T) {
	e := memory.New()
	s := overweight.NewStore(10)
	kv := e.KV()

	for want := uint64(0); want < 3; want++ {
		got, err := s.Enqueue(kv, 2000, 1, []byte{byte(want)})
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, s.Remove(kv, 2))

	// A removed index is never handed out again.
	got, err := s.Enqueue(kv, 2000, 1, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got)

	n, err := s.Count(e)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestOverweight_GetAndRemove(t *testing.T) {
	e := memory.New()
	s := overweight.NewStore(10)
	kv := e.KV()

	idx, err := s.Enqueue(kv, 3000, 7, []byte("payload"))
	require.NoError(t, err)

	entry, err := s.Get(e, idx)
	require.NoError(t, err)
	assert.Equal(t, &overweight.Entry{Index: 0, Origin: 3000, SentAt: 7, Payload: []byte("payload")}, entry)

	require.NoError(t, s.Remove(kv, idx))
	_, err = s.Get(e, idx)
	assert.ErrorIs(t, err, overweight.ErrBadIndex)
	assert.ErrorIs(t, s.Remove(kv, idx), overweight.ErrBadIndex)
}

func TestOverweight_Full(t *testing.T) {
	e := memory.New()
	s := overweight.NewStore(1)
	_, err := s.Enqueue(e.KV(), 1, 1, nil)
	require.NoError(t, err)
	before := e.Snapshot()

	_, err = s.Enqueue(e.KV(), 1, 1, nil)
	assert.ErrorIs(t, err, overweight.ErrFull)
	assert.Equal(t, before, e.Snapshot())
}

func TestOverweight_List(t *testing.T) {
	e := memory.New()
	s := overweight.NewStore(10)
	for i := 0; i < 4; i++ {
		_, err := s.Enqueue(e.KV(), 1, 1, []byte{byte(i)})
		require.NoError(t, err)
	}
	list, err := s.List(e, 1, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(1), list[0].Index)
	assert.Equal(t, uint64(2), list[1].Index)

	next, err := s.Next(e)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)
}
