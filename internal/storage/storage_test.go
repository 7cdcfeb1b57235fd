package storage_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/storage"
	"github.com/snehjoshi/xcmq/internal/storage/local"
	"github.com/snehjoshi/xcmq/internal/storage/memory"
)

// engines runs fn against every Engine implementation so both behave the same.
func engines(t *testing.T, fn func(t *testing.T, e storage.Engine)) {
	t.Run("memory", func(t *testing.T) {
		e := memory.New()
		t.Cleanup(func() { _ = e.Close() })
		fn(t, e)
	})
	t.Run("local", func(t *testing.T) {
		e, err := local.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		fn(t, e)
	})
}

func scanKeys(t *testing.T, r storage.Reader, prefix []byte) []string {
	t.Helper()
	var keys []string
	require.NoError(t, r.Scan(prefix, func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	return keys
}

func TestEngine_ApplyGetScan(t *testing.T) {
	engines(t, func(t *testing.T, e storage.Engine) {
		require.NoError(t, e.Apply([]storage.Mutation{
			{Key: []byte("a/2"), Value: []byte("two")},
			{Key: []byte("a/1"), Value: []byte("one")},
			{Key: []byte("b/1"), Value: []byte("other")},
		}))

		v, err := e.Get([]byte("a/1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v)

		_, err = e.Get([]byte("zzz"))
		assert.ErrorIs(t, err, storage.ErrNotFound)

		assert.Equal(t, []string{"a/1", "a/2"}, scanKeys(t, e, []byte("a/")))

		require.NoError(t, e.Apply([]storage.Mutation{{Key: []byte("a/1"), Delete: true}}))
		assert.Equal(t, []string{"a/2"}, scanKeys(t, e, []byte("a/")))
	})
}

func TestEngine_ScanStopsOnError(t *testing.T) {
	engines(t, func(t *testing.T, e storage.Engine) {
		require.NoError(t, e.Apply([]storage.Mutation{
			{Key: []byte("k1"), Value: []byte("1")},
			{Key: []byte("k2"), Value: []byte("2")},
		}))
		stop := errors.New("stop")
		calls := 0
		err := e.Scan([]byte("k"), func(_, _ []byte) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}

func TestOverlay_StagesUntilCommit(t *testing.T) {
	engines(t, func(t *testing.T, e storage.Engine) {
		require.NoError(t, e.Apply([]storage.Mutation{
			{Key: []byte("x/1"), Value: []byte("base")},
			{Key: []byte("x/2"), Value: []byte("gone")},
		}))

		o := storage.NewOverlay(e)
		require.NoError(t, o.Put([]byte("x/3"), []byte("new")))
		require.NoError(t, o.Delete([]byte("x/2")))
		require.NoError(t, o.Put([]byte("x/1"), []byte("changed")))

		// The overlay sees its own writes, the engine does not.
		assert.Equal(t, []string{"x/1", "x/3"}, scanKeys(t, o, []byte("x/")))
		assert.Equal(t, []string{"x/1", "x/2"}, scanKeys(t, e, []byte("x/")))
		_, err := o.Get([]byte("x/2"))
		assert.ErrorIs(t, err, storage.ErrNotFound)

		muts := o.Mutations()
		require.Len(t, muts, 3)
		assert.Equal(t, "x/1", string(muts[0].Key))
		assert.True(t, muts[1].Delete)

		require.NoError(t, o.Commit(e))
		assert.Equal(t, 0, o.Len())

		v, err := e.Get([]byte("x/1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("changed"), v)
		assert.Equal(t, []string{"x/1", "x/3"}, scanKeys(t, e, []byte("x/")))
	})
}

func TestOverlay_DiscardLeavesEngineUntouched(t *testing.T) {
	e := memory.New()
	require.NoError(t, e.Apply([]storage.Mutation{{Key: []byte("k"), Value: []byte("v")}}))
	before := e.Snapshot()

	o := storage.NewOverlay(e)
	require.NoError(t, o.Delete([]byte("k")))
	require.NoError(t, o.Put([]byte("k2"), []byte("v2")))
	o.Discard()
	require.NoError(t, o.Commit(e))

	assert.Equal(t, before, e.Snapshot())
}

func TestLocal_ReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	e, err := local.Open(dir)
	require.NoError(t, err)
	require.NoError(t, e.Apply([]storage.Mutation{{Key: []byte("persist"), Value: []byte("me")}}))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "second close is a no-op")

	_, err = e.Get([]byte("persist"))
	assert.ErrorIs(t, err, storage.ErrClosed)

	e2, err := local.Open(dir)
	require.NoError(t, err)
	defer e2.Close()
	v, err := e2.Get([]byte("persist"))
	require.NoError(t, err)
	assert.Equal(t, []byte("me"), v)
}

func TestKeyBuilder_OrdersNumerically(t *testing.T) {
	k1 := storage.NewKey(storage.PrefixBucket).U32(1).U32(255).U16(0).Bytes()
	k2 := storage.NewKey(storage.PrefixBucket).U32(1).U32(256).U16(0).Bytes()
	assert.Less(t, string(k1), string(k2))
	assert.Len(t, k1, 1+4+4+2)
	assert.Equal(t, []byte("mcount"), storage.MetaKey("count"))
}
