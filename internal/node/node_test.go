package node_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/xcmq/internal/node"
)

func TestOpen_GeneratesAndPersistsID(t *testing.T) {
	dir := t.TempDir()

	n1, err := node.Open(dir, "auto")
	require.NoError(t, err)
	assert.False(t, n1.ID().IsZero())
	assert.Len(t, n1.ID().String(), 26)

	data, err := os.ReadFile(filepath.Join(dir, "node_id"))
	require.NoError(t, err)
	assert.Equal(t, n1.ID().String(), strings.TrimSpace(string(data)))

	n2, err := node.Open(dir, "")
	require.NoError(t, err)
	assert.Equal(t, n1.ID(), n2.ID(), "identity survives a restart")
}

func TestOpen_Override(t *testing.T) {
	dir := t.TempDir()
	override := node.MustNewID()

	n, err := node.Open(dir, override)
	require.NoError(t, err)
	assert.Equal(t, override, n.ID().String())
	_, err = os.Stat(filepath.Join(dir, "node_id"))
	assert.True(t, os.IsNotExist(err), "an override is not persisted")

	_, err = node.Open(dir, "not-a-ulid")
	assert.Error(t, err)
}

func TestOpen_Errors(t *testing.T) {
	_, err := node.Open("", "auto")
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_id"), []byte("garbage\n"), 0o640))
	_, err = node.Open(dir, "auto")
	assert.Error(t, err)
}

func TestOpen_CreatesNestedDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	n, err := node.Open(dir, "auto")
	require.NoError(t, err)
	assert.Equal(t, dir, n.DataDir())
	assert.DirExists(t, dir)
}

func TestNewID_UniqueAndOrdered(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := node.MustNewID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		assert.Greater(t, id, prev)
		prev = id
	}
}
