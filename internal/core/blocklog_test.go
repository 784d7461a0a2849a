package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockLog_AppendAndSnapshotOrder(t *testing.T) {
	bl := NewBlockLog(3)
	bl.Append("one.example.com", Allow)
	bl.Append("two.example.com", Deny)
	bl.Append("three.example.com", Allow)

	snap := bl.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "one.example.com", snap[0].Name)
	assert.Equal(t, "two.example.com", snap[1].Name)
	assert.Equal(t, "three.example.com", snap[2].Name)
}

func TestBlockLog_NewestWinsOnOverflow(t *testing.T) {
	bl := NewBlockLog(2)
	bl.Append("one", Allow)
	bl.Append("two", Allow)
	bl.Append("three", Deny) // overwrites "one"

	snap := bl.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "two", snap[0].Name)
	assert.Equal(t, "three", snap[1].Name)
}

func TestBlockLog_DefaultCapacity(t *testing.T) {
	bl := NewBlockLog(0)
	assert.Equal(t, DefaultBlockLogCapacity, bl.capacity)
}

func TestBlockLog_SaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklog.yaml")

	bl := NewBlockLog(8)
	bl.SetRunID("run-123")
	bl.Append("blocked.example.com", Deny)
	bl.Append("allowed.example.com", Allow)
	require.NoError(t, bl.Save(path))

	loaded, err := LoadBlockLog(path, 8)
	require.NoError(t, err)
	snap := loaded.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "blocked.example.com", snap[0].Name)
	assert.Equal(t, Deny, snap[0].Disposition)
	assert.Equal(t, "allowed.example.com", snap[1].Name)
}

func TestLoadBlockLog_MissingFileYieldsEmptyRing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")
	bl, err := LoadBlockLog(path, 4)
	require.NoError(t, err)
	assert.Empty(t, bl.Snapshot())
}
