package chunkstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveAndReadChunkRoundtrip(t *testing.T) {
	store := New(t.TempDir())

	lines := []string{"AAAA", "BBBB", "CCCC"}
	path, err := store.SaveChunk("s1", 0, lines)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(store.SessionDir("s1"), "chunk_0000.wav"), path)

	got, err := store.ReadChunk(path)
	require.NoError(t, err)
	require.Equal(t, lines, got)
}

func TestSaveChunkOverwrites(t *testing.T) {
	store := New(t.TempDir())

	_, err := store.SaveChunk("s1", 0, []string{"old"})
	require.NoError(t, err)
	path, err := store.SaveChunk("s1", 0, []string{"new", "data"})
	require.NoError(t, err)

	got, err := store.ReadChunk(path)
	require.NoError(t, err)
	require.Equal(t, []string{"new", "data"}, got)
}

func TestReadChunkDropsEmptyLines(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.EnsureSessionDir("s1")
	require.NoError(t, err)

	path := store.ChunkPath("s1", 1)
	require.NoError(t, os.WriteFile(path, []byte("AAAA\n\nBBBB\n"), 0o644))

	got, err := store.ReadChunk(path)
	require.NoError(t, err)
	require.Equal(t, []string{"AAAA", "BBBB"}, got)
}

func TestDeleteChunkIdempotent(t *testing.T) {
	store := New(t.TempDir())
	path, err := store.SaveChunk("s1", 0, []string{"AAAA"})
	require.NoError(t, err)

	require.NoError(t, store.DeleteChunk(path))
	require.NoError(t, store.DeleteChunk(path))
}

func TestDeleteSessionDirIdempotent(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.SaveChunk("s1", 0, []string{"AAAA"})
	require.NoError(t, err)

	require.NoError(t, store.DeleteSessionDir("s1"))
	require.NoError(t, store.DeleteSessionDir("s1"))
	require.NoDirExists(t, store.SessionDir("s1"))
}

func TestTempBufferReplaceSemantics(t *testing.T) {
	store := New(t.TempDir())

	require.NoError(t, store.SaveTempBuffer("s1", []string{"a", "b", "c", "d"}))
	// Each save replaces the whole file with the current buffer contents;
	// a shorter buffer must not leave stale tail data behind.
	require.NoError(t, store.SaveTempBuffer("s1", []string{"a"}))

	got, err := store.ReadTempBuffer("s1")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, got)
}

func TestReadTempBufferMissingIsNotError(t *testing.T) {
	store := New(t.TempDir())
	got, err := store.ReadTempBuffer("never-written")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeleteTempBufferIdempotent(t *testing.T) {
	store := New(t.TempDir())
	require.NoError(t, store.SaveTempBuffer("s1", []string{"a"}))
	require.NoError(t, store.DeleteTempBuffer("s1"))
	require.NoError(t, store.DeleteTempBuffer("s1"))
}

type fixedProber struct {
	free uint64
}

func (p fixedProber) FreeBytes(string) (uint64, error) {
	return p.free, nil
}

func TestFreeDiskBytesUsesProber(t *testing.T) {
	store := NewWithProber(t.TempDir(), fixedProber{free: 1024})
	free, err := store.FreeDiskBytes()
	require.NoError(t, err)
	require.Equal(t, uint64(1024), free)
}

func TestIsLow(t *testing.T) {
	require.True(t, IsLow(49*1024*1024, 50*1024*1024))
	require.False(t, IsLow(50*1024*1024, 50*1024*1024))
	require.False(t, IsLow(51*1024*1024, 50*1024*1024))
}
