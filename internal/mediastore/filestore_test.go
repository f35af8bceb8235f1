package mediastore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PendingLifecycle(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	handle, err := store.CreatePending("movie.mp4", "video/mp4")
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	size, err := store.Size(handle)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	w, err := store.AppendStream(handle)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err = store.Size(handle)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	// Appends continue from the current end.
	w, err = store.AppendStream(handle)
	require.NoError(t, err)
	_, err = w.Write([]byte("!"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	size, err = store.Size(handle)
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)
}

func TestFileStore_Finalize(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	handle, err := store.CreatePending("movie.mp4", "video/mp4")
	require.NoError(t, err)

	w, err := store.AppendStream(handle)
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	url, err := store.Finalize(handle)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.True(t, strings.HasSuffix(url, "movie.mp4"))

	data, err := os.ReadFile(filepath.Join(dir, "movie.mp4"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	// Finalized entries are no longer pending.
	_, err = store.Size(handle)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFileStore_ListPendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	handle, err := store.CreatePending("movie.mkv", "video/x-matroska")
	require.NoError(t, err)

	// A fresh store over the same directory sees the pending entry.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)

	pending, err := reopened.ListPending()
	require.NoError(t, err)
	assert.Equal(t, []string{handle}, pending)
}

func TestFileStore_DeleteIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	handle, err := store.CreatePending("movie.mp4", "video/mp4")
	require.NoError(t, err)

	require.NoError(t, store.Delete(handle))
	require.NoError(t, store.Delete(handle))

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFileStore_FreeBytes(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	store.SetFreeBytesFunc(func(string) (int64, error) { return 42, nil })

	free, err := store.FreeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(42), free)
}
