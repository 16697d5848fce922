package cache_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wit-deps/wdm/internal/cache"
	"github.com/wit-deps/wdm/internal/digest"
)

func TestPutThenGet_RoundTrips(t *testing.T) {
	t.Parallel()
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("hello wit world")
	pair, err := c.Put(data)
	require.NoError(t, err)
	assert.Equal(t, digest.Of(data).SHA256, pair.SHA256)

	got, ok, err := c.Get(pair.SHA256)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestGet_MissReturnsFalse(t *testing.T) {
	t.Parallel()
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)

	_, ok, err := c.Get("deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_CorruptedEntryIsDiscardedAsMiss(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	c, err := cache.Open(dir)
	require.NoError(t, err)

	pair, err := c.Put([]byte("original"))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, pair.SHA256), []byte("tampered"), 0o644))

	_, ok, err := c.Get(pair.SHA256)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutStream_HashesAndStores(t *testing.T) {
	t.Parallel()
	c, err := cache.Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("streamed content")
	got, pair, err := c.PutStream(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	cached, ok, err := c.Get(pair.SHA256)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, cached)
}
