package cache

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, maxMB int, ttl time.Duration) *DiskCache {
	t.Helper()
	c, err := NewDiskCache(t.TempDir(), maxMB, ttl)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSetGet(t *testing.T) {
	c := newCache(t, 1, 0)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	require.NoError(t, c.Set("layers/abc/3/4/5", []byte("tile")))
	data, ok := c.Get("layers/abc/3/4/5")
	require.True(t, ok)
	assert.Equal(t, []byte("tile"), data)

	require.NoError(t, c.Set("layers/abc/3/4/5", []byte("newer")))
	data, _ = c.Get("layers/abc/3/4/5")
	assert.Equal(t, []byte("newer"), data)

	entries, size, _ := c.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(5), size)
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDiskCache(dir, 1, 0)
	require.NoError(t, err)
	require.NoError(t, c.Set("cell-7", []byte("pixels")))
	c.Close()

	reopened, err := NewDiskCache(dir, 1, 0)
	require.NoError(t, err)
	defer reopened.Close()

	data, ok := reopened.Get("cell-7")
	require.True(t, ok)
	assert.Equal(t, []byte("pixels"), data)
}

func TestExpiry(t *testing.T) {
	c := newCache(t, 1, time.Nanosecond)
	require.NoError(t, c.Set("k", []byte("v")))
	time.Sleep(time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	entries, _, _ := c.Stats()
	assert.Zero(t, entries)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := newCache(t, 1, 0)
	blob := bytes.Repeat([]byte{1}, 400*1024)

	require.NoError(t, c.Set("old", blob))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Set("mid", blob))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Set("new", blob))

	require.Eventually(t, func() bool {
		entries, _, _ := c.Stats()
		return entries == 2
	}, time.Second, 10*time.Millisecond)

	_, ok := c.Get("old")
	assert.False(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestClear(t *testing.T) {
	c := newCache(t, 1, 0)
	require.NoError(t, c.Set("a", []byte("1")))
	require.NoError(t, c.Clear())

	_, ok := c.Get("a")
	assert.False(t, ok)
}
