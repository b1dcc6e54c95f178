package localcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGet(t *testing.T) {
	c := New(1024)
	_, ok := c.Get("absent")
	require.False(t, ok)

	c.Add("k", []byte("tile-bytes"))
	value, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("tile-bytes"), value)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(10), stats.Bytes)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestAdd_EvictsColdEntriesWhenOverBudget(t *testing.T) {
	c := New(30)
	c.Add("a", make([]byte, 10))
	c.Add("b", make([]byte, 10))
	c.Add("c", make([]byte, 10))

	// Touch "a" so "b" is the coldest.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Add("d", make([]byte, 10))
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, int64(30), stats.Bytes)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestAdd_ReplacingKeySettlesBytes(t *testing.T) {
	c := New(100)
	c.Add("k", make([]byte, 40))
	c.Add("k", make([]byte, 10))
	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(10), stats.Bytes)
}

func TestAdd_OversizedBlobIsNotCached(t *testing.T) {
	c := New(10)
	c.Add("k", make([]byte, 11))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestPurgePrefix(t *testing.T) {
	c := New(1 << 20)
	for x := 0; x < 4; x++ {
		c.Add(fmt.Sprintf("tiles/landsat/WET/2023/x/12/%d/0.png", x), []byte("a"))
		c.Add(fmt.Sprintf("tiles/s2_harmonized/WET/2023/x/12/%d/0.png", x), []byte("b"))
	}
	n := c.PurgePrefix("tiles/landsat/")
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, c.Stats().Entries)
	_, ok := c.Get("tiles/s2_harmonized/WET/2023/x/12/0/0.png")
	assert.True(t, ok)

	c.Clear()
	stats := c.Stats()
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Bytes)
}
