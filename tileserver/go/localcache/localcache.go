// Package localcache is the in-process tile cache, the fastest tier. It is
// bounded by a byte budget rather than an entry count so that a burst of large
// tiles cannot blow the heap.
package localcache

import (
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"

	"go.lapig.org/tiles/go/metrics2"
)

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache is a byte-bounded LRU of tile blobs. All methods are safe for
// concurrent use.
type Cache struct {
	mutex    sync.Mutex
	lru      *lru.Cache
	sizes    map[string]int
	bytes    int64
	maxBytes int64
	hits     int64
	misses   int64
	evicted  int64

	bytesMetric   metrics2.Int64Metric
	entriesMetric metrics2.Int64Metric
}

// New returns a Cache bounded to maxBytes.
func New(maxBytes int64) *Cache {
	ret := &Cache{
		lru:      &lru.Cache{},
		sizes:    map[string]int{},
		maxBytes: maxBytes,

		bytesMetric:   metrics2.GetInt64Metric("tileserver_localcache_bytes"),
		entriesMetric: metrics2.GetInt64Metric("tileserver_localcache_entries"),
	}
	// OnEvicted fires with the mutex already held by the caller of any
	// mutating lru method.
	ret.lru.OnEvicted = func(key lru.Key, value interface{}) {
		k := key.(string)
		ret.bytes -= int64(ret.sizes[k])
		delete(ret.sizes, k)
		ret.evicted++
	}
	return ret
}

// Add stores the blob under key, evicting from the cold end until the budget
// holds. Blobs larger than the whole budget are not cached.
func (c *Cache) Add(key string, value []byte) {
	if int64(len(value)) > c.maxBytes {
		return
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.sizes[key]; ok {
		// Replacing does not fire OnEvicted, settle the old size here.
		c.bytes -= int64(c.sizes[key])
	}
	c.lru.Add(key, value)
	c.sizes[key] = len(value)
	c.bytes += int64(len(value))
	for c.bytes > c.maxBytes && c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
	c.report()
}

// Get returns the blob stored under key and marks it recently used.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	value, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return value.([]byte), true
}

// Remove drops one key.
func (c *Cache) Remove(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lru.Remove(key)
	c.report()
}

// PurgePrefix drops every key beginning with prefix and returns how many were
// dropped. Invalidation uses this with blob-path prefixes.
func (c *Cache) PurgePrefix(prefix string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	matched := make([]string, 0, len(c.sizes))
	for key := range c.sizes {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		c.lru.Remove(key)
	}
	c.report()
	return len(matched)
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lru.Clear()
	c.report()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return Stats{
		Entries:   c.lru.Len(),
		Bytes:     c.bytes,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evicted,
	}
}

// report pushes gauge values; the caller holds the mutex.
func (c *Cache) report() {
	c.bytesMetric.Update(c.bytes)
	c.entriesMetric.Update(int64(c.lru.Len()))
}
