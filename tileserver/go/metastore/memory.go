package metastore

import (
	"context"
	"sync"
	"time"

	"go.lapig.org/tiles/go/now"
)

// MemoryStore implements Store in process memory. It reads the clock through
// now.Now so tests can travel in time; expiry is evaluated lazily on access.
type MemoryStore struct {
	mutex   sync.Mutex
	values  map[string]memEntry
	buckets map[string]*memBucket
	queues  map[string][]string
}

type memEntry struct {
	value   string
	expires time.Time // Zero means no expiry.
}

type memBucket struct {
	tokens float64
	ts     time.Time
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  map[string]memEntry{},
		buckets: map[string]*memBucket{},
		queues:  map[string][]string{},
	}
}

func (s *MemoryStore) live(ctx context.Context, key string) (memEntry, bool) {
	e, ok := s.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expires.IsZero() && !now.Now(ctx).Before(e.expires) {
		delete(s.values, key)
		return memEntry{}, false
	}
	return e, true
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.live(ctx, key)
	return e.value, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = now.Now(ctx).Add(ttl)
	}
	s.values[key] = e
	return nil
}

// SetNX implements Store.
func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.live(ctx, key); ok {
		return false, nil
	}
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = now.Now(ctx).Add(ttl)
	}
	s.values[key] = e
	return true, nil
}

// Del implements Store.
func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, key := range keys {
		delete(s.values, key)
	}
	return nil
}

// TakeTokens implements Store.
func (s *MemoryStore) TakeTokens(ctx context.Context, bucket string, n, ratePerMin, burst int) (bool, time.Duration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ts := now.Now(ctx)
	b, ok := s.buckets[bucket]
	if !ok {
		b = &memBucket{tokens: float64(burst), ts: ts}
		s.buckets[bucket] = b
	}
	refill := ts.Sub(b.ts).Minutes() * float64(ratePerMin)
	b.tokens += refill
	if b.tokens > float64(burst) {
		b.tokens = float64(burst)
	}
	b.ts = ts
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true, 0, nil
	}
	wait := time.Duration((float64(n) - b.tokens) / float64(ratePerMin) * float64(time.Minute))
	return false, wait, nil
}

// Push implements Store.
func (s *MemoryStore) Push(ctx context.Context, queue, value string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.queues[queue] = append(s.queues[queue], value)
	return nil
}

// Pop implements Store.
func (s *MemoryStore) Pop(ctx context.Context, queues ...string) (string, string, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, q := range queues {
		items := s.queues[q]
		if len(items) == 0 {
			continue
		}
		value := items[0]
		s.queues[q] = items[1:]
		return q, value, true, nil
	}
	return "", "", false, nil
}

// QueueLen implements Store.
func (s *MemoryStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return int64(len(s.queues[queue])), nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Assert MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
