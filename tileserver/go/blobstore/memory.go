package blobstore

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore implements Store in process memory, for tests.
type MemoryStore struct {
	mutex   sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: map[string][]byte{},
	}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, path string, contents []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cp := make([]byte, len(contents))
	copy(cp, contents)
	s.objects[path] = cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	contents, ok := s.objects[path]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(contents))
	copy(cp, contents)
	return cp, true, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.objects[path]
	return ok, nil
}

// DeletePrefix implements Store.
func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	count := 0
	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			delete(s.objects, path)
			count++
		}
	}
	return count, nil
}

// Bucket implements Store.
func (s *MemoryStore) Bucket() string {
	return "memory"
}

// Len returns the number of stored objects, for tests.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.objects)
}

// Assert MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
