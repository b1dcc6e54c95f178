package visparams

import (
	"context"
	"sync"
)

// MemoryStore implements Store in process memory, for tests and for running
// without a catalogue database.
type MemoryStore struct {
	mutex    sync.Mutex
	params   []VisParam
	mappings []LandsatMapping
	version  int64
	err      error
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Put adds or replaces recipes and bumps the version.
func (s *MemoryStore) Put(params ...VisParam) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, vp := range params {
		replaced := false
		for i := range s.params {
			if s.params[i].Name == vp.Name {
				s.params[i] = vp
				replaced = true
				break
			}
		}
		if !replaced {
			s.params = append(s.params, vp)
		}
	}
	s.version++
}

// SetMappings replaces the landsat mapping table and bumps the version.
func (s *MemoryStore) SetMappings(mappings []LandsatMapping) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.mappings = mappings
	s.version++
}

// SetError makes every Store method fail, for testing degraded operation.
func (s *MemoryStore) SetError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.err = err
}

// LoadAll implements Store.
func (s *MemoryStore) LoadAll(ctx context.Context) ([]VisParam, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ret := make([]VisParam, 0, len(s.params))
	for _, vp := range s.params {
		if vp.Active {
			ret = append(ret, vp)
		}
	}
	return ret, nil
}

// LoadLandsatMappings implements Store.
func (s *MemoryStore) LoadLandsatMappings(ctx context.Context) ([]LandsatMapping, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.mappings, nil
}

// Version implements Store.
func (s *MemoryStore) Version(ctx context.Context) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.version, nil
}

// Assert MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
