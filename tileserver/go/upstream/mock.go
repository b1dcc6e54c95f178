package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
)

// MockClient implements Client in memory, for tests. By default every build
// succeeds with a synthetic template and every fetch returns deterministic
// bytes derived from the tile address.
type MockClient struct {
	mutex sync.Mutex

	// BuildErr and FetchErr, when set, fail the corresponding call.
	BuildErr error
	FetchErr error

	// BuildDelay makes BuildMosaic sleep, for testing coalescing windows.
	BuildDelay time.Duration

	// TTL is the validity window stamped on built handles.
	TTL time.Duration

	builds  map[string]int
	fetches map[string]int
}

// NewMockClient returns a MockClient with a 24 hour handle TTL.
func NewMockClient() *MockClient {
	return &MockClient{
		TTL:     24 * time.Hour,
		builds:  map[string]int{},
		fetches: map[string]int{},
	}
}

// BuildMosaic implements Client.
func (m *MockClient) BuildMosaic(ctx context.Context, key types.MosaicKey) (types.MosaicHandle, error) {
	if m.BuildDelay > 0 {
		select {
		case <-time.After(m.BuildDelay):
		case <-ctx.Done():
			return types.MosaicHandle{}, ctx.Err()
		}
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.builds[tilekey.MosaicString(key)]++
	if m.BuildErr != nil {
		return types.MosaicHandle{}, m.BuildErr
	}
	return types.MosaicHandle{
		URLTemplate: fmt.Sprintf("https://mock.example/%s/{z}/{x}/{y}", tilekey.MosaicString(key)),
		TTL:         types.Duration(m.TTL),
		State:       types.MosaicReady,
	}, nil
}

// FetchTile implements Client.
func (m *MockClient) FetchTile(ctx context.Context, urlTemplate string, z, x, y int) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	url := fmt.Sprintf("%s|%d/%d/%d", urlTemplate, z, x, y)
	m.fetches[url]++
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	return []byte(fmt.Sprintf("png:%s:%d/%d/%d", urlTemplate, z, x, y)), nil
}

// Builds returns how many times the key was built.
func (m *MockClient) Builds(key types.MosaicKey) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.builds[tilekey.MosaicString(key)]
}

// TotalBuilds returns the number of build calls across all keys.
func (m *MockClient) TotalBuilds() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	total := 0
	for _, n := range m.builds {
		total += n
	}
	return total
}

// TotalFetches returns the number of fetch calls across all tiles.
func (m *MockClient) TotalFetches() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	total := 0
	for _, n := range m.fetches {
		total += n
	}
	return total
}

// Assert MockClient implements Client.
var _ Client = (*MockClient)(nil)
