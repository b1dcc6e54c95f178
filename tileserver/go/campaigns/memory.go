package campaigns

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mutex     sync.Mutex
	campaigns map[string]Campaign
	points    map[string][]Point // keyed by campaign id, insertion order.
	progress  map[string]Progress
	err       error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[string]Campaign{},
		points:    map[string][]Point{},
		progress:  map[string]Progress{},
	}
}

// PutCampaign adds or replaces a campaign and its points.
func (s *MemoryStore) PutCampaign(campaign Campaign, points []Point) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.campaigns[campaign.ID] = campaign
	s.points[campaign.ID] = append([]Point{}, points...)
}

// SetError makes every method fail with err, for degraded-path tests.
func (s *MemoryStore) SetError(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.err = err
}

// Campaign implements Store.
func (s *MemoryStore) Campaign(ctx context.Context, id string) (Campaign, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return Campaign{}, false, s.err
	}
	campaign, ok := s.campaigns[id]
	return campaign, ok, nil
}

// Points implements Store.
func (s *MemoryStore) Points(ctx context.Context, campaignID string) ([]Point, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]Point{}, s.points[campaignID]...), nil
}

// Point implements Store.
func (s *MemoryStore) Point(ctx context.Context, pointID string) (Point, Campaign, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return Point{}, Campaign{}, false, s.err
	}
	for campaignID, points := range s.points {
		for _, point := range points {
			if point.ID == pointID {
				return point, s.campaigns[campaignID], true, nil
			}
		}
	}
	return Point{}, Campaign{}, false, nil
}

// MarkCached implements Store.
func (s *MemoryStore) MarkCached(ctx context.Context, campaignID, pointID string, cached bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	points := s.points[campaignID]
	for i := range points {
		if points[i].ID == pointID {
			points[i].Cached = cached
		}
	}
	return nil
}

// Progress implements Store.
func (s *MemoryStore) Progress(ctx context.Context, campaignID string) (Progress, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return Progress{}, s.err
	}
	progress, ok := s.progress[campaignID]
	if !ok {
		progress = Progress{CampaignID: campaignID}
	}
	progress.TotalPoints = int64(len(s.points[campaignID]))
	return progress.withPercentage(), nil
}

// StartCaching implements Store.
func (s *MemoryStore) StartCaching(ctx context.Context, campaignID, jobID string, when time.Time) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return false, s.err
	}
	progress := s.progress[campaignID]
	if progress.CachingInProgress {
		return false, nil
	}
	progress.CampaignID = campaignID
	progress.CachingInProgress = true
	progress.CachingCompletedAt = nil
	progress.CachingError = ""
	progress.LastJobID = jobID
	s.progress[campaignID] = progress
	return true, nil
}

// FinishCaching implements Store.
func (s *MemoryStore) FinishCaching(ctx context.Context, campaignID, cachingError string, when time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	progress := s.progress[campaignID]
	progress.CampaignID = campaignID
	progress.CachingInProgress = false
	completed := when
	progress.CachingCompletedAt = &completed
	progress.CachingError = cachingError
	s.progress[campaignID] = progress
	return nil
}

// UpdateProgress implements Store.
func (s *MemoryStore) UpdateProgress(ctx context.Context, campaignID string, deltaCached, deltaFailed int64, jobID string, when time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return s.err
	}
	progress := s.progress[campaignID]
	progress.CampaignID = campaignID
	progress.CachedPoints += deltaCached
	progress.FailedPoints += deltaFailed
	progress.LastJobID = jobID
	if deltaCached > 0 {
		cached := when
		progress.LastPointCachedAt = &cached
	}
	s.progress[campaignID] = progress
	return nil
}

// Assert MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
