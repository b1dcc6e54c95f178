// Package campaigns reads the externally managed campaign/point catalogue
// and keeps its per-campaign warming progress counters up to date.
package campaigns

import (
	"context"
	"time"

	"go.lapig.org/tiles/tileserver/go/types"
)

// Point is one campaign sampling location.
type Point struct {
	ID     string  `bson:"_id" json:"id"`
	Lat    float64 `bson:"lat" json:"lat"`
	Lon    float64 `bson:"lon" json:"lon"`
	Cached bool    `bson:"cached" json:"cached"`
}

// Campaign is one externally managed point collection plus the warming
// parameters its tiles are rendered with.
type Campaign struct {
	ID        string         `bson:"_id" json:"id"`
	Name      string         `bson:"name" json:"name"`
	Layers    []types.Layer  `bson:"layers" json:"layers"`
	Years     []int          `bson:"years" json:"years"`
	Zooms     []int          `bson:"zooms" json:"zooms"`
	Periods   []types.Period `bson:"periods" json:"periods"`
	VisParams []string       `bson:"vis_params" json:"vis_params"`
}

// Progress is the warming state of one campaign. CachingInProgress is set
// when a warm is claimed and cleared exactly once when its job finishes;
// CachePercentage is derived from the counters at read time.
type Progress struct {
	CampaignID         string     `bson:"_id" json:"campaign_id"`
	TotalPoints        int64      `bson:"total_points" json:"total_points"`
	CachedPoints       int64      `bson:"cached_points" json:"cached_points"`
	FailedPoints       int64      `bson:"failed_points" json:"failed_points"`
	CachePercentage    float64    `bson:"-" json:"cache_percentage"`
	CachingInProgress  bool       `bson:"caching_in_progress" json:"caching_in_progress"`
	LastPointCachedAt  *time.Time `bson:"last_point_cached_at,omitempty" json:"last_point_cached_at,omitempty"`
	CachingCompletedAt *time.Time `bson:"caching_completed_at,omitempty" json:"caching_completed_at,omitempty"`
	CachingError       string     `bson:"caching_error,omitempty" json:"caching_error,omitempty"`
	LastJobID          string     `bson:"last_job_id" json:"last_job_id"`
}

// withPercentage fills the derived percentage field. Counters are cumulative
// across forced re-warms, so the percentage is capped at 100.
func (p Progress) withPercentage() Progress {
	if p.TotalPoints > 0 {
		p.CachePercentage = float64(p.CachedPoints) / float64(p.TotalPoints) * 100
		if p.CachePercentage > 100 {
			p.CachePercentage = 100
		}
	}
	return p
}

// Store is the campaign catalogue backend.
type Store interface {
	// Campaign returns the campaign, or false if it does not exist.
	Campaign(ctx context.Context, id string) (Campaign, bool, error)

	// Points returns every point of the campaign.
	Points(ctx context.Context, campaignID string) ([]Point, error)

	// Point returns one point by id, searching all campaigns, along with the
	// campaign it belongs to.
	Point(ctx context.Context, pointID string) (Point, Campaign, bool, error)

	// MarkCached flips the point's cached flag.
	MarkCached(ctx context.Context, campaignID, pointID string, cached bool) error

	// Progress returns the campaign's warming progress.
	Progress(ctx context.Context, campaignID string) (Progress, error)

	// StartCaching claims the campaign for one warm, refusing while another
	// is still in progress. Returns true if this call claimed it.
	StartCaching(ctx context.Context, campaignID, jobID string, when time.Time) (bool, error)

	// FinishCaching clears the in-progress flag and records the outcome. An
	// empty cachingError means the warm succeeded.
	FinishCaching(ctx context.Context, campaignID, cachingError string, when time.Time) error

	// UpdateProgress atomically adjusts the progress counters, stamping the
	// last-cached time when a point was cached.
	UpdateProgress(ctx context.Context, campaignID string, deltaCached, deltaFailed int64, jobID string, when time.Time) error
}
