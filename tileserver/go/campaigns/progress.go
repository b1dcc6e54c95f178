package campaigns

import (
	"context"

	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/types"
)

// ProgressUpdater consumes job progress events and folds campaign-scoped ones
// back into the catalogue: it flips the point's cached flag and bumps the
// campaign counters. Events without a campaign id are ignored.
type ProgressUpdater struct {
	store Store

	pointsCached metrics2.Counter
	pointsFailed metrics2.Counter
}

// NewProgressUpdater returns a ProgressUpdater writing through the store.
func NewProgressUpdater(store Store) *ProgressUpdater {
	return &ProgressUpdater{
		store:        store,
		pointsCached: metrics2.GetCounter("tileserver_campaign_points_cached"),
		pointsFailed: metrics2.GetCounter("tileserver_campaign_points_failed"),
	}
}

// Run drains events until the channel closes or the context is cancelled.
// Intended to run in its own goroutine.
func (u *ProgressUpdater) Run(ctx context.Context, events <-chan types.ProgressEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			u.apply(ctx, event)
		}
	}
}

func (u *ProgressUpdater) apply(ctx context.Context, event types.ProgressEvent) {
	if event.CampaignID == "" {
		return
	}
	// The final event of a campaign warm closes out the in-progress flag.
	if event.Finished {
		if event.Kind != types.JobWarmCampaign {
			return
		}
		if err := u.store.FinishCaching(ctx, event.CampaignID, event.Err, event.When); err != nil {
			sklog.Errorf("Finishing campaign %s: %s", event.CampaignID, err)
		}
		return
	}
	if event.PointID == "" {
		return
	}
	cached := event.Failed == 0
	if err := u.store.MarkCached(ctx, event.CampaignID, event.PointID, cached); err != nil {
		sklog.Errorf("Marking point %s of campaign %s: %s", event.PointID, event.CampaignID, err)
	}
	var deltaCached, deltaFailed int64
	if cached {
		deltaCached = 1
		u.pointsCached.Inc(1)
	} else {
		deltaFailed = 1
		u.pointsFailed.Inc(1)
	}
	if err := u.store.UpdateProgress(ctx, event.CampaignID, deltaCached, deltaFailed, event.JobID, event.When); err != nil {
		sklog.Errorf("Updating progress of campaign %s: %s", event.CampaignID, err)
	}
}
