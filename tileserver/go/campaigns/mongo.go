package campaigns

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.lapig.org/tiles/go/skerr"
)

const (
	campaignsCollection = "campaigns"
	pointsCollection    = "points"
	progressCollection  = "campaign_progress"
)

// MongoStore implements Store over the campaign database.
type MongoStore struct {
	campaigns *mongo.Collection
	points    *mongo.Collection
	progress  *mongo.Collection
}

// NewMongoStore returns a Store reading the named database.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		campaigns: db.Collection(campaignsCollection),
		points:    db.Collection(pointsCollection),
		progress:  db.Collection(progressCollection),
	}
}

// Campaign implements Store.
func (s *MongoStore) Campaign(ctx context.Context, id string) (Campaign, bool, error) {
	var ret Campaign
	err := s.campaigns.FindOne(ctx, bson.M{"_id": id}).Decode(&ret)
	if err == mongo.ErrNoDocuments {
		return Campaign{}, false, nil
	}
	if err != nil {
		return Campaign{}, false, skerr.Wrapf(err, "loading campaign %s", id)
	}
	return ret, true, nil
}

// Points implements Store.
func (s *MongoStore) Points(ctx context.Context, campaignID string) ([]Point, error) {
	cursor, err := s.points.Find(ctx, bson.M{"campaign_id": campaignID})
	if err != nil {
		return nil, skerr.Wrapf(err, "querying points of campaign %s", campaignID)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()
	var ret []Point
	if err := cursor.All(ctx, &ret); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// Point implements Store.
func (s *MongoStore) Point(ctx context.Context, pointID string) (Point, Campaign, bool, error) {
	var doc struct {
		Point      `bson:",inline"`
		CampaignID string `bson:"campaign_id"`
	}
	err := s.points.FindOne(ctx, bson.M{"_id": pointID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Point{}, Campaign{}, false, nil
	}
	if err != nil {
		return Point{}, Campaign{}, false, skerr.Wrapf(err, "loading point %s", pointID)
	}
	campaign, ok, err := s.Campaign(ctx, doc.CampaignID)
	if err != nil {
		return Point{}, Campaign{}, false, skerr.Wrap(err)
	}
	if !ok {
		return Point{}, Campaign{}, false, skerr.Fmt("point %s references missing campaign %s", pointID, doc.CampaignID)
	}
	return doc.Point, campaign, true, nil
}

// MarkCached implements Store.
func (s *MongoStore) MarkCached(ctx context.Context, campaignID, pointID string, cached bool) error {
	_, err := s.points.UpdateOne(ctx,
		bson.M{"_id": pointID, "campaign_id": campaignID},
		bson.M{"$set": bson.M{"cached": cached}},
	)
	return skerr.Wrapf(err, "marking point %s", pointID)
}

// Progress implements Store.
func (s *MongoStore) Progress(ctx context.Context, campaignID string) (Progress, error) {
	var ret Progress
	err := s.progress.FindOne(ctx, bson.M{"_id": campaignID}).Decode(&ret)
	if err == mongo.ErrNoDocuments {
		total, err := s.points.CountDocuments(ctx, bson.M{"campaign_id": campaignID})
		if err != nil {
			return Progress{}, skerr.Wrap(err)
		}
		return Progress{CampaignID: campaignID, TotalPoints: total}, nil
	}
	if err != nil {
		return Progress{}, skerr.Wrapf(err, "loading progress of campaign %s", campaignID)
	}
	return ret.withPercentage(), nil
}

// StartCaching implements Store. The filter only matches a document not
// currently in progress, so a concurrent claim either misses the filter and
// collides with the existing _id on upsert, or loses the first-writer race.
func (s *MongoStore) StartCaching(ctx context.Context, campaignID, jobID string, when time.Time) (bool, error) {
	total, err := s.points.CountDocuments(ctx, bson.M{"campaign_id": campaignID})
	if err != nil {
		return false, skerr.Wrap(err)
	}
	_, err = s.progress.UpdateOne(ctx,
		bson.M{"_id": campaignID, "caching_in_progress": bson.M{"$ne": true}},
		bson.M{
			"$set": bson.M{
				"caching_in_progress": true,
				"total_points":        total,
				"last_job_id":         jobID,
			},
			"$unset": bson.M{"caching_completed_at": "", "caching_error": ""},
		},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, skerr.Wrapf(err, "claiming campaign %s", campaignID)
	}
	return true, nil
}

// FinishCaching implements Store.
func (s *MongoStore) FinishCaching(ctx context.Context, campaignID, cachingError string, when time.Time) error {
	set := bson.M{
		"caching_in_progress":  false,
		"caching_completed_at": when,
	}
	update := bson.M{"$set": set}
	if cachingError != "" {
		set["caching_error"] = cachingError
	} else {
		update["$unset"] = bson.M{"caching_error": ""}
	}
	_, err := s.progress.UpdateOne(ctx, bson.M{"_id": campaignID}, update, options.Update().SetUpsert(true))
	return skerr.Wrapf(err, "finishing campaign %s", campaignID)
}

// UpdateProgress implements Store.
func (s *MongoStore) UpdateProgress(ctx context.Context, campaignID string, deltaCached, deltaFailed int64, jobID string, when time.Time) error {
	set := bson.M{"last_job_id": jobID}
	if deltaCached > 0 {
		set["last_point_cached_at"] = when
	}
	_, err := s.progress.UpdateOne(ctx,
		bson.M{"_id": campaignID},
		bson.M{
			"$inc": bson.M{"cached_points": deltaCached, "failed_points": deltaFailed},
			"$set": set,
		},
		options.Update().SetUpsert(true),
	)
	return skerr.Wrapf(err, "updating progress of campaign %s", campaignID)
}

// Assert MongoStore implements Store.
var _ Store = (*MongoStore)(nil)
