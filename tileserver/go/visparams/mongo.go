package visparams

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"go.lapig.org/tiles/go/skerr"
)

const (
	visParamsCollection = "vis_params"

	// Reserved document ids in the vis_params collection.
	landsatMappingsDocID = "landsat_collections"
	versionDocID         = "catalogue_version"
)

// MongoStore implements Store over the vis_params collection.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore returns a Store reading the named database.
func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{
		coll: client.Database(database).Collection(visParamsCollection),
	}
}

// LoadAll implements Store.
func (s *MongoStore) LoadAll(ctx context.Context) ([]VisParam, error) {
	cursor, err := s.coll.Find(ctx, bson.M{
		"active": bson.M{"$ne": false},
		"_id":    bson.M{"$nin": bson.A{landsatMappingsDocID, versionDocID}},
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "querying %s", visParamsCollection)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()
	var ret []VisParam
	for cursor.Next(ctx) {
		var vp VisParam
		if err := cursor.Decode(&vp); err != nil {
			return nil, skerr.Wrapf(err, "decoding visparam document")
		}
		if vp.Name == "" {
			continue
		}
		vp.Active = true
		ret = append(ret, vp)
	}
	if err := cursor.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ret, nil
}

// LoadLandsatMappings implements Store.
func (s *MongoStore) LoadLandsatMappings(ctx context.Context) ([]LandsatMapping, error) {
	var doc struct {
		Mappings []LandsatMapping `bson:"mappings"`
	}
	err := s.coll.FindOne(ctx, bson.M{"_id": landsatMappingsDocID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "loading landsat mappings")
	}
	return doc.Mappings, nil
}

// Version implements Store. A missing version document reads as zero so a
// catalogue that never bumps it still loads once.
func (s *MongoStore) Version(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.coll.FindOne(ctx, bson.M{"_id": versionDocID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, skerr.Wrapf(err, "loading catalogue version")
	}
	return doc.Value, nil
}

// Assert MongoStore implements Store.
var _ Store = (*MongoStore)(nil)
