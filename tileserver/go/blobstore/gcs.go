package blobstore

import (
	"context"
	"io"
	"math"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/go/util"
)

// deleteParallelism bounds concurrent object deletes during a prefix purge.
const deleteParallelism = 16

// GCSStore implements Store on a GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore returns a Store writing to the named bucket.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{
		client: client,
		bucket: bucket,
	}
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, path string, contents []byte) error {
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ObjectAttrs.ContentType = PNGContentType
	if _, err := w.Write(contents); err != nil {
		_ = w.Close()
		return skerr.Wrapf(err, "writing gs://%s/%s", s.bucket, path)
	}
	if err := w.Close(); err != nil {
		return skerr.Wrapf(err, "closing gs://%s/%s", s.bucket, path)
	}
	return nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	r, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, skerr.Wrapf(err, "opening gs://%s/%s", s.bucket, path)
	}
	defer util.Close(r)
	contents, err := io.ReadAll(r)
	if err != nil {
		return nil, false, skerr.Wrapf(err, "reading gs://%s/%s", s.bucket, path)
	}
	return contents, true, nil
}

// Exists implements Store.
func (s *GCSStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(path).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, skerr.Wrapf(err, "statting gs://%s/%s", s.bucket, path)
	}
	return true, nil
}

// DeletePrefix implements Store. Objects are listed serially and deleted in
// parallel; already-gone objects are not an error.
func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(deleteParallelism)
	count := 0
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, skerr.Wrapf(err, "listing gs://%s/%s", s.bucket, prefix)
		}
		count++
		name := attrs.Name
		eg.Go(func() error {
			err := s.client.Bucket(s.bucket).Object(name).Delete(egCtx)
			if err != nil && err != storage.ErrObjectNotExist {
				return skerr.Wrapf(err, "deleting gs://%s/%s", s.bucket, name)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return count, skerr.Wrap(err)
	}
	sklog.Infof("Deleted %d objects under gs://%s/%s", count, s.bucket, prefix)
	return count, nil
}

// coldStorageClass is where tiles move once they fall out of the hot window.
const coldStorageClass = "NEARLINE"

// lifecycleRules builds the bucket rules: tiles transition to cold storage
// after transition and are deleted after ttl. Expiry is a bucket rule rather
// than application logic so that abandoned tiles age out even when no server
// is running.
func lifecycleRules(ttl, transition time.Duration) []storage.LifecycleRule {
	days := func(d time.Duration) int64 {
		return int64(math.Ceil(d.Hours() / 24))
	}
	return []storage.LifecycleRule{
		{
			Action: storage.LifecycleAction{
				Type:         storage.SetStorageClassAction,
				StorageClass: coldStorageClass,
			},
			Condition: storage.LifecycleCondition{AgeInDays: days(transition)},
		},
		{
			Action:    storage.LifecycleAction{Type: storage.DeleteAction},
			Condition: storage.LifecycleCondition{AgeInDays: days(ttl)},
		},
	}
}

// EnsureLifecycle applies the tile retention rules to the bucket.
func (s *GCSStore) EnsureLifecycle(ctx context.Context, ttl, transition time.Duration) error {
	_, err := s.client.Bucket(s.bucket).Update(ctx, storage.BucketAttrsToUpdate{
		Lifecycle: &storage.Lifecycle{
			Rules: lifecycleRules(ttl, transition),
		},
	})
	return skerr.Wrapf(err, "updating lifecycle of bucket %s", s.bucket)
}

// Bucket implements Store.
func (s *GCSStore) Bucket() string {
	return s.bucket
}

// Assert GCSStore implements Store.
var _ Store = (*GCSStore)(nil)
