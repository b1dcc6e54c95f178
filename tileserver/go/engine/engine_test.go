package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/tileserver/go/blobstore"
	"go.lapig.org/tiles/tileserver/go/limits"
	"go.lapig.org/tiles/tileserver/go/localcache"
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/mosaic"
	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/upstream"
	"go.lapig.org/tiles/tileserver/go/visparams"
)

type fixture struct {
	engine *Engine
	client *upstream.MockClient
	blobs  *blobstore.MemoryStore
	ctx    *now.TimeTravelCtx
}

func newFixture(t *testing.T) *fixture {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	registry := visparams.NewRegistry(ctx, visparams.NewMemoryStore())
	store := metastore.NewMemoryStore()
	client := upstream.NewMockClient()
	blobs := blobstore.NewMemoryStore()
	eng := New(
		limits.NewEdgeLimiter(store, 6000, 100),
		registry,
		localcache.New(64<<20),
		blobs,
		mosaic.New(store, client, 24*time.Hour),
		client,
	)
	return &fixture{engine: eng, client: client, blobs: blobs, ctx: ctx}
}

func tileReq() types.TileRequest {
	return types.TileRequest{
		Layer:    types.LayerS2Harmonized,
		Z:        12,
		X:        100,
		Y:        100,
		Period:   types.PeriodWet,
		Year:     2023,
		VisParam: "tvi-red",
	}
}

func TestGetTile_ColdMissThenLocalHit(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.GetTile(f.ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	assert.Equal(t, types.CacheMiss, res.Source)
	assert.NotEmpty(t, res.Bytes)
	assert.Len(t, res.ETag, 32)
	assert.Equal(t, 1, f.client.TotalBuilds())
	assert.Equal(t, 1, f.client.TotalFetches())

	// The write-back lands in the blob store.
	f.engine.Drain()
	key, err := tilekey.Canonicalize(tileReq(), alwaysCompatible{}, 2026)
	require.NoError(t, err)
	stored, ok, err := f.blobs.Get(f.ctx, tilekey.BlobPath(key))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Bytes, stored)

	// Second request is a local hit with identical bytes and ETag.
	again, err := f.engine.GetTile(f.ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	assert.Equal(t, types.CacheLocal, again.Source)
	assert.Equal(t, res.Bytes, again.Bytes)
	assert.Equal(t, res.ETag, again.ETag)
	assert.Equal(t, 1, f.client.TotalFetches())
}

// alwaysCompatible satisfies tilekey.Registry for key construction in tests.
type alwaysCompatible struct{}

func (alwaysCompatible) Exists(string) bool                    { return true }
func (alwaysCompatible) IsCompatible(types.Layer, string) bool { return true }

func TestGetTile_BlobHitPopulatesLocalCache(t *testing.T) {
	f := newFixture(t)
	key, err := tilekey.Canonicalize(tileReq(), alwaysCompatible{}, 2026)
	require.NoError(t, err)
	require.NoError(t, f.blobs.Put(f.ctx, tilekey.BlobPath(key), []byte("durable-png")))

	res, err := f.engine.GetTile(f.ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	assert.Equal(t, types.CacheHit, res.Source)
	assert.Equal(t, []byte("durable-png"), res.Bytes)
	assert.Equal(t, 0, f.client.TotalFetches())

	res, err = f.engine.GetTile(f.ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	assert.Equal(t, types.CacheLocal, res.Source)
}

func TestGetTile_ConcurrentRequestsCoalesceToOneFetch(t *testing.T) {
	f := newFixture(t)
	f.client.BuildDelay = 30 * time.Millisecond

	const n = 16
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.engine.GetTile(f.ctx, "1.2.3.4", tileReq())
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Bytes, results[i].Bytes)
	}
	assert.Equal(t, 1, f.client.TotalBuilds())
	assert.Equal(t, 1, f.client.TotalFetches())
}

func TestGetTile_ValidationFailuresNeverReachUpstream(t *testing.T) {
	f := newFixture(t)

	bad := tileReq()
	bad.Z = 5
	_, err := f.engine.GetTile(f.ctx, "1.2.3.4", bad)
	require.Error(t, err)
	assert.Equal(t, types.BadRequest, types.KindOf(err))

	unknown := tileReq()
	unknown.VisParam = "nope"
	_, err = f.engine.GetTile(f.ctx, "1.2.3.4", unknown)
	require.Error(t, err)
	assert.Equal(t, types.NotFound, types.KindOf(err))

	assert.Equal(t, 0, f.client.TotalBuilds())
	assert.Equal(t, 0, f.client.TotalFetches())
}

func TestGetTile_EdgeLimiterThrottles(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	registry := visparams.NewRegistry(ctx, visparams.NewMemoryStore())
	store := metastore.NewMemoryStore()
	client := upstream.NewMockClient()
	eng := New(
		limits.NewEdgeLimiter(store, 60, 2),
		registry,
		localcache.New(64<<20),
		blobstore.NewMemoryStore(),
		mosaic.New(store, client, 24*time.Hour),
		client,
	)

	_, err := eng.GetTile(ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	_, err = eng.GetTile(ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	_, err = eng.GetTile(ctx, "1.2.3.4", tileReq())
	require.Error(t, err)
	assert.Equal(t, types.Throttled, types.KindOf(err))
}

// flakyClient fails FetchTile with a transient error a set number of times.
type flakyClient struct {
	*upstream.MockClient
	failures int32
}

func (c *flakyClient) FetchTile(ctx context.Context, urlTemplate string, z, x, y int) ([]byte, error) {
	if atomic.AddInt32(&c.failures, -1) >= 0 {
		return nil, types.Errf(types.UpstreamTransient, "fetching tile: upstream returned 503")
	}
	return c.MockClient.FetchTile(ctx, urlTemplate, z, x, y)
}

func TestGetTile_TransientFetchFailuresAreRetried(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	registry := visparams.NewRegistry(ctx, visparams.NewMemoryStore())
	store := metastore.NewMemoryStore()
	mock := upstream.NewMockClient()
	flaky := &flakyClient{MockClient: mock, failures: 2}
	eng := New(
		limits.NewEdgeLimiter(store, 6000, 100),
		registry,
		localcache.New(64<<20),
		blobstore.NewMemoryStore(),
		mosaic.New(store, mock, 24*time.Hour),
		flaky,
	)

	res, err := eng.GetTile(ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	assert.Equal(t, types.CacheMiss, res.Source)

	// Three transient failures exhaust the retry budget.
	flaky.failures = 3
	bad := tileReq()
	bad.X = 42
	_, err = eng.GetTile(ctx, "1.2.3.4", bad)
	require.Error(t, err)
	assert.Equal(t, types.UpstreamTransient, types.KindOf(err))
}

func TestGetTile_PermanentFetchFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.client.FetchErr = types.Errf(types.UpstreamPermanent, "fetching tile: upstream returned 404")

	_, err := f.engine.GetTile(f.ctx, "1.2.3.4", tileReq())
	require.Error(t, err)
	assert.Equal(t, types.UpstreamPermanent, types.KindOf(err))
	assert.Equal(t, 1, f.client.TotalFetches())
}

func TestGetTile_QuotaAfterRetriesSurfacesAsThrottled(t *testing.T) {
	f := newFixture(t)
	f.client.FetchErr = types.WrapErr(types.UpstreamTransient, upstream.ErrQuota, "fetching tile")

	_, err := f.engine.GetTile(f.ctx, "1.2.3.4", tileReq())
	require.Error(t, err)
	assert.Equal(t, types.Throttled, types.KindOf(err))
	assert.Greater(t, types.RetryAfterOf(err), time.Duration(0))
}

// erroringBlobStore models a blob-store outage.
type erroringBlobStore struct {
	*blobstore.MemoryStore
}

func (s *erroringBlobStore) Get(ctx context.Context, path string) ([]byte, bool, error) {
	return nil, false, types.Errf(types.Internal, "gcs unavailable")
}

func TestGetTile_BlobStoreOutageDegradesToUpstreamOnly(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	registry := visparams.NewRegistry(ctx, visparams.NewMemoryStore())
	store := metastore.NewMemoryStore()
	client := upstream.NewMockClient()
	blobs := &erroringBlobStore{blobstore.NewMemoryStore()}
	eng := New(
		limits.NewEdgeLimiter(store, 6000, 100),
		registry,
		localcache.New(64<<20),
		blobs,
		mosaic.New(store, client, 24*time.Hour),
		client,
	)

	res, err := eng.GetTile(ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	assert.Equal(t, types.CacheMiss, res.Source)

	// No write-back was attempted against the broken store.
	eng.Drain()
	assert.Equal(t, 0, blobs.Len())
}

func TestWarm_SecondRunCostsNoUpstreamBudget(t *testing.T) {
	f := newFixture(t)
	key, err := tilekey.Canonicalize(tileReq(), alwaysCompatible{}, 2026)
	require.NoError(t, err)

	require.NoError(t, f.engine.Warm(f.ctx, key))
	f.engine.Drain()
	require.Equal(t, 1, f.client.TotalFetches())

	// Clear the local tier; the durable tier still satisfies the re-warm.
	f.engine.PurgeLocal("tiles/")
	require.NoError(t, f.engine.Warm(f.ctx, key))
	assert.Equal(t, 1, f.client.TotalFetches())
	assert.Equal(t, 1, f.client.TotalBuilds())
}

func TestGetTileForKey_ServesPrebuiltKeyThroughAllTiers(t *testing.T) {
	f := newFixture(t)
	key, err := tilekey.Canonicalize(tileReq(), alwaysCompatible{}, 2026)
	require.NoError(t, err)

	res, err := f.engine.GetTileForKey(f.ctx, "1.2.3.4", key)
	require.NoError(t, err)
	assert.Equal(t, types.CacheMiss, res.Source)
	assert.Equal(t, ETag(key), res.ETag)
	assert.Equal(t, 1, f.client.TotalFetches())

	// Both entry points address the same tile, so the request form now hits
	// the local cache.
	res, err = f.engine.GetTile(f.ctx, "1.2.3.4", tileReq())
	require.NoError(t, err)
	assert.Equal(t, types.CacheLocal, res.Source)
	assert.Equal(t, 1, f.client.TotalFetches())
}

func TestGetTileForKey_EdgeLimiterStillAdmits(t *testing.T) {
	ctx := now.TimeTravelingContext(time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC))
	registry := visparams.NewRegistry(ctx, visparams.NewMemoryStore())
	store := metastore.NewMemoryStore()
	client := upstream.NewMockClient()
	eng := New(
		limits.NewEdgeLimiter(store, 60, 2),
		registry,
		localcache.New(64<<20),
		blobstore.NewMemoryStore(),
		mosaic.New(store, client, 24*time.Hour),
		client,
	)
	key, err := tilekey.Canonicalize(tileReq(), alwaysCompatible{}, 2026)
	require.NoError(t, err)

	_, err = eng.GetTileForKey(ctx, "1.2.3.4", key)
	require.NoError(t, err)
	_, err = eng.GetTileForKey(ctx, "1.2.3.4", key)
	require.NoError(t, err)
	_, err = eng.GetTileForKey(ctx, "1.2.3.4", key)
	require.Error(t, err)
	assert.Equal(t, types.Throttled, types.KindOf(err))
}
