package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lapig.org/tiles/go/alogin/basicauth"
	"go.lapig.org/tiles/go/roles"
	"go.lapig.org/tiles/tileserver/go/blobstore"
	"go.lapig.org/tiles/tileserver/go/campaigns"
	"go.lapig.org/tiles/tileserver/go/engine"
	"go.lapig.org/tiles/tileserver/go/jobs"
	"go.lapig.org/tiles/tileserver/go/limits"
	"go.lapig.org/tiles/tileserver/go/localcache"
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/mosaic"
	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/upstream"
	"go.lapig.org/tiles/tileserver/go/visparams"
)

type fixture struct {
	router  chi.Router
	jobs    *jobs.Engine
	client  *upstream.MockClient
	catalog *campaigns.MemoryStore
}

func newFixture(t *testing.T, edgeBurst int) *fixture {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	client := upstream.NewMockClient()
	blobs := blobstore.NewMemoryStore()
	registry := visparams.NewRegistry(ctx, visparams.NewMemoryStore())
	eng := engine.New(
		limits.NewEdgeLimiter(store, 6000, edgeBurst),
		registry,
		localcache.New(64<<20),
		blobs,
		mosaic.New(store, client, 24*time.Hour),
		client,
	)
	catalog := campaigns.NewMemoryStore()
	jobEngine := jobs.NewEngine(store, eng, blobs, catalog, 2, []int{12})

	users := campaigns.NewMemoryUserStore()
	users.PutUser(basicauth.User{
		Email:    "admin@example.org",
		Password: "hunter2",
		Roles:    roles.Roles{roles.SuperAdmin},
	})
	users.PutUser(basicauth.User{
		Email:    "viewer@example.org",
		Password: "hunter2",
		Roles:    roles.Roles{roles.Viewer},
	})

	gate := limits.NewGate(25, time.Millisecond)
	front := New(eng, jobEngine, registry, catalog, store, gate, basicauth.New(users), 30*time.Second)
	return &fixture{
		router:  front.Router(),
		jobs:    jobEngine,
		client:  client,
		catalog: catalog,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func tileURL() string {
	return "/api/layers/s2_harmonized/100/100/12?period=WET&year=2023&visparam=tvi-red"
}

func TestTileEndpoint_ServesPNGThenLocalHitThen304(t *testing.T) {
	f := newFixture(t, 100)

	w := f.do(httptest.NewRequest(http.MethodGet, tileURL(), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, blobstore.PNGContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=2592000, immutable", w.Header().Get("Cache-Control"))
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	etag := w.Header().Get("ETag")
	require.Len(t, etag, 34) // 32 hex chars plus quotes.
	assert.NotEmpty(t, w.Body.Bytes())

	w = f.do(httptest.NewRequest(http.MethodGet, tileURL(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "LOCAL", w.Header().Get("X-Cache"))
	assert.Equal(t, etag, w.Header().Get("ETag"))

	req := httptest.NewRequest(http.MethodGet, tileURL(), nil)
	req.Header.Set("If-None-Match", etag)
	w = f.do(req)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.Bytes())
	// The 304 is answered from the key alone.
	assert.Equal(t, 1, f.client.TotalFetches())
}

func TestTileEndpoint_ValidationErrors(t *testing.T) {
	f := newFixture(t, 100)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/layers/s2_harmonized/100/100/5?period=WET&year=2023", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/layers/s2_harmonized/100/100/12?period=WET&year=2023&visparam=nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "nope")

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/layers/s2_harmonized/100/100/12?period=WET", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, 0, f.client.TotalFetches())
}

func TestTileEndpoint_ThrottledCarriesRetryAfter(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		w := f.do(httptest.NewRequest(http.MethodGet, tileURL(), nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := f.do(httptest.NewRequest(http.MethodGet, tileURL(), nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func adminReq(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.SetBasicAuth("admin@example.org", "hunter2")
	return req
}

func TestControlPlane_RequiresSuperAdmin(t *testing.T) {
	f := newFixture(t, 100)

	w := f.do(httptest.NewRequest(http.MethodGet, "/cache/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	req.SetBasicAuth("viewer@example.org", "hunter2")
	w = f.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	req.SetBasicAuth("admin@example.org", "wrong")
	w = f.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(adminReq(http.MethodGet, "/cache/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats cacheStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.True(t, stats.MetastoreOK)
	assert.Equal(t, "closed", stats.Breaker)
}

func TestControlPlane_ClearRequiresConfirmForWholeLayer(t *testing.T) {
	f := newFixture(t, 100)

	w := f.do(adminReq(http.MethodDelete, "/cache/clear?layer=s2_harmonized", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(adminReq(http.MethodDelete, "/cache/clear?layer=s2_harmonized&confirm=true", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Narrowed to one year no confirmation is needed.
	w = f.do(adminReq(http.MethodDelete, "/cache/clear?layer=s2_harmonized&year=2023", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = f.do(adminReq(http.MethodDelete, "/cache/clear?layer=modis&confirm=true", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControlPlane_CampaignLifecycle(t *testing.T) {
	f := newFixture(t, 100)
	f.catalog.PutCampaign(campaigns.Campaign{
		ID:        "c1",
		Name:      "ground truth",
		Layers:    []types.Layer{types.LayerS2Harmonized},
		Years:     []int{2023},
		Zooms:     []int{12},
		Periods:   []types.Period{types.PeriodWet},
		VisParams: []string{"tvi-red"},
	}, []campaigns.Point{{ID: "p1", Lat: -9.41, Lon: -40.5}})

	updater := campaigns.NewProgressUpdater(f.catalog)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go updater.Run(ctx, f.jobs.Events())

	w := f.do(adminReq(http.MethodPost, "/cache/campaign/start", []byte(`{"campaign_id": "c1"}`)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var record types.JobRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	require.NotEmpty(t, record.ID)

	w = f.do(adminReq(http.MethodPost, "/cache/campaign/start", []byte(`{"campaign_id": "nope"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The claim is visible before any worker runs, and holds off a second
	// start.
	w = f.do(adminReq(http.MethodGet, "/cache/campaign/c1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var claimed campaigns.Progress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claimed))
	assert.True(t, claimed.CachingInProgress)
	assert.Equal(t, record.ID, claimed.LastJobID)
	w = f.do(adminReq(http.MethodPost, "/cache/campaign/start", []byte(`{"campaign_id": "c1"}`)))
	assert.Equal(t, http.StatusConflict, w.Code)

	f.jobs.Start(ctx)
	defer f.jobs.Stop()

	require.Eventually(t, func() bool {
		w := f.do(adminReq(http.MethodGet, "/tasks/"+record.ID, nil))
		if w.Code != http.StatusOK {
			return false
		}
		var got types.JobRecord
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.State == types.JobSuccess
	}, 10*time.Second, 10*time.Millisecond)

	var progress campaigns.Progress
	require.Eventually(t, func() bool {
		w := f.do(adminReq(http.MethodGet, "/cache/campaign/c1/status", nil))
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &progress); err != nil {
			return false
		}
		return progress.CachedPoints == 1 && progress.TotalPoints == 1 && !progress.CachingInProgress
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, 100.0, progress.CachePercentage)
	assert.NotNil(t, progress.LastPointCachedAt)
	require.NotNil(t, progress.CachingCompletedAt)
	assert.Empty(t, progress.CachingError)

	// With the warm finished, a new start is accepted again.
	w = f.do(adminReq(http.MethodPost, "/cache/campaign/start", []byte(`{"campaign_id": "c1"}`)))
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(adminReq(http.MethodGet, "/cache/point/p1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status pointStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "c1", status.CampaignID)
	assert.True(t, status.Point.Cached)
}

func TestControlPlane_WarmupAndPurge(t *testing.T) {
	f := newFixture(t, 100)

	body := []byte(`{
		"layer": "s2_harmonized",
		"region": {"west": -40.6, "south": -9.5, "east": -40.3, "north": -9.3},
		"zooms": [10],
		"years": [2023],
		"visparams": ["tvi-red"],
		"max_tiles": 4
	}`)
	w := f.do(adminReq(http.MethodPost, "/cache/warmup", body))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// Warm-region jobs land on the low queue.
	w = f.do(adminReq(http.MethodPost, "/tasks/purge?queue=low", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var purged map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &purged))
	assert.Equal(t, 1, purged["purged"])

	w = f.do(adminReq(http.MethodPost, "/tasks/purge?queue=dlq", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(adminReq(http.MethodPost, "/cache/warmup", []byte(`{"layer": "s2_harmonized"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTileEndpoint_MonthPeriod(t *testing.T) {
	f := newFixture(t, 100)

	target := fmt.Sprintf("/api/layers/%s/100/100/12?period=MONTH&year=2023&month=7&visparam=tvi-red", types.LayerS2Harmonized)
	w := f.do(httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// month without MONTH is rejected.
	w = f.do(httptest.NewRequest(http.MethodGet, "/api/layers/s2_harmonized/100/100/12?period=WET&year=2023&month=7&visparam=tvi-red", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
