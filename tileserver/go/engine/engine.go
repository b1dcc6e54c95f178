// Package engine is the tile hot path: admit, validate, then fall through
// local cache, blob store and upstream, coalescing concurrent work per tile.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/blobstore"
	"go.lapig.org/tiles/tileserver/go/limits"
	"go.lapig.org/tiles/tileserver/go/localcache"
	"go.lapig.org/tiles/tileserver/go/mosaic"
	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/upstream"
)

// Transient upstream failures are retried twice, sleeping these intervals
// before the second and third attempt.
var fetchRetryBackoff = []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}

// Result is one served tile.
type Result struct {
	Bytes  []byte
	Source types.CacheSource
	ETag   string
}

// Engine serves tiles. All methods are safe for concurrent use.
type Engine struct {
	limiter  *limits.EdgeLimiter
	registry tilekey.Registry
	local    *localcache.Cache
	blobs    blobstore.Store
	mosaics  *mosaic.Cache
	client   upstream.Client

	mutex   sync.Mutex
	flights map[string]*flight

	writebacks sync.WaitGroup

	servedLocal  metrics2.Counter
	servedBlob   metrics2.Counter
	servedMiss   metrics2.Counter
	blobDegraded metrics2.Counter
}

// flight is one in-progress tile fetch shared by every concurrent request for
// the same TileKey in this process. The fetch keeps running while at least
// one waiter remains; the last waiter to leave cancels it.
type flight struct {
	done    chan struct{}
	bytes   []byte
	err     error
	waiters int
	cancel  context.CancelFunc
}

// New returns an Engine. The client must already be gated (see
// limits.NewGatedClient); the engine adds retries, not admission control.
func New(limiter *limits.EdgeLimiter, registry tilekey.Registry, local *localcache.Cache, blobs blobstore.Store, mosaics *mosaic.Cache, client upstream.Client) *Engine {
	return &Engine{
		limiter:  limiter,
		registry: registry,
		local:    local,
		blobs:    blobs,
		mosaics:  mosaics,
		client:   client,
		flights:  map[string]*flight{},

		servedLocal:  metrics2.GetCounter("tileserver_engine_served", map[string]string{"source": "local"}),
		servedBlob:   metrics2.GetCounter("tileserver_engine_served", map[string]string{"source": "blob"}),
		servedMiss:   metrics2.GetCounter("tileserver_engine_served", map[string]string{"source": "miss"}),
		blobDegraded: metrics2.GetCounter("tileserver_engine_blob_degraded"),
	}
}

// ETag returns the strong ETag for a tile key.
func ETag(key types.TileKey) string {
	sum := sha256.Sum256([]byte(tilekey.TileString(key)))
	return hex.EncodeToString(sum[:16])
}

// GetTile serves one tile for the identity. An empty identity bypasses the
// edge limiter; the job engine uses that for warming, which is budgeted by
// the upstream gate instead.
func (e *Engine) GetTile(ctx context.Context, identity string, req types.TileRequest) (Result, error) {
	if identity != "" {
		if err := e.limiter.Allow(ctx, identity); err != nil {
			return Result{}, err
		}
	}
	key, err := tilekey.Canonicalize(req, e.registry, now.Now(ctx).Year())
	if err != nil {
		return Result{}, err
	}
	return e.getByKey(ctx, key)
}

// GetTileForKey is GetTile for a caller that already canonicalised the
// request, e.g. to answer If-None-Match before touching any tier. The edge
// limiter still admits the request first.
func (e *Engine) GetTileForKey(ctx context.Context, identity string, key types.TileKey) (Result, error) {
	if identity != "" {
		if err := e.limiter.Allow(ctx, identity); err != nil {
			return Result{}, err
		}
	}
	return e.getByKey(ctx, key)
}

// Warm fetches one already-canonicalised tile, populating the caches. Tiles
// already durable cost no upstream budget.
func (e *Engine) Warm(ctx context.Context, key types.TileKey) error {
	_, err := e.getByKey(ctx, key)
	return err
}

func (e *Engine) getByKey(ctx context.Context, key types.TileKey) (Result, error) {
	path := tilekey.BlobPath(key)
	etag := ETag(key)

	if contents, ok := e.local.Get(path); ok {
		e.servedLocal.Inc(1)
		return Result{Bytes: contents, Source: types.CacheLocal, ETag: etag}, nil
	}

	contents, ok, err := e.blobs.Get(ctx, path)
	if err != nil {
		// Durable tier down: serve from upstream, skip the write-back.
		e.blobDegraded.Inc(1)
		sklog.Warningf("Blob store unavailable for %s, serving from upstream: %s", path, err)
		contents, err := e.fetchCoalesced(ctx, key, path, false)
		if err != nil {
			return Result{}, err
		}
		e.servedMiss.Inc(1)
		return Result{Bytes: contents, Source: types.CacheMiss, ETag: etag}, nil
	}
	if ok {
		e.local.Add(path, contents)
		e.servedBlob.Inc(1)
		return Result{Bytes: contents, Source: types.CacheHit, ETag: etag}, nil
	}

	contents, err = e.fetchCoalesced(ctx, key, path, true)
	if err != nil {
		return Result{}, err
	}
	e.servedMiss.Inc(1)
	return Result{Bytes: contents, Source: types.CacheMiss, ETag: etag}, nil
}

// fetchCoalesced joins or starts the per-TileKey flight.
func (e *Engine) fetchCoalesced(ctx context.Context, key types.TileKey, path string, writeBack bool) ([]byte, error) {
	name := tilekey.TileString(key)

	e.mutex.Lock()
	f, ok := e.flights[name]
	if !ok {
		// Detach the fetch from this request's cancellation: a waiter
		// leaving must not abort work other waiters rely on, and a completed
		// fetch is cached even if every client went away. The last waiter
		// leaving cancels it instead.
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{
			done:   make(chan struct{}),
			cancel: cancel,
		}
		e.flights[name] = f
		go e.runFlight(fctx, f, key, path, name, writeBack)
	}
	f.waiters++
	e.mutex.Unlock()

	select {
	case <-f.done:
		e.leaveFlight(name, f)
		return f.bytes, f.err
	case <-ctx.Done():
		e.leaveFlight(name, f)
		return nil, skerr.Wrap(ctx.Err())
	}
}

// leaveFlight drops one waiter; the last one out cancels an unfinished fetch.
func (e *Engine) leaveFlight(name string, f *flight) {
	e.mutex.Lock()
	f.waiters--
	if f.waiters == 0 {
		select {
		case <-f.done:
		default:
			f.cancel()
		}
	}
	e.mutex.Unlock()
}

// runFlight resolves the mosaic template and fetches the tile, retrying
// transient failures, then publishes the result and finishes the flight.
func (e *Engine) runFlight(ctx context.Context, f *flight, key types.TileKey, path, name string, writeBack bool) {
	defer f.cancel()
	contents, err := e.fetch(ctx, key)
	if err == nil {
		e.local.Add(path, contents)
		if writeBack {
			e.writebacks.Add(1)
			go func() {
				defer e.writebacks.Done()
				// Not the request context: the response must not wait on
				// durable storage.
				wbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				defer cancel()
				if err := e.blobs.Put(wbCtx, path, contents); err != nil {
					e.blobDegraded.Inc(1)
					sklog.Errorf("Writing back %s: %s", path, err)
				}
			}()
		}
	}

	e.mutex.Lock()
	f.bytes = contents
	f.err = err
	close(f.done)
	delete(e.flights, name)
	e.mutex.Unlock()
}

// fetch resolves the template and pulls the PNG, retrying transient upstream
// failures.
func (e *Engine) fetch(ctx context.Context, key types.TileKey) ([]byte, error) {
	handle, err := e.mosaics.GetTemplate(ctx, key.MosaicKey)
	if err != nil {
		return nil, err
	}

	var contents []byte
	for attempt := 0; ; attempt++ {
		contents, err = e.client.FetchTile(ctx, handle.URLTemplate, key.Z, key.X, key.Y)
		if err == nil {
			return contents, nil
		}
		if types.KindOf(err) != types.UpstreamTransient {
			return nil, err
		}
		if attempt >= len(fetchRetryBackoff) {
			if upstream.IsQuota(err) {
				// Quota exhaustion that survived the retries surfaces as 429,
				// not as a gateway error.
				return nil, &types.Error{Kind: types.Throttled, Message: "upstream quota exhausted", RetryAfter: 30 * time.Second, Cause: err}
			}
			return nil, err
		}
		timer := time.NewTimer(fetchRetryBackoff[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, skerr.Wrap(ctx.Err())
		case <-timer.C:
		}
	}
}

// Drain waits for pending blob write-backs; used at shutdown and in tests.
func (e *Engine) Drain() {
	e.writebacks.Wait()
}

// LocalStats exposes the in-process cache counters for the control plane.
func (e *Engine) LocalStats() localcache.Stats {
	return e.local.Stats()
}

// PurgeLocal drops local-cache entries under the prefix.
func (e *Engine) PurgeLocal(prefix string) int {
	return e.local.PurgePrefix(prefix)
}
