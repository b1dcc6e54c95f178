// Package mosaic caches upstream mosaic URL templates and guarantees at most
// one concurrent build per mosaic key: cluster-wide via a metastore election,
// in-process via singleflight.
package mosaic

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/tilekey"
	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/upstream"
)

const (
	// ElectionTTL bounds how long a BUILDING claim blocks other builders. A
	// builder that crashes mid-build is superseded once it lapses.
	ElectionTTL = 60 * time.Second

	// CooldownTTL is how long a recorded failure short-circuits new builds
	// of the same key.
	CooldownTTL = 15 * time.Second

	// Losers poll the election key with doubling backoff between these
	// bounds.
	pollInitial = 50 * time.Millisecond
	pollMax     = 500 * time.Millisecond
)

// Cache resolves mosaic keys to READY handles, building through the upstream
// client when needed.
type Cache struct {
	store  metastore.Store
	client upstream.Client

	// maxTTL caps how long a READY handle is reused, regardless of the TTL
	// the upstream granted.
	maxTTL time.Duration

	group singleflight.Group

	buildsWon  metrics2.Counter
	buildsLost metrics2.Counter
	buildFails metrics2.Counter
	degraded   metrics2.Counter
}

// New returns a Cache. maxTTL is the configured mosaic TTL.
func New(store metastore.Store, client upstream.Client, maxTTL time.Duration) *Cache {
	return &Cache{
		store:  store,
		client: client,
		maxTTL: maxTTL,

		buildsWon:  metrics2.GetCounter("tileserver_mosaic_builds_won"),
		buildsLost: metrics2.GetCounter("tileserver_mosaic_builds_lost"),
		buildFails: metrics2.GetCounter("tileserver_mosaic_build_failures"),
		degraded:   metrics2.GetCounter("tileserver_mosaic_degraded"),
	}
}

// GetTemplate returns a READY handle for the key, building it if absent.
// Within one process concurrent callers for the same key share one result;
// across processes the metastore election ensures a single builder per
// ElectionTTL window.
func (c *Cache) GetTemplate(ctx context.Context, key types.MosaicKey) (types.MosaicHandle, error) {
	name := tilekey.MosaicString(key)
	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		return c.getTemplate(ctx, key, name)
	})
	if err != nil {
		return types.MosaicHandle{}, err
	}
	return v.(types.MosaicHandle), nil
}

func (c *Cache) getTemplate(ctx context.Context, key types.MosaicKey, name string) (types.MosaicHandle, error) {
	handleKey := metastore.MosaicPrefix + name
	lockKey := metastore.CoalescePrefix + name
	wait := pollInitial
	for {
		if err := ctx.Err(); err != nil {
			return types.MosaicHandle{}, skerr.Wrap(err)
		}

		encoded, ok, err := c.store.Get(ctx, handleKey)
		if err != nil {
			// Metastore outage: degrade open to per-process coalescing. The
			// singleflight group wrapping this call still bounds builds to
			// one per key per process.
			c.degraded.Inc(1)
			sklog.Warningf("Mosaic cache degraded, building %s without cluster election: %s", name, err)
			return c.client.BuildMosaic(ctx, key)
		}
		if ok {
			var handle types.MosaicHandle
			if err := json.Unmarshal([]byte(encoded), &handle); err != nil {
				return types.MosaicHandle{}, skerr.Wrapf(err, "corrupt mosaic record for %s", name)
			}
			switch handle.State {
			case types.MosaicReady:
				if !handle.Expired(now.Now(ctx)) {
					return handle, nil
				}
				// The record outlived its validity window; clear it and
				// re-elect.
				if err := c.store.Del(ctx, handleKey); err != nil {
					return types.MosaicHandle{}, skerr.Wrap(err)
				}
			case types.MosaicFailed:
				return types.MosaicHandle{}, types.Errf(types.UpstreamTransient, "mosaic %s failed recently: %s", name, handle.Error)
			default:
				return types.MosaicHandle{}, skerr.Fmt("mosaic %s has unknown state %q", name, handle.State)
			}
		}

		won, err := c.claim(ctx, lockKey)
		if err != nil {
			c.degraded.Inc(1)
			sklog.Warningf("Mosaic cache degraded, building %s without cluster election: %s", name, err)
			return c.client.BuildMosaic(ctx, key)
		}
		if won {
			return c.build(ctx, key, name, handleKey, lockKey)
		}

		// Lost: another builder holds the coalesce lock. Poll the handle for
		// its outcome.
		c.buildsLost.Inc(1)
		if err := sleep(ctx, wait); err != nil {
			return types.MosaicHandle{}, skerr.Wrap(err)
		}
		wait *= 2
		if wait > pollMax {
			wait = pollMax
		}
	}
}

// claim attempts the build election on the coalesce lock.
func (c *Cache) claim(ctx context.Context, lockKey string) (bool, error) {
	building := types.MosaicHandle{
		State:      types.MosaicBuilding,
		AcquiredAt: now.Now(ctx),
	}
	encoded, err := json.Marshal(building)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	won, err := c.store.SetNX(ctx, lockKey, string(encoded), ElectionTTL)
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return won, nil
}

// build runs the upstream build as the election winner, records the outcome
// and releases the lock.
func (c *Cache) build(ctx context.Context, key types.MosaicKey, name, handleKey, lockKey string) (types.MosaicHandle, error) {
	c.buildsWon.Inc(1)
	defer func() {
		// A lock that cannot be released lapses at ElectionTTL; readers are
		// unaffected since they poll the handle, not the lock.
		if err := c.store.Del(ctx, lockKey); err != nil {
			sklog.Errorf("Releasing build lock for %s: %s", name, err)
		}
	}()

	handle, buildErr := c.client.BuildMosaic(ctx, key)
	if buildErr != nil {
		c.buildFails.Inc(1)
		failed := types.MosaicHandle{
			State:      types.MosaicFailed,
			AcquiredAt: now.Now(ctx),
			Error:      buildErr.Error(),
		}
		encoded, err := json.Marshal(failed)
		if err != nil {
			return types.MosaicHandle{}, skerr.Wrap(err)
		}
		if err := c.store.Set(ctx, handleKey, string(encoded), CooldownTTL); err != nil {
			sklog.Errorf("Recording mosaic failure for %s: %s", name, err)
		}
		return types.MosaicHandle{}, buildErr
	}

	handle.State = types.MosaicReady
	handle.AcquiredAt = now.Now(ctx)
	ttl := time.Duration(handle.TTL)
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
		handle.TTL = types.Duration(ttl)
	}
	encoded, err := json.Marshal(handle)
	if err != nil {
		return types.MosaicHandle{}, skerr.Wrap(err)
	}
	if err := c.store.Set(ctx, handleKey, string(encoded), ttl); err != nil {
		// The handle is still good for this process; other processes will
		// re-elect.
		sklog.Errorf("Recording READY mosaic %s: %s", name, err)
	}
	return handle, nil
}

// Invalidate drops any cached handle for the key.
func (c *Cache) Invalidate(ctx context.Context, key types.MosaicKey) error {
	return skerr.Wrap(c.store.Del(ctx, metastore.MosaicPrefix+tilekey.MosaicString(key)))
}

// sleep blocks for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
