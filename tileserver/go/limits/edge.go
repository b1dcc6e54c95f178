// Package limits enforces the two admission layers: the shared edge token
// bucket in front of the key space, and the upstream gate (semaphore, pacing,
// circuit breaker) in front of the imagery backend.
package limits

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/metastore"
	"go.lapig.org/tiles/tileserver/go/types"
)

// EdgeLimiter is the per-identity token bucket shared across the fleet
// through the metastore. When the metastore is unreachable the limiter
// degrades open to a per-process approximation rather than refusing traffic.
type EdgeLimiter struct {
	store      metastore.Store
	ratePerMin int
	burst      int

	mutex     sync.Mutex
	fallbacks map[string]*rate.Limiter

	allowed   metrics2.Counter
	throttled metrics2.Counter
	degraded  metrics2.Counter
}

// NewEdgeLimiter returns an EdgeLimiter refilling at ratePerMin with capacity
// burst per identity.
func NewEdgeLimiter(store metastore.Store, ratePerMin, burst int) *EdgeLimiter {
	return &EdgeLimiter{
		store:      store,
		ratePerMin: ratePerMin,
		burst:      burst,
		fallbacks:  map[string]*rate.Limiter{},

		allowed:   metrics2.GetCounter("tileserver_edge_allowed"),
		throttled: metrics2.GetCounter("tileserver_edge_throttled"),
		degraded:  metrics2.GetCounter("tileserver_edge_degraded"),
	}
}

// Allow admits or throttles one request for the identity. A throttled request
// gets a types.Throttled error carrying the Retry-After hint.
func (l *EdgeLimiter) Allow(ctx context.Context, identity string) error {
	granted, wait, err := l.store.TakeTokens(ctx, metastore.BucketPrefix+identity, 1, l.ratePerMin, l.burst)
	if err != nil {
		// Shared state is down; fall back to a local bucket so one process
		// still bounds its own traffic.
		l.degraded.Inc(1)
		sklog.Warningf("Edge limiter degraded to in-process bucket: %s", err)
		if !l.fallback(identity).Allow() {
			l.throttled.Inc(1)
			return types.ThrottledErr(time.Second)
		}
		l.allowed.Inc(1)
		return nil
	}
	if !granted {
		l.throttled.Inc(1)
		if wait < time.Second {
			wait = time.Second
		}
		return types.ThrottledErr(wait)
	}
	l.allowed.Inc(1)
	return nil
}

func (l *EdgeLimiter) fallback(identity string) *rate.Limiter {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	lim, ok := l.fallbacks[identity]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.ratePerMin)/60.0), l.burst)
		l.fallbacks[identity] = lim
	}
	return lim
}
