package limits

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"go.lapig.org/tiles/go/metrics2"
	"go.lapig.org/tiles/go/now"
	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/go/sklog"
	"go.lapig.org/tiles/tileserver/go/types"
	"go.lapig.org/tiles/tileserver/go/upstream"
)

const (
	// breakerThreshold is how many consecutive quota failures open the
	// breaker.
	breakerThreshold = 10

	// Open-state cooldown starts at breakerInitialCooldown and doubles on
	// every failed probe, capped at breakerMaxCooldown.
	breakerInitialCooldown = time.Second
	breakerMaxCooldown     = 60 * time.Second
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Gate bounds load on the imagery backend: a concurrency semaphore, minimum
// spacing between request starts, and a circuit breaker that opens on
// sustained upstream quota exhaustion.
type Gate struct {
	sem  *semaphore.Weighted
	pace *rate.Limiter

	mutex         sync.Mutex
	state         breakerState
	quotaStreak   int
	cooldown      time.Duration
	cooldownUntil time.Time
	probing       bool

	rejected metrics2.Counter
	opened   metrics2.Counter
}

// NewGate returns a Gate admitting at most concurrency in-flight calls with
// the given minimum spacing between starts.
func NewGate(concurrency int, pacing time.Duration) *Gate {
	return &Gate{
		sem:      semaphore.NewWeighted(int64(concurrency)),
		pace:     rate.NewLimiter(rate.Every(pacing), 1),
		cooldown: breakerInitialCooldown,

		rejected: metrics2.GetCounter("tileserver_upstream_gate_rejected"),
		opened:   metrics2.GetCounter("tileserver_upstream_breaker_opened"),
	}
}

// Acquire admits one upstream call, blocking on the semaphore and the pacing
// limiter. The returned release function must be called once the call
// finishes, with its error, so the breaker sees the outcome.
func (g *Gate) Acquire(ctx context.Context) (func(err error), error) {
	if err := g.admit(ctx); err != nil {
		g.rejected.Inc(1)
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := g.pace.Wait(ctx); err != nil {
		g.sem.Release(1)
		return nil, skerr.Wrap(err)
	}
	return func(err error) {
		g.sem.Release(1)
		g.observe(ctx, err)
	}, nil
}

// admit applies the breaker state.
func (g *Gate) admit(ctx context.Context) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	switch g.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		ts := now.Now(ctx)
		if ts.Before(g.cooldownUntil) {
			return types.ThrottledErr(g.cooldownUntil.Sub(ts))
		}
		g.state = breakerHalfOpen
		g.probing = false
		fallthrough
	case breakerHalfOpen:
		if g.probing {
			return types.ThrottledErr(g.cooldown)
		}
		g.probing = true
		return nil
	}
	return nil
}

// observe feeds one call outcome into the breaker. Only quota errors trip it;
// other failures are the caller's concern.
func (g *Gate) observe(ctx context.Context, err error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	quota := err != nil && upstream.IsQuota(err)

	switch g.state {
	case breakerClosed:
		if !quota {
			g.quotaStreak = 0
			return
		}
		g.quotaStreak++
		if g.quotaStreak >= breakerThreshold {
			g.open(now.Now(ctx))
		}
	case breakerHalfOpen:
		g.probing = false
		if quota {
			g.cooldown *= 2
			if g.cooldown > breakerMaxCooldown {
				g.cooldown = breakerMaxCooldown
			}
			g.open(now.Now(ctx))
			return
		}
		if err == nil {
			g.state = breakerClosed
			g.quotaStreak = 0
			g.cooldown = breakerInitialCooldown
			sklog.Info("Upstream breaker closed")
		}
	case breakerOpen:
		// Late results from calls admitted before the trip.
	}
}

func (g *Gate) open(ts time.Time) {
	g.state = breakerOpen
	g.cooldownUntil = ts.Add(g.cooldown)
	g.opened.Inc(1)
	sklog.Warningf("Upstream breaker opened for %s", g.cooldown)
}

// State reports the breaker state for diagnostics.
func (g *Gate) State() string {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	switch g.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

// GatedClient wraps an upstream client so every call passes through the gate.
type GatedClient struct {
	inner upstream.Client
	gate  *Gate
}

// NewGatedClient wraps client with gate.
func NewGatedClient(client upstream.Client, gate *Gate) *GatedClient {
	return &GatedClient{
		inner: client,
		gate:  gate,
	}
}

// BuildMosaic implements upstream.Client.
func (c *GatedClient) BuildMosaic(ctx context.Context, key types.MosaicKey) (types.MosaicHandle, error) {
	release, err := c.gate.Acquire(ctx)
	if err != nil {
		return types.MosaicHandle{}, err
	}
	handle, err := c.inner.BuildMosaic(ctx, key)
	release(err)
	return handle, err
}

// FetchTile implements upstream.Client.
func (c *GatedClient) FetchTile(ctx context.Context, urlTemplate string, z, x, y int) ([]byte, error) {
	release, err := c.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	contents, err := c.inner.FetchTile(ctx, urlTemplate, z, x, y)
	release(err)
	return contents, err
}

// Assert GatedClient implements upstream.Client.
var _ upstream.Client = (*GatedClient)(nil)
