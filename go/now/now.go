// Package now provides a function to return the current time that is
// also easily overridden for testing.
//
// Every TTL and expiry decision in the tile server goes through now.Now so
// that tests can drive time deterministically.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic. The value set
// can be either a time.Time or a NowProvider:
//
//	ctx = context.WithValue(ctx, now.ContextKey, time.Unix(0, 12).UTC())
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is the type of function that can also be passed as a context
// value. The function is evaluated on every call to Now with that context, so
// it must be threadsafe if the context crosses goroutines. Tests that need
// the time to move should prefer TimeTravelingContext.
type NowProvider func() time.Time

// Now returns the current time or the time from the context.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case NowProvider:
			return v()
		case time.Time:
			return v
		default:
			panic(fmt.Sprintf("Unknown value for ContextKey: %v", v))
		}
	}
	return time.Now()
}

// TimeTravelCtx is a test utility that makes it easy to change the apparent
// time. It embeds a context carrying a NowProvider that reads a mutable
// timestamp, so a test can fast-forward between calls:
//
//	ctx := now.TimeTravelingContext(start)
//	first := doSomething(ctx)
//	ctx.SetTime(start.Add(25 * time.Hour)) // past the mosaic TTL
//	second := doSomething(ctx)
type TimeTravelCtx struct {
	context.Context

	mutex sync.RWMutex
	ts    time.Time
}

// TimeTravelingContext returns a *TimeTravelCtx, using the given time and the
// background context.
func TimeTravelingContext(start time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{
		ts: start,
	}
	t.Context = context.WithValue(context.Background(), ContextKey, NowProvider(t.now))
	return t
}

// now() is a thread-safe NowProvider.
func (t *TimeTravelCtx) now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.ts
}

// SetTime updates the underlying time that will be returned by the embedded
// context's NowProvider. It is thread-safe.
func (t *TimeTravelCtx) SetTime(newTime time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = newTime
}

// WithContext replaces the embedded context with one derived from the passed
// in context.
func (t *TimeTravelCtx) WithContext(ctx context.Context) *TimeTravelCtx {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.Context = context.WithValue(ctx, ContextKey, NowProvider(t.now))
	return t
}
