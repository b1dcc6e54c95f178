// Package upstream adapts the Earth-imagery compute backend. Building a
// mosaic is slow and quota-bound; fetching a tile from an established mosaic
// template is cheap. Nothing here coalesces or limits calls, that is the
// mosaic cache's and the limiter's job.
package upstream

import (
	"context"
	"errors"

	"go.lapig.org/tiles/tileserver/go/types"
)

// Client talks to the imagery backend.
type Client interface {
	// BuildMosaic asks the backend to assemble the mosaic for the key and
	// returns a handle whose URL template serves its tiles. May take several
	// seconds; honours ctx cancellation. Callers must go through the mosaic
	// cache, never call this directly from the request path.
	BuildMosaic(ctx context.Context, key types.MosaicKey) (types.MosaicHandle, error)

	// FetchTile substitutes (z, x, y) into the template and returns the PNG
	// bytes unmodified.
	FetchTile(ctx context.Context, urlTemplate string, z, x, y int) ([]byte, error)
}

// ErrQuota marks quota exhaustion (HTTP 429) distinctly from other transient
// failures so the circuit breaker can count it.
var ErrQuota = errors.New("upstream quota exhausted")

// IsQuota returns true if the error records upstream quota exhaustion.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuota)
}

// classifyStatus turns a non-2xx upstream status into a classified error.
// 429 is quota, other 4xx are permanent, everything else is transient.
func classifyStatus(status int, operation string) error {
	switch {
	case status == 429:
		return types.WrapErr(types.UpstreamTransient, ErrQuota, operation)
	case status >= 400 && status < 500:
		return types.Errf(types.UpstreamPermanent, "%s: upstream returned %d", operation, status)
	default:
		return types.Errf(types.UpstreamTransient, "%s: upstream returned %d", operation, status)
	}
}
