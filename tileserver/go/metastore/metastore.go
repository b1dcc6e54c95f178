// Package metastore is the shared coordination store: mosaic handles,
// coalescing locks, rate-limit buckets, job records and job queues all live
// here. Redis backs production; an in-memory implementation backs tests and
// degraded single-process operation.
package metastore

import (
	"context"
	"time"
)

// Key prefixes. Every key in the store starts with one of these.
const (
	MosaicPrefix   = "mosaic:"
	CoalescePrefix = "coalesce:"
	BucketPrefix   = "bucket:"
	JobPrefix      = "job:"
	QueuePrefix    = "queue:"
)

// Store is the metadata store shared by all tile server processes.
type Store interface {
	// Get returns the value at key, and false if the key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key to value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key to value only if the key is absent, returning true if
	// this call won. A zero ttl means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes the keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// TakeTokens atomically takes n tokens from the named bucket, which
	// refills at ratePerMin up to burst. It returns whether the tokens were
	// granted, and if not, how long until enough tokens accrue.
	TakeTokens(ctx context.Context, bucket string, n, ratePerMin, burst int) (bool, time.Duration, error)

	// Push appends value to the tail of the named queue.
	Push(ctx context.Context, queue, value string) error

	// Pop removes the head of the first non-empty queue in order, returning
	// the queue it came from. ok is false if every queue is empty.
	Pop(ctx context.Context, queues ...string) (queue, value string, ok bool, err error)

	// QueueLen returns the length of the named queue.
	QueueLen(ctx context.Context, queue string) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
