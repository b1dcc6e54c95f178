// Package blobstore is the durable tier for rendered tiles. Production uses a
// GCS bucket; an in-memory implementation backs tests.
package blobstore

import (
	"context"
)

// PNGContentType is the content type every tile blob is written with.
const PNGContentType = "image/png"

// Store holds rendered tile bytes keyed by blob path.
type Store interface {
	// Put writes the blob at path, overwriting any existing object.
	Put(ctx context.Context, path string, contents []byte) error

	// Get returns the blob at path, and false if the object is absent.
	Get(ctx context.Context, path string) ([]byte, bool, error)

	// Exists returns true if an object is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// DeletePrefix removes every object under the prefix and returns how many
	// were deleted.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Bucket returns the bucket name, for logging.
	Bucket() string
}
