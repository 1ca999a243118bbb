// Package artifact stores APK blobs in an object store fronted by an
// in-process LRU cache, and serves downloads buffered or streamed
// depending on size.
package artifact

import (
	"context"
	"io"
)

// ObjectStore is the blob backend. HTTPStore talks to an S3-compatible
// endpoint; FileStore keeps blobs on the local filesystem for dev and
// test deployments.
type ObjectStore interface {
	// Put writes an object and verifies it is readable afterwards.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Get buffers the whole object in memory. Use Stream for large blobs.
	Get(ctx context.Context, key string) ([]byte, error)

	// Stream opens the object for sequential reads and reports its size.
	Stream(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Stat reports the object size without reading it.
	Stat(ctx context.Context, key string) (int64, error)

	Delete(ctx context.Context, key string) error

	// Healthy reports whether the backend is reachable and credentialed.
	Healthy(ctx context.Context) error
}
