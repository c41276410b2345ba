// Package storage defines the blob store abstraction used by item sinks.
package storage

import (
	"context"
	"io"
)

// BlobStore writes whole objects and returns a URI for each.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}
