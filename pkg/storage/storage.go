package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a location does not resolve to a stored object.
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore persists statement documents. Locations returned by Save are
// opaque to callers and are passed back unchanged to Open.
type ArtifactStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}
