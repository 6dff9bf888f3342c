package domain

import (
	"context"
	"io"
)

// BlobWriter stores immutable objects in cold storage. Used by the archiver
// to export terminal group instances.
type BlobWriter interface {
	// Put uploads the object in a single request.
	Put(ctx context.Context, path string, data io.Reader, contentType string) error

	// PutMultipart uploads the object in parts of partSize bytes, for
	// payloads too large to send in one shot.
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}
