// Package objectstore is the interface the spec keeps deliberately thin
// (spec §1: "the object store backend itself... only the interface is
// specified") plus the one S3-compatible implementation the ambient
// stack wires it to. Grounded on the aws-sdk-go-v2/service/s3 usage
// seen in the pack (dafibh-fortuna-backend, samkenxstream-...-nitro).
package objectstore

import (
	"context"
	"io"
)

// Store is the minimal surface §1/§4.1/§4.6/§4.7/§4.9 need: streamed
// put/get, existence check, and delete (for cleanupFs). Two logical
// buckets are used by the rest of the system — raw (authoritative
// inbound bytes) and backup (assembled bundle payloads) — modeled as
// two Store values rather than a bucket parameter, so a caller can never
// accidentally target the wrong bucket.
type Store interface {
	// Put streams body to key, returning once the object is durably
	// written. The caller is responsible for propagating ctx
	// cancellation so a client disconnect aborts the upload (spec §5).
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get opens a streaming reader for key. The caller must Close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetRange opens a streaming reader for the half-open byte range
	// [offset, offset+length) of key, used by bundle-offset reads.
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
