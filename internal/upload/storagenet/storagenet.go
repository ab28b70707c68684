// Package storagenet is the StorageNetwork client interface — spec §1's
// only network-facing interface left in scope ("the downstream gateway;
// only the optical hand-off contract is specified" covers optical, but
// the permanent storage network itself is the system's actual product
// surface and spec §4.7/§4.8 name its operations explicitly: chunked
// upload with resumable retry, and inclusion-proof confirmation at a
// byte-offset depth). No teacher or pack repo talks to a content-addressed
// storage network directly, so this interface is modeled directly from
// spec §4.7/§4.8's prose rather than adapted from an existing client —
// the one component in this module without a teacher grounding, noted in
// DESIGN.md.
package storagenet

import (
	"context"
	"io"
)

// UploadHandle tracks a resumable chunked upload in progress (spec §4.7
// step 1: "use resumable uploads — a failure mid-way retries from the
// last acknowledged chunk").
type UploadHandle struct {
	BundleID        string
	TxID            string
	AckedByteOffset int64
}

// Client talks to the permanent storage network.
type Client interface {
	// StartUpload begins a chunked upload for a bundle transaction of
	// totalSize bytes, returning a handle that tracks resumable progress.
	StartUpload(ctx context.Context, bundleID string, totalSize int64) (*UploadHandle, error)

	// UploadChunk streams the next chunk starting at handle's
	// AckedByteOffset; on success the caller advances the handle's
	// offset by the bytes sent. Resuming after a failure simply calls
	// this again with the same handle.
	UploadChunk(ctx context.Context, handle *UploadHandle, chunk io.Reader, chunkSize int64) error

	// FinishUpload acknowledges the upload is complete and returns the
	// resulting on-network transaction id (spec §4.7 step 2).
	FinishUpload(ctx context.Context, handle *UploadHandle) (txID string, err error)

	// Confirmations reports how many confirmations the bundle posted
	// under bundleID has accrued (spec §4.8 step 1: "inclusion... at a
	// byte offset depth >= MIN_CONFIRMATIONS").
	Confirmations(ctx context.Context, bundleID string) (int, error)
}
