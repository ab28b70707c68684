package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/upload/db"
	"github.com/ar-permaweb/turbo/internal/upload/paymentclient"
)

// postVerifyDelay is the expected confirmation time (spec §4.7 step 3).
const postVerifyDelay = 120 * time.Second

// postChunkBytes bounds how much of the backup object is buffered per
// UploadChunk call.
const postChunkBytes = 8 << 20

// Post implements spec §4.7: stream the prepared payload to the storage
// network's resumable chunked upload, then hand off to verify. attempt
// is the queue delivery attempt (1-indexed); the queue itself retries a
// retryable error with backoff, so Post only needs to distinguish "try
// again" from "give up and refund" at MaxPostAttempts.
func (p *Pipeline) Post(ctx context.Context, bundleID string, attempt int) error {
	bundle, err := db.GetBundle(ctx, p.DB.Pool, bundleID)
	if err != nil {
		return fmt.Errorf("post: load bundle %s: %w", bundleID, err)
	}
	if bundle.Status == db.BundlePosted || bundle.Status == db.BundleVerified {
		return nil // already posted by a previous delivery of this job
	}

	rc, err := p.Backup.Get(ctx, "backup/"+bundleID)
	if err != nil {
		return p.failOrRetry(ctx, bundleID, attempt, fmt.Errorf("post: read backup object: %w", err))
	}
	defer rc.Close()

	handle, err := p.Storage.StartUpload(ctx, bundleID, bundle.ByteCount)
	if err != nil {
		return p.failOrRetry(ctx, bundleID, attempt, fmt.Errorf("post: start upload: %w", err))
	}

	buf := make([]byte, postChunkBytes)
	for handle.AckedByteOffset < bundle.ByteCount {
		want := int64(postChunkBytes)
		if remaining := bundle.ByteCount - handle.AckedByteOffset; remaining < want {
			want = remaining
		}
		n, readErr := io.ReadFull(rc, buf[:want])
		if readErr != nil {
			return p.failOrRetry(ctx, bundleID, attempt, fmt.Errorf("post: read chunk at offset %d: %w", handle.AckedByteOffset, readErr))
		}
		if err := p.Storage.UploadChunk(ctx, handle, bytes.NewReader(buf[:n]), int64(n)); err != nil {
			return p.failOrRetry(ctx, bundleID, attempt, fmt.Errorf("post: upload chunk at offset %d: %w", handle.AckedByteOffset, err))
		}
		handle.AckedByteOffset += int64(n)
	}

	if _, err := p.Storage.FinishUpload(ctx, handle); err != nil {
		return p.failOrRetry(ctx, bundleID, attempt, fmt.Errorf("post: finish upload: %w", err))
	}

	if err := db.SetBundlePosted(ctx, p.DB.Pool, bundleID, p.Clock.Now()); err != nil {
		return fmt.Errorf("post: set bundle %s posted: %w", bundleID, err)
	}
	if err := p.Queue.EnqueueDelayed(ctx, queue.LabelVerify, []byte(bundleID), postVerifyDelay); err != nil {
		return fmt.Errorf("post: enqueue verify %s: %w", bundleID, err)
	}
	return nil
}

// failOrRetry decides, on the final configured attempt, whether to give
// up: mark the bundle failed and refund every reservation it carries
// (spec §4.7 "permanent failure"). Earlier attempts just propagate a
// retryable error so the queue's own backoff handles the retry.
func (p *Pipeline) failOrRetry(ctx context.Context, bundleID string, attempt int, cause error) error {
	maxAttempts := p.MaxPostAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if attempt < maxAttempts {
		return apperr.Wrap(apperr.Unavailable, "post: transient failure, will retry", cause)
	}

	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("post: begin fail tx for %s: %w", bundleID, cause)
	}
	defer tx.Rollback(ctx)
	items, err := db.MovePlannedBundleToFailed(ctx, tx, bundleID, "post_failed")
	if err != nil {
		return fmt.Errorf("post: move bundle %s to failed: %w", bundleID, err)
	}
	if err := db.SetBundleStatus(ctx, tx, bundleID, db.BundleFailed); err != nil {
		return fmt.Errorf("post: set bundle %s failed: %w", bundleID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("post: commit fail tx for %s: %w", bundleID, err)
	}

	for _, it := range items {
		if it.ReservationID == nil {
			continue
		}
		if err := p.Payment.Refund(ctx, paymentclient.RefundRequest{ReservationID: *it.ReservationID}); err != nil {
			return fmt.Errorf("post: refund %s after permanent failure: %w", it.ItemID, err)
		}
	}
	return nil // permanently resolved; do not requeue
}
