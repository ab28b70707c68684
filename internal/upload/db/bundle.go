package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBundleNotFound is returned when a bundle lookup misses.
var ErrBundleNotFound = errors.New("upload/db: bundle not found")

// BundleStatus is spec §3's bundle.status enum.
type BundleStatus string

const (
	BundlePlanned  BundleStatus = "planned"
	BundlePrepared BundleStatus = "prepared"
	BundlePosted   BundleStatus = "posted"
	BundleVerified BundleStatus = "verified"
	BundleFailed   BundleStatus = "failed"
)

// Bundle mirrors spec §3's Bundle entity.
type Bundle struct {
	BundleID   string
	PlannedAt  time.Time
	PostedAt   *time.Time
	VerifiedAt *time.Time
	ByteCount  int64
	ItemCount  int
	Status     BundleStatus
}

// InsertBundle creates a new bundle row in the `planned` status (spec
// §4.5 step 4).
func InsertBundle(ctx context.Context, q Querier, bundleID string, byteCount int64, itemCount int) error {
	_, err := q.Exec(ctx, `
		INSERT INTO upload.bundle (bundle_id, byte_count, item_count, status)
		VALUES ($1, $2, $3, 'planned')
	`, bundleID, byteCount, itemCount)
	if err != nil {
		return fmt.Errorf("insert bundle: %w", err)
	}
	return nil
}

// GetBundleForUpdate row-locks a bundle by id (spec §5 "the bundle row is
// locked for the duration of a planning decision involving its members").
func GetBundleForUpdate(ctx context.Context, q Querier, bundleID string) (*Bundle, error) {
	var b Bundle
	err := q.QueryRow(ctx, `
		SELECT bundle_id, planned_at, posted_at, verified_at, byte_count, item_count, status
		FROM upload.bundle WHERE bundle_id = $1 FOR UPDATE
	`, bundleID).Scan(&b.BundleID, &b.PlannedAt, &b.PostedAt, &b.VerifiedAt, &b.ByteCount, &b.ItemCount, &b.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleNotFound, err)
	}
	return &b, nil
}

// GetBundle loads a bundle without locking it.
func GetBundle(ctx context.Context, q Querier, bundleID string) (*Bundle, error) {
	var b Bundle
	err := q.QueryRow(ctx, `
		SELECT bundle_id, planned_at, posted_at, verified_at, byte_count, item_count, status
		FROM upload.bundle WHERE bundle_id = $1
	`, bundleID).Scan(&b.BundleID, &b.PlannedAt, &b.PostedAt, &b.VerifiedAt, &b.ByteCount, &b.ItemCount, &b.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleNotFound, err)
	}
	return &b, nil
}

// SetBundleStatus transitions status unconditionally — used by prepare
// (-> prepared) and the terminal failure paths (-> failed).
func SetBundleStatus(ctx context.Context, q Querier, bundleID string, status BundleStatus) error {
	tag, err := q.Exec(ctx, `UPDATE upload.bundle SET status = $2 WHERE bundle_id = $1`, bundleID, status)
	if err != nil {
		return fmt.Errorf("set bundle status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleNotFound
	}
	return nil
}

// SetBundlePosted implements spec §4.7 step 2: status := posted,
// posted_at := now.
func SetBundlePosted(ctx context.Context, q Querier, bundleID string, postedAt time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE upload.bundle SET status = 'posted', posted_at = $2 WHERE bundle_id = $1
	`, bundleID, postedAt)
	if err != nil {
		return fmt.Errorf("set bundle posted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleNotFound
	}
	return nil
}

// SetBundleVerified implements spec §4.8 step 3: status := verified,
// verified_at := now.
func SetBundleVerified(ctx context.Context, q Querier, bundleID string, verifiedAt time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE upload.bundle SET status = 'verified', verified_at = $2 WHERE bundle_id = $1
	`, bundleID, verifiedAt)
	if err != nil {
		return fmt.Errorf("set bundle verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBundleNotFound
	}
	return nil
}
