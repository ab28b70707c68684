package db

import (
	"context"
	"fmt"
)

// ItemOffset mirrors spec §3's ItemOffset entity: (item_id, bundle_id,
// offset, length), created when the bundle is assembled in prepare,
// consulted by reads.
type ItemOffset struct {
	ItemID   string
	BundleID string
	Offset   int64
	Length   int64
}

// UpsertItemOffsets batch-writes offsets in one statement per row inside
// the caller's transaction (spec §4.6 step 5 "batched UPSERT"; spec §4.6
// "recovery: idempotent by bundle_id... item_offset rows are unchanged"
// on a prepare re-run since the same offsets are recomputed
// deterministically from item order).
func UpsertItemOffsets(ctx context.Context, q Querier, offsets []ItemOffset) error {
	for _, o := range offsets {
		_, err := q.Exec(ctx, `
			INSERT INTO upload.item_offset (item_id, bundle_id, offset_, length)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (item_id, bundle_id) DO UPDATE SET offset_ = EXCLUDED.offset_, length = EXCLUDED.length
		`, o.ItemID, o.BundleID, o.Offset, o.Length)
		if err != nil {
			return fmt.Errorf("upsert item_offset %s: %w", o.ItemID, err)
		}
	}
	return nil
}

// UpsertPlaceholderOffset writes a provisional offset for a raw-bucket
// read before the item has been bundled (spec §4.9 putOffsets: "ensure
// item_offset exists for reads prior to bundling... superseded by
// prepare when the real offsets land"). The item has no bundle yet, so
// the row is written under a sentinel per-item bundle id ("raw:<item>")
// that gives the placeholder a stable, unique key distinct from any real
// bundle_id.
func UpsertPlaceholderOffset(ctx context.Context, q Querier, itemID string, length int64) error {
	return UpsertItemOffsets(ctx, q, []ItemOffset{{ItemID: itemID, BundleID: "raw:" + itemID, Offset: 0, Length: length}})
}

// GetItemOffsets loads every offset row for bundleID, ordered by offset —
// the deterministic order spec §5 requires within a bundle.
func GetItemOffsets(ctx context.Context, q Querier, bundleID string) ([]ItemOffset, error) {
	rows, err := q.Query(ctx, `
		SELECT item_id, bundle_id, offset_, length FROM upload.item_offset
		WHERE bundle_id = $1 ORDER BY offset_ ASC
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("get item offsets: %w", err)
	}
	defer rows.Close()

	var offsets []ItemOffset
	for rows.Next() {
		var o ItemOffset
		if err := rows.Scan(&o.ItemID, &o.BundleID, &o.Offset, &o.Length); err != nil {
			return nil, fmt.Errorf("scan item offset: %w", err)
		}
		offsets = append(offsets, o)
	}
	return offsets, rows.Err()
}
