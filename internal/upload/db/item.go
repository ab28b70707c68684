package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrItemNotFound is returned when a lookup targets an item_id absent
// from the table queried — the normal "another worker already handled
// this" case for idempotent workers (spec §4.4 step 1: "if missing,
// exit").
var ErrItemNotFound = errors.New("upload/db: item not found")

// NewItem mirrors spec §3's DataItem in its `New` state: row in
// new_item, object in raw bucket, not yet assigned to a bundle.
type NewItem struct {
	ItemID         string
	OwnerAddress   string
	SignatureKind  string
	ByteCount      int64
	UploadedAt     time.Time
	PaymentID      *string
	ReservationID  *string
}

// InsertNewItem persists a freshly-ingested item (spec §4.1 step 7).
func InsertNewItem(ctx context.Context, q Querier, it *NewItem) error {
	_, err := q.Exec(ctx, `
		INSERT INTO upload.new_item
			(item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, it.ItemID, it.OwnerAddress, it.SignatureKind, it.ByteCount, it.UploadedAt, it.PaymentID, it.ReservationID)
	if err != nil {
		return fmt.Errorf("insert new_item: %w", err)
	}
	return nil
}

// GetNewItem loads a new_item row, returning ErrItemNotFound if absent.
func GetNewItem(ctx context.Context, q Querier, itemID string) (*NewItem, error) {
	var it NewItem
	err := q.QueryRow(ctx, `
		SELECT item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id
		FROM upload.new_item WHERE item_id = $1
	`, itemID).Scan(&it.ItemID, &it.OwnerAddress, &it.SignatureKind, &it.ByteCount, &it.UploadedAt, &it.PaymentID, &it.ReservationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrItemNotFound, err)
	}
	return &it, nil
}

// ExistsAnywhere reports whether item_id appears in any of the four
// stateful tables (spec §4.1 step 3's duplicate guard, spec §4.10's
// "read-through exists-check across the four stateful tables"). Tolerant
// of false negatives by design — a concurrent insert can race this read,
// which is why every table also carries a UNIQUE primary key on item_id
// for the race-free guarantee spec §4.1 step 3 requires.
func ExistsAnywhere(ctx context.Context, q Querier, itemID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM upload.new_item WHERE item_id = $1)
		    OR EXISTS(SELECT 1 FROM upload.planned_item WHERE item_id = $1)
		    OR EXISTS(SELECT 1 FROM upload.permanent_item WHERE item_id = $1)
		    OR EXISTS(SELECT 1 FROM upload.failed_item WHERE item_id = $1)
	`, itemID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists anywhere: %w", err)
	}
	return exists, nil
}

// MoveNewItemToFailed implements the New -> Failed transition (spec §4.4
// step 2 hash mismatch, §4.7/§4.8 permanent failures): delete the
// new_item row and insert a failed_item row in its place, within the
// caller's transaction.
func MoveNewItemToFailed(ctx context.Context, q Querier, it *NewItem, reason string) error {
	tag, err := q.Exec(ctx, `DELETE FROM upload.new_item WHERE item_id = $1`, it.ItemID)
	if err != nil {
		return fmt.Errorf("delete new_item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	_, err = q.Exec(ctx, `
		INSERT INTO upload.failed_item
			(item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id, bundle_id, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8)
	`, it.ItemID, it.OwnerAddress, it.SignatureKind, it.ByteCount, it.UploadedAt, it.PaymentID, it.ReservationID, reason)
	if err != nil {
		return fmt.Errorf("insert failed_item: %w", err)
	}
	return nil
}

// PlannedItem mirrors spec §3's DataItem in its `Planned` state: moved
// from new_item, carries a bundle_id, not yet confirmed on the storage
// network.
type PlannedItem struct {
	ItemID        string
	OwnerAddress  string
	SignatureKind string
	ByteCount     int64
	UploadedAt    time.Time
	PaymentID     *string
	ReservationID *string
	BundleID      string
}

// FetchPlanCandidates loads up to limit new_item rows oldest first,
// skipping rows a concurrent planner already holds (spec §4.5 step 1:
// "FOR UPDATE SKIP LOCKED... or an equivalent advisory lock").
func FetchPlanCandidates(ctx context.Context, q Querier, limit int) ([]NewItem, error) {
	rows, err := q.Query(ctx, `
		SELECT item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id
		FROM upload.new_item
		ORDER BY uploaded_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch plan candidates: %w", err)
	}
	defer rows.Close()

	var items []NewItem
	for rows.Next() {
		var it NewItem
		if err := rows.Scan(&it.ItemID, &it.OwnerAddress, &it.SignatureKind, &it.ByteCount, &it.UploadedAt, &it.PaymentID, &it.ReservationID); err != nil {
			return nil, fmt.Errorf("scan plan candidate: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MoveItemsToBundle implements spec §4.5 step 4: delete the packed rows
// from new_item and insert them into planned_item with bundleID set, all
// within the caller's planning transaction.
func MoveItemsToBundle(ctx context.Context, q Querier, bundleID string, items []NewItem) error {
	for _, it := range items {
		tag, err := q.Exec(ctx, `DELETE FROM upload.new_item WHERE item_id = $1`, it.ItemID)
		if err != nil {
			return fmt.Errorf("delete new_item %s: %w", it.ItemID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrItemNotFound, it.ItemID)
		}
		_, err = q.Exec(ctx, `
			INSERT INTO upload.planned_item
				(item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id, bundle_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, it.ItemID, it.OwnerAddress, it.SignatureKind, it.ByteCount, it.UploadedAt, it.PaymentID, it.ReservationID, bundleID)
		if err != nil {
			return fmt.Errorf("insert planned_item %s: %w", it.ItemID, err)
		}
	}
	return nil
}

// GetPlannedItemsForBundle loads every item currently planned under
// bundleID, ordered by uploaded_at (oldest first). This is not
// necessarily the order plan packed the items in: planned_item keeps no
// record of that order.
func GetPlannedItemsForBundle(ctx context.Context, q Querier, bundleID string) ([]PlannedItem, error) {
	rows, err := q.Query(ctx, `
		SELECT item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id, bundle_id
		FROM upload.planned_item WHERE bundle_id = $1 ORDER BY uploaded_at ASC
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("get planned items: %w", err)
	}
	defer rows.Close()

	var items []PlannedItem
	for rows.Next() {
		var it PlannedItem
		if err := rows.Scan(&it.ItemID, &it.OwnerAddress, &it.SignatureKind, &it.ByteCount, &it.UploadedAt, &it.PaymentID, &it.ReservationID, &it.BundleID); err != nil {
			return nil, fmt.Errorf("scan planned item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// PermanentItem mirrors spec §3's DataItem in its `Permanent` state.
type PermanentItem struct {
	ItemID        string
	OwnerAddress  string
	SignatureKind string
	ByteCount     int64
	UploadedAt    time.Time
	PaymentID     *string
	ReservationID *string
	BundleID      string
	VerifiedAt    time.Time
}

// MovePlannedBundleToPermanent implements spec §4.8 step 3: move every
// row in bundleID from planned_item to permanent_item, all within the
// caller's verify transaction. Returns the moved items so the caller can
// drive consumeReservation/finalizeX402 per item.
func MovePlannedBundleToPermanent(ctx context.Context, q Querier, bundleID string, verifiedAt time.Time) ([]PermanentItem, error) {
	items, err := GetPlannedItemsForBundle(ctx, q, bundleID)
	if err != nil {
		return nil, err
	}
	var moved []PermanentItem
	for _, it := range items {
		if _, err := q.Exec(ctx, `DELETE FROM upload.planned_item WHERE item_id = $1`, it.ItemID); err != nil {
			return nil, fmt.Errorf("delete planned_item %s: %w", it.ItemID, err)
		}
		_, err := q.Exec(ctx, `
			INSERT INTO upload.permanent_item
				(item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id, bundle_id, verified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, it.ItemID, it.OwnerAddress, it.SignatureKind, it.ByteCount, it.UploadedAt, it.PaymentID, it.ReservationID, it.BundleID, verifiedAt)
		if err != nil {
			return nil, fmt.Errorf("insert permanent_item %s: %w", it.ItemID, err)
		}
		moved = append(moved, PermanentItem{
			ItemID: it.ItemID, OwnerAddress: it.OwnerAddress, SignatureKind: it.SignatureKind,
			ByteCount: it.ByteCount, UploadedAt: it.UploadedAt, PaymentID: it.PaymentID,
			ReservationID: it.ReservationID, BundleID: it.BundleID, VerifiedAt: verifiedAt,
		})
	}
	return moved, nil
}

// MovePlannedBundleToFailed implements the Planned -> Failed transition
// used by spec §4.7 ("permanent failure -> bundle.status := failed,
// enqueue refund of every reservation in the bundle") and §4.8 step 4
// ("deadline exceeded: mark bundle failed, refund all reservations, move
// items to failed_item(reason=not_confirmed)").
func MovePlannedBundleToFailed(ctx context.Context, q Querier, bundleID, reason string) ([]PlannedItem, error) {
	items, err := GetPlannedItemsForBundle(ctx, q, bundleID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if _, err := q.Exec(ctx, `DELETE FROM upload.planned_item WHERE item_id = $1`, it.ItemID); err != nil {
			return nil, fmt.Errorf("delete planned_item %s: %w", it.ItemID, err)
		}
		_, err := q.Exec(ctx, `
			INSERT INTO upload.failed_item
				(item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id, bundle_id, failure_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, it.ItemID, it.OwnerAddress, it.SignatureKind, it.ByteCount, it.UploadedAt, it.PaymentID, it.ReservationID, it.BundleID, reason)
		if err != nil {
			return nil, fmt.Errorf("insert failed_item %s: %w", it.ItemID, err)
		}
	}
	return items, nil
}
