package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/upload/bundleformat"
	"github.com/ar-permaweb/turbo/internal/upload/db"
)

// Prepare implements spec §4.6: assemble a bundle's framed payload,
// sign its envelope, upload it to the backup bucket, persist offsets,
// and advance the bundle to prepared. Idempotent by bundle_id — a re-run
// overwrites the backup object and re-upserts the same offsets, since
// both are recomputed deterministically from item order.
func (p *Pipeline) Prepare(ctx context.Context, bundleID string) error {
	if _, err := db.GetBundle(ctx, p.DB.Pool, bundleID); err != nil {
		return fmt.Errorf("prepare: load bundle %s: %w", bundleID, err)
	}
	items, err := db.GetPlannedItemsForBundle(ctx, p.DB.Pool, bundleID)
	if err != nil {
		return fmt.Errorf("prepare: load items for %s: %w", bundleID, err)
	}
	if len(items) == 0 {
		return fmt.Errorf("prepare: bundle %s has no planned items", bundleID)
	}

	entries := make([]bundleformat.HeaderEntry, len(items))
	for i, it := range items {
		entries[i] = bundleformat.HeaderEntry{ItemID: it.ItemID, Length: it.ByteCount}
	}
	offsets := bundleformat.Offsets(entries)

	var payload bytes.Buffer
	if err := bundleformat.WriteHeader(&payload, entries); err != nil {
		return fmt.Errorf("prepare: write header for %s: %w", bundleID, err)
	}
	for _, it := range items {
		rc, err := p.Raw.Get(ctx, "raw/"+it.ItemID)
		if err != nil {
			return apperr.Wrap(apperr.Unavailable, fmt.Sprintf("prepare: read item %s", it.ItemID), err)
		}
		copyErr := bundleformat.CopyItem(&payload, rc, it.ByteCount)
		rc.Close()
		if copyErr != nil {
			return fmt.Errorf("prepare: copy item %s into bundle %s: %w", it.ItemID, bundleID, copyErr)
		}
	}

	if p.ServiceKey != nil {
		digest := gethcrypto.Keccak256(payload.Bytes())
		sig, err := gethcrypto.Sign(digest, p.ServiceKey)
		if err != nil {
			return fmt.Errorf("prepare: sign bundle %s: %w", bundleID, err)
		}
		slog.Info("signed bundle envelope", "bundle_id", bundleID, "signature", gethcrypto.PubkeyToAddress(p.ServiceKey.PublicKey).Hex()+":"+fmt.Sprintf("%x", sig[:8]))
	}

	if err := p.Backup.Put(ctx, "backup/"+bundleID, bytes.NewReader(payload.Bytes()), int64(payload.Len())); err != nil {
		return apperr.Wrap(apperr.Unavailable, fmt.Sprintf("prepare: upload bundle %s", bundleID), err)
	}

	offsetRows := make([]db.ItemOffset, len(items))
	for i, it := range items {
		offsetRows[i] = db.ItemOffset{ItemID: it.ItemID, BundleID: bundleID, Offset: offsets[i], Length: it.ByteCount}
	}
	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "prepare: begin tx", err)
	}
	defer tx.Rollback(ctx)
	if err := db.UpsertItemOffsets(ctx, tx, offsetRows); err != nil {
		return fmt.Errorf("prepare: upsert offsets for %s: %w", bundleID, err)
	}
	if err := db.SetBundleStatus(ctx, tx, bundleID, db.BundlePrepared); err != nil {
		return fmt.Errorf("prepare: set bundle %s prepared: %w", bundleID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Unavailable, "prepare: commit", err)
	}

	if err := p.Queue.Enqueue(ctx, queue.LabelPost, []byte(bundleID)); err != nil {
		return fmt.Errorf("prepare: enqueue post %s: %w", bundleID, err)
	}
	return nil
}
