package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/upload/db"
)

// opticalHTTPTimeout bounds each bridge POST so a slow/unreachable
// optical endpoint never stalls the worker pool.
const opticalHTTPTimeout = 5 * time.Second

// opticalMaxAttempts is spec §4.9's "retries capped at 3" for opticalPost.
const opticalMaxAttempts = 3

var opticalHTTPClient = &http.Client{Timeout: opticalHTTPTimeout}

type opticalEnvelope struct {
	ItemID       string `json:"itemId"`
	OwnerAddress string `json:"ownerAddress"`
	ByteCount    int64  `json:"byteCount"`
	UploadedAt   string `json:"uploadedAt"`
}

// OpticalPost implements spec §4.9's opticalPost side job: best-effort
// metadata hand-off to every configured optical bridge, bearer-
// authenticated, capped at opticalMaxAttempts per bridge, never blocking
// or failing the item's own progress — a bridge outage is logged and
// swallowed, not propagated as a worker error.
func (p *Pipeline) OpticalPost(ctx context.Context, itemID string) error {
	it, err := db.GetNewItem(ctx, p.DB.Pool, itemID)
	if err != nil {
		return nil // item already moved on; nothing left to announce
	}

	envelope, err := json.Marshal(opticalEnvelope{
		ItemID:       it.ItemID,
		OwnerAddress: it.OwnerAddress,
		ByteCount:    it.ByteCount,
		UploadedAt:   it.UploadedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("opticalPost: marshal envelope for %s: %w", itemID, err)
	}

	for _, bridgeURL := range p.OpticalBridgeURLs {
		if err := p.postToBridge(ctx, bridgeURL, envelope); err != nil {
			slog.Warn("optical bridge post failed", "item_id", itemID, "bridge", bridgeURL, "err", err)
		}
	}
	return nil
}

func (p *Pipeline) postToBridge(ctx context.Context, bridgeURL string, envelope []byte) error {
	var lastErr error
	for attempt := 1; attempt <= opticalMaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, bridgeURL, bytes.NewReader(envelope))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.OpticalAdminToken)

		resp, err := opticalHTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("bridge returned status %d", resp.StatusCode)
	}
	return lastErr
}

// PutOffsets implements spec §4.9's putOffsets side job: ensure a
// placeholder item_offset row exists so a read can locate this item's
// bytes in the raw bucket before it has been bundled.
func (p *Pipeline) PutOffsets(ctx context.Context, itemID string) error {
	it, err := db.GetNewItem(ctx, p.DB.Pool, itemID)
	if err != nil {
		return nil // already moved past new_item; prepare's real offsets supersede this
	}
	if err := db.UpsertPlaceholderOffset(ctx, p.DB.Pool, itemID, it.ByteCount); err != nil {
		return fmt.Errorf("putOffsets: upsert placeholder for %s: %w", itemID, err)
	}
	return nil
}

// CleanupFs implements spec §4.9's cleanupFs side job: once a bundle is
// verified, delete its items' raw objects unless RawRetention is "keep".
// The backup object is never deleted here, since it is the durable
// source of truth until the storage network itself is trusted
// exclusively.
func (p *Pipeline) CleanupFs(ctx context.Context, bundleID string) error {
	if p.RawRetention == "keep" {
		return nil
	}
	items, err := db.GetItemOffsets(ctx, p.DB.Pool, bundleID)
	if err != nil {
		return fmt.Errorf("cleanupFs: load offsets for %s: %w", bundleID, err)
	}
	for _, it := range items {
		if err := p.Raw.Delete(ctx, "raw/"+it.ItemID); err != nil {
			return fmt.Errorf("cleanupFs: delete raw object %s: %w", it.ItemID, err)
		}
	}
	return nil
}

// OversizedItem implements spec §4.5 step 3's single-concurrency worker:
// items too large for any bundle are posted standalone by allocating a
// synthetic one-item bundle and feeding it into the normal prepare/post/
// verify pipeline unchanged.
func (p *Pipeline) OversizedItem(ctx context.Context, itemID string) error {
	it, err := db.GetNewItem(ctx, p.DB.Pool, itemID)
	if err != nil {
		if errors.Is(err, db.ErrItemNotFound) {
			return nil
		}
		return fmt.Errorf("oversizedItem: load %s: %w", itemID, err)
	}

	bundleID := bundleIDFor(itemID)
	if err := p.commitBundle(ctx, bundleID, packedBundle{items: []db.NewItem{*it}, byteCount: it.ByteCount}); err != nil {
		return fmt.Errorf("oversizedItem: commit standalone bundle %s: %w", bundleID, err)
	}
	if err := p.Queue.Enqueue(ctx, queue.LabelPrepare, []byte(bundleID)); err != nil {
		return fmt.Errorf("oversizedItem: enqueue prepare %s: %w", bundleID, err)
	}
	return nil
}

// bdiManifestEntry describes one inner item packed inside a nested-bundle
// (BDI) container, per the container's own framing header.
type bdiManifestEntry struct {
	ItemID       string `json:"itemId"`
	OwnerAddress string `json:"ownerAddress"`
	Offset       int64  `json:"offset"`
	Length       int64  `json:"length"`
}

// UnbundleBdi is the unbundleBdi side job of spec §4.4 step 4. It decodes
// the container's JSON manifest and writes a placeholder item_offset row
// for each inner item listed there. It does not create new_item rows,
// duplicate-guard entries or pipeline jobs for the inner items, so they
// do not go through plan/prepare/post/verify on their own. The outer
// container's own new_item row is left
// untouched — it still gets planned, prepared, posted, and verified as
// one opaque blob; unbundling only concerns the reads/receipts path.
func (p *Pipeline) UnbundleBdi(ctx context.Context, itemID string) error {
	if _, err := db.GetNewItem(ctx, p.DB.Pool, itemID); err != nil {
		if errors.Is(err, db.ErrItemNotFound) {
			return nil
		}
		return fmt.Errorf("unbundleBdi: load %s: %w", itemID, err)
	}

	rc, err := p.Raw.Get(ctx, "raw/"+itemID)
	if err != nil {
		return fmt.Errorf("unbundleBdi: read container %s: %w", itemID, err)
	}
	defer rc.Close()

	var manifest []bdiManifestEntry
	if err := json.NewDecoder(rc).Decode(&manifest); err != nil {
		return fmt.Errorf("unbundleBdi: decode manifest for %s: %w", itemID, err)
	}

	for _, entry := range manifest {
		if err := db.UpsertPlaceholderOffset(ctx, p.DB.Pool, entry.ItemID, entry.Length); err != nil {
			return fmt.Errorf("unbundleBdi: placeholder offset for inner item %s: %w", entry.ItemID, err)
		}
	}
	return nil
}
