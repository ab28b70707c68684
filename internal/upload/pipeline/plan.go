package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/upload/db"
)

// packedBundle is one first-fit-decreasing bin the packer has filled.
type packedBundle struct {
	items     []db.NewItem
	byteCount int64
}

// Plan implements spec §4.5: fetch candidates, first-fit-decreasing pack
// them into bundles bounded by MAX_BUNDLE_BYTES/MAX_ITEMS_PER_BUNDLE,
// route oversized items to the oversizedItem queue, and commit each new
// bundle's item moves in its own transaction so one bundle's failure
// doesn't roll back bundles already committed in this invocation.
func (p *Pipeline) Plan(ctx context.Context) error {
	candidates, err := fetchPlanCandidatesTx(ctx, p)
	if err != nil {
		return fmt.Errorf("plan: fetch candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	var fitting []db.NewItem
	for _, it := range candidates {
		if it.ByteCount > p.MaxBundleBytes {
			if err := p.Queue.Enqueue(ctx, queue.LabelOversized, []byte(it.ItemID)); err != nil {
				return fmt.Errorf("plan: enqueue oversizedItem %s: %w", it.ItemID, err)
			}
			continue
		}
		fitting = append(fitting, it)
	}

	bundles := firstFitDecreasing(fitting, p.MaxBundleBytes, p.MaxItemsPerBundle)
	for _, b := range bundles {
		bundleID := bundleIDFor(b.items[0].ItemID)
		if err := p.commitBundle(ctx, bundleID, b); err != nil {
			return fmt.Errorf("plan: commit bundle %s: %w", bundleID, err)
		}
		if err := p.Queue.Enqueue(ctx, queue.LabelPrepare, []byte(bundleID)); err != nil {
			return fmt.Errorf("plan: enqueue prepare %s: %w", bundleID, err)
		}
	}
	return nil
}

func fetchPlanCandidatesTx(ctx context.Context, p *Pipeline) ([]db.NewItem, error) {
	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	items, err := db.FetchPlanCandidates(ctx, tx, p.PlanCandidates)
	if err != nil {
		return nil, err
	}
	return items, tx.Commit(ctx)
}

func (p *Pipeline) commitBundle(ctx context.Context, bundleID string, b packedBundle) error {
	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := db.InsertBundle(ctx, tx, bundleID, b.byteCount, len(b.items)); err != nil {
		return err
	}
	if err := db.MoveItemsToBundle(ctx, tx, bundleID, b.items); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// firstFitDecreasing sorts items by byte_count, largest first, with older
// items first among equal sizes (spec §4.5 step 2's tie-break), then
// places each into the first open bundle it fits in by both byte and
// item-count bound, opening a new bundle when none fits. The returned
// bundles are ordered by the upload time of their first item.
func firstFitDecreasing(items []db.NewItem, maxBundleBytes int64, maxItemsPerBundle int) []packedBundle {
	sorted := append([]db.NewItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ByteCount != sorted[j].ByteCount {
			return sorted[i].ByteCount > sorted[j].ByteCount
		}
		return sorted[i].UploadedAt.Before(sorted[j].UploadedAt)
	})
	var bundles []packedBundle
	for _, it := range sorted {
		placed := false
		for i := range bundles {
			if bundles[i].byteCount+it.ByteCount <= maxBundleBytes && len(bundles[i].items) < maxItemsPerBundle {
				bundles[i].items = append(bundles[i].items, it)
				bundles[i].byteCount += it.ByteCount
				placed = true
				break
			}
		}
		if !placed {
			bundles = append(bundles, packedBundle{items: []db.NewItem{it}, byteCount: it.ByteCount})
		}
	}
	sort.SliceStable(bundles, func(i, j int) bool {
		return bundles[i].items[0].UploadedAt.Before(bundles[j].items[0].UploadedAt)
	})
	return bundles
}
