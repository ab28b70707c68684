package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/queue"
	"github.com/ar-permaweb/turbo/internal/upload/db"
	"github.com/ar-permaweb/turbo/internal/upload/paymentclient"
)

// verifyBackoffCap bounds the re-enqueue delay while waiting for
// confirmations (spec §4.8 step 2).
const verifyBackoffCap = 30 * time.Minute

// Verify implements spec §4.8: poll the storage network for inclusion
// depth, re-enqueuing itself with backoff until either confirmed or the
// deadline passes. attempt is the queue delivery attempt and sets the
// backoff exponent; the deadline check uses only elapsed wall time since
// posted_at, so a bundle still unconfirmed 24h after posting fails out.
func (p *Pipeline) Verify(ctx context.Context, bundleID string, attempt int) error {
	bundle, err := db.GetBundle(ctx, p.DB.Pool, bundleID)
	if err != nil {
		return fmt.Errorf("verify: load bundle %s: %w", bundleID, err)
	}
	if bundle.Status == db.BundleVerified || bundle.Status == db.BundleFailed {
		return nil // already resolved by a previous delivery
	}
	if bundle.PostedAt == nil {
		return fmt.Errorf("verify: bundle %s has no posted_at, not ready to verify", bundleID)
	}

	confirmations, err := p.Storage.Confirmations(ctx, bundleID)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, fmt.Sprintf("verify: query confirmations for %s", bundleID), err)
	}

	if confirmations >= p.minConfirmations() {
		return p.commitVerified(ctx, bundleID)
	}

	deadline := time.Duration(p.verifyDeadline()) * time.Second
	if p.Clock.Now().Sub(*bundle.PostedAt) >= deadline {
		return p.failDeadlineExceeded(ctx, bundleID)
	}

	delay := queue.BackoffDelay(time.Second, attempt+1, verifyBackoffCap)
	if err := p.Queue.EnqueueDelayed(ctx, queue.LabelVerify, []byte(bundleID), delay); err != nil {
		return fmt.Errorf("verify: re-enqueue %s: %w", bundleID, err)
	}
	return nil
}

func (p *Pipeline) minConfirmations() int {
	if p.MinConfirmations <= 0 {
		return 3
	}
	return p.MinConfirmations
}

func (p *Pipeline) verifyDeadline() int64 {
	if p.VerifyDeadline <= 0 {
		return 24 * 3600
	}
	return p.VerifyDeadline
}

// commitVerified implements spec §4.8 step 3: move every item in the
// bundle from planned_item to permanent_item, mark the bundle verified,
// then settle payment per item outside the transaction (consumeReservation
// for reservation-funded items, finalizeX402 for x402-settled ones).
func (p *Pipeline) commitVerified(ctx context.Context, bundleID string) error {
	now := p.Clock.Now()
	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("verify: begin commit tx for %s: %w", bundleID, err)
	}
	defer tx.Rollback(ctx)

	items, err := db.MovePlannedBundleToPermanent(ctx, tx, bundleID, now)
	if err != nil {
		return fmt.Errorf("verify: move bundle %s to permanent: %w", bundleID, err)
	}
	if err := db.SetBundleVerified(ctx, tx, bundleID, now); err != nil {
		return fmt.Errorf("verify: set bundle %s verified: %w", bundleID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("verify: commit %s: %w", bundleID, err)
	}

	for _, it := range items {
		// Every item with a held reservation gets it consumed here
		// (spec §4.8 step 3's consumeReservation), x402 or not — a payg
		// or hybrid x402 item still holds a reservation for its price
		// portion alongside its payment row, and that reservation is
		// never released anywhere else.
		if it.ReservationID != nil {
			if err := p.Payment.Consume(ctx, paymentclient.ConsumeRequest{
				ReservationID:      *it.ReservationID,
				ActualPriceCredits: p.basePriceCredits(it.ByteCount),
			}); err != nil {
				return fmt.Errorf("verify: consume reservation for %s: %w", it.ItemID, err)
			}
		}
		if it.PaymentID != nil {
			if _, err := p.Payment.Finalize(ctx, paymentclient.FinalizeRequest{
				PaymentID:       *it.PaymentID,
				DataItemID:      it.ItemID,
				ActualByteCount: it.ByteCount,
			}); err != nil {
				return fmt.Errorf("verify: finalize x402 payment for %s: %w", it.ItemID, err)
			}
		}
	}
	return nil
}

// failDeadlineExceeded implements spec §4.8 step 4: mark the bundle
// failed, refund every reservation, and move its items to failed_item.
func (p *Pipeline) failDeadlineExceeded(ctx context.Context, bundleID string) error {
	tx, err := p.DB.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("verify: begin fail tx for %s: %w", bundleID, err)
	}
	defer tx.Rollback(ctx)

	items, err := db.MovePlannedBundleToFailed(ctx, tx, bundleID, "not_confirmed")
	if err != nil {
		return fmt.Errorf("verify: move bundle %s to failed: %w", bundleID, err)
	}
	if err := db.SetBundleStatus(ctx, tx, bundleID, db.BundleFailed); err != nil {
		return fmt.Errorf("verify: set bundle %s failed: %w", bundleID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("verify: commit fail tx for %s: %w", bundleID, err)
	}

	for _, it := range items {
		if it.ReservationID == nil {
			continue
		}
		if err := p.Payment.Refund(ctx, paymentclient.RefundRequest{ReservationID: *it.ReservationID}); err != nil {
			return fmt.Errorf("verify: refund %s after deadline: %w", it.ItemID, err)
		}
	}
	return nil
}
