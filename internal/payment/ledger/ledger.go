// Package ledger implements the payment reservation state machine of spec
// §4.2: reserveCredit, consumeReservation, refundReservation, adjustBalance,
// expireReservations — all atomic, all audited, every mutation serialized
// on the user row lock (spec §5 "the user row is the hot lock"). Grounded
// on yv-was-taken-stronghold's reserve/commit pattern (conditional UPDATE
// ... WHERE status=$n guarding state transitions) and the teacher's
// straight-line error-wrapping style.
package ledger

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/clock"
	"github.com/ar-permaweb/turbo/internal/money"
	"github.com/ar-permaweb/turbo/internal/payment/db"
	"github.com/ar-permaweb/turbo/internal/payment/priceoracle"
)

// Ledger wraps a DB pool, a price oracle, and the reservation TTL/buffer
// config needed by reserveCredit.
type Ledger struct {
	DB            *db.DB
	Oracle        priceoracle.Oracle
	Clock         clock.Clock
	BufferPct     int           // PRICING_BUFFER_PCT, default 15
	ReservationTTL time.Duration // RESERVATION_TTL_SECS, default 1h
}

// withUserTxRetry runs fn inside a transaction, retrying on serialization
// failure with jittered backoff (spec §4.2 "deadlock retry with jitter").
func (l *Ledger) withUserTxRetry(ctx context.Context, fn func(ctx context.Context, tx db.Querier) error) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := l.DB.BeginTx(ctx)
		if err != nil {
			return apperr.Wrap(apperr.Unavailable, "begin transaction", err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback(ctx)
			if isRetryable(err) && attempt < maxAttempts-1 {
				lastErr = err
				jitter := time.Duration(rand.Intn(50)) * time.Millisecond
				time.Sleep(time.Duration(attempt+1)*20*time.Millisecond + jitter)
				continue
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return apperr.Wrap(apperr.Unavailable, "transaction retries exhausted", lastErr)
}

func isRetryable(err error) bool {
	// Serialization/deadlock errors surface as generic errors from pgx;
	// anything not already a typed apperr is treated as a candidate for
	// retry, since business-rule failures are always wrapped in apperr.
	_, ok := err.(*apperr.Error)
	return !ok
}

// ReserveCredit implements spec §4.2's reserveCredit: price the upload,
// check balance against held reservations, insert a held reservation.
func (l *Ledger) ReserveCredit(ctx context.Context, userAddress, userKind string, declaredBytes int64) (reservationID string, credits money.Credits, err error) {
	err = l.withUserTxRetry(ctx, func(ctx context.Context, tx db.Querier) error {
		banned, berr := db.IsBanned(ctx, tx, userAddress)
		if berr != nil {
			return apperr.Wrap(apperr.Internal, "check ban", berr)
		}
		if banned {
			return apperr.New(apperr.UserBanned, "user is banned")
		}

		user, uerr := db.GetOrCreateUserForUpdate(ctx, tx, userAddress, userKind)
		if uerr != nil {
			return apperr.Wrap(apperr.Internal, "lock user", uerr)
		}

		basePrice, perr := l.Oracle.PriceBytes(ctx, declaredBytes)
		if perr != nil {
			return apperr.Wrap(apperr.Internal, "price oracle", perr)
		}
		price := money.ApplyBufferPct(basePrice, l.BufferPct)

		held, serr := db.SumHeldReservations(ctx, tx, userAddress, userKind)
		if serr != nil {
			return apperr.Wrap(apperr.Internal, "sum held reservations", serr)
		}

		if user.BalanceCredits < held+int64(price) {
			return apperr.New(apperr.InsufficientCredit, "reservation would exceed balance")
		}

		reservationID = "rsv_" + uuid.New().String()
		expiresAt := l.Clock.Now().Add(l.ReservationTTL)
		if ierr := db.InsertReservation(ctx, tx, &db.Reservation{
			ReservationID:   reservationID,
			UserAddress:     userAddress,
			UserAddressKind: userKind,
			CreditsReserved: int64(price),
			ExpiresAt:       expiresAt,
		}); ierr != nil {
			return apperr.Wrap(apperr.Internal, "insert reservation", ierr)
		}

		if aerr := db.InsertAuditLog(ctx, tx, userAddress, 0, db.ReasonReservationHold, reservationID, user.BalanceCredits); aerr != nil {
			return apperr.Wrap(apperr.Internal, "audit reservation hold", aerr)
		}

		credits = price
		return nil
	})
	return reservationID, credits, err
}

// ConsumeReservation implements spec §4.2's consumeReservation: held →
// consumed, decrement balance by credits_reserved, release unused buffer
// (spec's "unused buffer is released on consumeReservation via a paired
// adjustBalance"), audit both.
func (l *Ledger) ConsumeReservation(ctx context.Context, reservationID string, actualPriceCredits money.Credits) error {
	return l.withUserTxRetry(ctx, func(ctx context.Context, tx db.Querier) error {
		r, gerr := db.GetReservationForUpdate(ctx, tx, reservationID)
		if gerr != nil {
			return apperr.Wrap(apperr.BadRequest, "reservation not found", gerr)
		}
		if r.Status != db.ReservationHeld {
			return apperr.New(apperr.BadRequest, "reservation not held")
		}

		user, uerr := db.GetOrCreateUserForUpdate(ctx, tx, r.UserAddress, r.UserAddressKind)
		if uerr != nil {
			return apperr.Wrap(apperr.Internal, "lock user", uerr)
		}

		if terr := db.TransitionReservation(ctx, tx, reservationID, db.ReservationConsumed); terr != nil {
			return apperr.Wrap(apperr.Internal, "transition reservation", terr)
		}

		newBalance := user.BalanceCredits - r.CreditsReserved
		if newBalance < 0 {
			return apperr.New(apperr.Internal, "consume would go negative")
		}
		if serr := db.SetBalance(ctx, tx, r.UserAddress, r.UserAddressKind, newBalance); serr != nil {
			return apperr.Wrap(apperr.Internal, "set balance", serr)
		}
		if aerr := db.InsertAuditLog(ctx, tx, r.UserAddress, -r.CreditsReserved, db.ReasonReservationConsume, reservationID, newBalance); aerr != nil {
			return apperr.Wrap(apperr.Internal, "audit consume", aerr)
		}

		buffer := money.BufferPortion(money.Credits(r.CreditsReserved), actualPriceCredits)
		if buffer > 0 {
			refunded := newBalance + int64(buffer)
			if serr := db.SetBalance(ctx, tx, r.UserAddress, r.UserAddressKind, refunded); serr != nil {
				return apperr.Wrap(apperr.Internal, "refund buffer", serr)
			}
			if aerr := db.InsertAuditLog(ctx, tx, r.UserAddress, int64(buffer), db.ReasonOverpaymentRefund, reservationID, refunded); aerr != nil {
				return apperr.Wrap(apperr.Internal, "audit buffer refund", aerr)
			}
		}
		return nil
	})
}

// RefundReservation implements spec §4.2's refundReservation: held →
// refunded, no balance change since funds were never debited.
func (l *Ledger) RefundReservation(ctx context.Context, reservationID string) error {
	return l.withUserTxRetry(ctx, func(ctx context.Context, tx db.Querier) error {
		r, gerr := db.GetReservationForUpdate(ctx, tx, reservationID)
		if gerr != nil {
			return apperr.Wrap(apperr.BadRequest, "reservation not found", gerr)
		}
		if r.Status != db.ReservationHeld {
			return apperr.New(apperr.BadRequest, "reservation not held")
		}
		if terr := db.TransitionReservation(ctx, tx, reservationID, db.ReservationRefunded); terr != nil {
			return apperr.Wrap(apperr.Internal, "transition reservation", terr)
		}
		return db.InsertAuditLog(ctx, tx, r.UserAddress, 0, db.ReasonReservationRefund, reservationID, 0)
	})
}

// AdjustBalance implements spec §4.2's adjustBalance: balance += delta
// (delta may be negative for fraud penalties applied out-of-band, but the
// resulting balance must never go negative).
func (l *Ledger) AdjustBalance(ctx context.Context, userAddress, userKind string, delta int64, reason db.AuditReason, refID string) error {
	return l.withUserTxRetry(ctx, func(ctx context.Context, tx db.Querier) error {
		user, uerr := db.GetOrCreateUserForUpdate(ctx, tx, userAddress, userKind)
		if uerr != nil {
			return apperr.Wrap(apperr.Internal, "lock user", uerr)
		}
		newBalance := user.BalanceCredits + delta
		if newBalance < 0 {
			return apperr.New(apperr.BadRequest, "adjustment would go negative")
		}
		if serr := db.SetBalance(ctx, tx, userAddress, userKind, newBalance); serr != nil {
			return apperr.Wrap(apperr.Internal, "set balance", serr)
		}
		return db.InsertAuditLog(ctx, tx, userAddress, delta, reason, refID, newBalance)
	})
}

// ExpireReservations implements spec §4.2's expireReservations: sweep
// every held reservation past its expires_at. Run by a sweeper every 60s
// (spec default).
func (l *Ledger) ExpireReservations(ctx context.Context) (int, error) {
	var expired []string
	err := l.withUserTxRetry(ctx, func(ctx context.Context, tx db.Querier) error {
		ids, serr := db.SweepExpiredReservations(ctx, tx)
		if serr != nil {
			return apperr.Wrap(apperr.Internal, "sweep expired reservations", serr)
		}
		expired = ids
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}
