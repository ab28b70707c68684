package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrReservationNotHeld is returned when a consume/refund targets a
// reservation that is not (or is no longer) in the `held` state.
var ErrReservationNotHeld = errors.New("payment/db: reservation not held")

// ReservationStatus is spec §3's reservation.status enum.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationRefunded ReservationStatus = "refunded"
	ReservationExpired  ReservationStatus = "expired"
)

// Reservation mirrors spec §3's Reservation entity. ItemID is nil until
// ingest resolves the content-addressed id after the stream completes
// (spec §4.1 step 2 resolves it only "after the stream completes", while
// reserveCredit itself — per the §4.2 operation table — only takes
// (user, bytes)), set later via SetReservationItem.
type Reservation struct {
	ReservationID   string
	UserAddress     string
	UserAddressKind string
	ItemID          *string
	CreditsReserved int64
	ExpiresAt       time.Time
	Status          ReservationStatus
}

// InsertReservation creates a new held reservation with ItemID unset.
func InsertReservation(ctx context.Context, q Querier, r *Reservation) error {
	_, err := q.Exec(ctx, `
		INSERT INTO payment.reservation
			(reservation_id, user_address, user_address_kind, item_id, credits_reserved, expires_at, status)
		VALUES ($1, $2, $3, NULL, $4, $5, 'held')
	`, r.ReservationID, r.UserAddress, r.UserAddressKind, r.CreditsReserved, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// SetReservationItem attaches the resolved item_id once ingest's stream
// completes and the content-addressed id is known.
func SetReservationItem(ctx context.Context, q Querier, reservationID, itemID string) error {
	_, err := q.Exec(ctx, `UPDATE payment.reservation SET item_id = $2 WHERE reservation_id = $1`, reservationID, itemID)
	if err != nil {
		return fmt.Errorf("set reservation item: %w", err)
	}
	return nil
}

// GetReservationForUpdate row-locks a reservation by id.
func GetReservationForUpdate(ctx context.Context, q Querier, reservationID string) (*Reservation, error) {
	var r Reservation
	err := q.QueryRow(ctx, `
		SELECT reservation_id, user_address, user_address_kind, item_id, credits_reserved, expires_at, status
		FROM payment.reservation
		WHERE reservation_id = $1
		FOR UPDATE
	`, reservationID).Scan(&r.ReservationID, &r.UserAddress, &r.UserAddressKind, &r.ItemID,
		&r.CreditsReserved, &r.ExpiresAt, &r.Status)
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &r, nil
}

// TransitionReservation moves a reservation from `held` to to, returning
// ErrReservationNotHeld if it was no longer held (double-consume guard).
func TransitionReservation(ctx context.Context, q Querier, reservationID string, to ReservationStatus) error {
	tag, err := q.Exec(ctx, `
		UPDATE payment.reservation SET status = $2
		WHERE reservation_id = $1 AND status = 'held'
	`, reservationID, to)
	if err != nil {
		return fmt.Errorf("transition reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotHeld
	}
	return nil
}

// SweepExpiredReservations transitions every held reservation whose
// expires_at has passed to `expired` (spec §4.2 expireReservations, run by
// a sweeper every 60s) and returns the reservation ids it expired so the
// caller can refund any side-effects tied to them.
func SweepExpiredReservations(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.Query(ctx, `
		UPDATE payment.reservation SET status = 'expired'
		WHERE status = 'held' AND expires_at < NOW()
		RETURNING reservation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("sweep expired reservations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired reservation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
