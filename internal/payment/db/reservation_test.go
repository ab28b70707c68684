package db

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestTransitionReservationNotHeld(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE payment.reservation SET status`).
		WithArgs("rsv_1", ReservationConsumed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = TransitionReservation(context.Background(), mock, "rsv_1", ReservationConsumed)
	require.ErrorIs(t, err, ErrReservationNotHeld)
}

func TestTransitionReservationSucceeds(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE payment.reservation SET status`).
		WithArgs("rsv_1", ReservationConsumed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = TransitionReservation(context.Background(), mock, "rsv_1", ReservationConsumed)
	require.NoError(t, err)
}

func TestInsertReservationAndFetch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expires := time.Now().Add(time.Hour)
	mock.ExpectExec(`INSERT INTO payment.reservation`).
		WithArgs("rsv_1", "0xabc", "E", int64(100), expires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = InsertReservation(context.Background(), mock, &Reservation{
		ReservationID:   "rsv_1",
		UserAddress:     "0xabc",
		UserAddressKind: "E",
		CreditsReserved: 100,
		ExpiresAt:       expires,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepExpiredReservations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`UPDATE payment.reservation SET status = 'expired'`).
		WillReturnRows(pgxmock.NewRows([]string{"reservation_id"}).AddRow("rsv_1").AddRow("rsv_2"))

	ids, err := SweepExpiredReservations(context.Background(), mock)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"rsv_1", "rsv_2"}, ids)
}
