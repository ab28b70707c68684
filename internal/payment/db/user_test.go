package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateUserForUpdate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"address", "address_kind", "balance_credits"}).
		AddRow("0xabc", "E", int64(0))
	mock.ExpectQuery(`INSERT INTO payment\."user"`).
		WithArgs("0xabc", "E").
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT address, address_kind, balance_credits`).
		WithArgs("0xabc", "E").
		WillReturnRows(pgxmock.NewRows([]string{"address", "address_kind", "balance_credits"}).
			AddRow("0xabc", "E", int64(0)))

	u, err := GetOrCreateUserForUpdate(context.Background(), mock, "0xabc", "E")
	require.NoError(t, err)
	require.Equal(t, "0xabc", u.Address)
	require.Equal(t, int64(0), u.BalanceCredits)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetBalanceNoSuchUser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE payment\."user" SET balance_credits`).
		WithArgs("0xabc", "E", int64(100)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = SetBalance(context.Background(), mock, "0xabc", "E", 100)
	require.ErrorIs(t, err, ErrNoSuchUser)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSumHeldReservations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(credits_reserved\), 0\)`).
		WithArgs("0xabc", "E").
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(42)))

	sum, err := SumHeldReservations(context.Background(), mock, "0xabc", "E")
	require.NoError(t, err)
	require.Equal(t, int64(42), sum)
}
