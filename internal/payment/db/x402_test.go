package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestInsertNonceReplayed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO payment.x402_nonce`).
		WithArgs("0xnonce", "0xfrom", "base-sepolia").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = InsertNonce(context.Background(), mock, "0xnonce", "0xfrom", "base-sepolia")
	require.ErrorIs(t, err, ErrNonceReplayed)
}

func TestInsertNonceSucceeds(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO payment.x402_nonce`).
		WithArgs("0xnonce", "0xfrom", "base-sepolia").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = InsertNonce(context.Background(), mock, "0xnonce", "0xfrom", "base-sepolia")
	require.NoError(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, isUniqueViolation(nil))
}
