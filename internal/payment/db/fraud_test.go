package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestIsBannedTrue(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payment.ban`).
		WithArgs("0xabc").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	banned, err := IsBanned(context.Background(), mock, "0xabc")
	require.NoError(t, err)
	require.True(t, banned)
}

func TestIsBannedFalse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payment.ban`).
		WithArgs("0xabc").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

	banned, err := IsBanned(context.Background(), mock, "0xabc")
	require.NoError(t, err)
	require.False(t, banned)
}

func TestCountFraudLast30Days(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payment.fraud_attempt`).
		WithArgs("0xabc").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	n, err := CountFraudLast30Days(context.Background(), mock, "0xabc")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestInsertFraudRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO payment.fraud_attempt`).
		WithArgs("0xabc", "x402_1", int64(100), int64(110), decimal.NewFromInt(10), SeverityMinor, "fraud_penalty").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = InsertFraudRecord(context.Background(), mock, &FraudRecord{
		UserAddress:  "0xabc",
		PaymentID:    "x402_1",
		Declared:     100,
		Actual:       110,
		DeviationPct: decimal.NewFromInt(10),
		Severity:     SeverityMinor,
		Action:       "fraud_penalty",
	})
	require.NoError(t, err)
}
