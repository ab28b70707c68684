package db

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestInsertAndGetBundle(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO upload.bundle`).
		WithArgs("bdl_1", int64(2048), 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, InsertBundle(context.Background(), mock, "bdl_1", 2048, 2))

	now := time.Now()
	mock.ExpectQuery(`SELECT bundle_id, planned_at, posted_at, verified_at, byte_count, item_count, status\s+FROM upload.bundle`).
		WithArgs("bdl_1").
		WillReturnRows(pgxmock.NewRows([]string{"bundle_id", "planned_at", "posted_at", "verified_at", "byte_count", "item_count", "status"}).
			AddRow("bdl_1", now, nil, nil, int64(2048), 2, BundlePlanned))

	b, err := GetBundle(context.Background(), mock, "bdl_1")
	require.NoError(t, err)
	require.Equal(t, BundlePlanned, b.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetBundleStatusNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE upload.bundle SET status`).
		WithArgs("bdl_missing", BundleFailed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = SetBundleStatus(context.Background(), mock, "bdl_missing", BundleFailed)
	require.ErrorIs(t, err, ErrBundleNotFound)
}

func TestSetBundlePosted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectExec(`UPDATE upload.bundle SET status = 'posted'`).
		WithArgs("bdl_1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, SetBundlePosted(context.Background(), mock, "bdl_1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}
