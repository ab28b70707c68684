package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestGetNewItemNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT item_id, owner_address`).
		WithArgs("item_missing").
		WillReturnError(errors.New("no rows"))

	_, err = GetNewItem(context.Background(), mock, "item_missing")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestInsertNewItemAndExistsAnywhere(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	it := &NewItem{
		ItemID: "item_1", OwnerAddress: "0xabc", SignatureKind: "E",
		ByteCount: 1024, UploadedAt: time.Now(),
	}
	mock.ExpectExec(`INSERT INTO upload.new_item`).
		WithArgs(it.ItemID, it.OwnerAddress, it.SignatureKind, it.ByteCount, it.UploadedAt, it.PaymentID, it.ReservationID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, InsertNewItem(context.Background(), mock, it))

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("item_1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	exists, err := ExistsAnywhere(context.Background(), mock, "item_1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMoveNewItemToFailedNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	it := &NewItem{ItemID: "item_gone", OwnerAddress: "0xabc", SignatureKind: "E", ByteCount: 1, UploadedAt: time.Now()}
	mock.ExpectExec(`DELETE FROM upload.new_item`).
		WithArgs(it.ItemID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err = MoveNewItemToFailed(context.Background(), mock, it, "hash_mismatch")
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestFetchPlanCandidates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT item_id, owner_address, signature_kind, byte_count, uploaded_at, payment_id, reservation_id\s+FROM upload.new_item`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"item_id", "owner_address", "signature_kind", "byte_count", "uploaded_at", "payment_id", "reservation_id"}).
			AddRow("item_1", "0xabc", "E", int64(100), now, nil, nil))

	items, err := FetchPlanCandidates(context.Background(), mock, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "item_1", items[0].ItemID)
}
