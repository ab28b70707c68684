package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestUpsertItemOffsets(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO upload.item_offset`).
		WithArgs("item_1", "bdl_1", int64(0), int64(100)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = UpsertItemOffsets(context.Background(), mock, []ItemOffset{{ItemID: "item_1", BundleID: "bdl_1", Offset: 0, Length: 100}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetItemOffsets(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT item_id, bundle_id, offset_, length FROM upload.item_offset`).
		WithArgs("bdl_1").
		WillReturnRows(pgxmock.NewRows([]string{"item_id", "bundle_id", "offset_", "length"}).
			AddRow("item_1", "bdl_1", int64(0), int64(100)).
			AddRow("item_2", "bdl_1", int64(100), int64(50)))

	offsets, err := GetItemOffsets(context.Background(), mock, "bdl_1")
	require.NoError(t, err)
	require.Len(t, offsets, 2)
	require.Equal(t, int64(100), offsets[1].Offset)
}
