package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-permaweb/turbo/internal/upload/db"
)

// Most of this package's workers commit through *pgxpool.Pool-typed
// transactions and are left to integration tests against a live
// Postgres (the same gap noted for internal/upload/ingest and
// internal/upload/duplicate). The pure-logic pieces below — id
// derivation, bin packing, and pricing math — don't touch the database
// and are exercised directly.

func TestComputeItemIDIsDeterministic(t *testing.T) {
	a := ComputeItemID([]byte("hello world"))
	b := ComputeItemID([]byte("hello world"))
	require.Equal(t, a, b)
	require.Len(t, a, 43)
	require.NotEqual(t, a, ComputeItemID([]byte("hello world!")))
}

func TestBundleIDForIsDeterministicAndPrefixed(t *testing.T) {
	id := bundleIDFor("first-item")
	require.True(t, len(id) > len("bdl_"))
	require.Equal(t, id, bundleIDFor("first-item"))
	require.NotEqual(t, id, bundleIDFor("other-item"))
}

func TestFirstFitDecreasingPacksWithinBounds(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []db.NewItem{
		{ItemID: "a", ByteCount: 600, UploadedAt: base},
		{ItemID: "b", ByteCount: 300, UploadedAt: base.Add(time.Minute)},
		{ItemID: "c", ByteCount: 500, UploadedAt: base.Add(2 * time.Minute)},
		{ItemID: "d", ByteCount: 100, UploadedAt: base.Add(3 * time.Minute)},
	}

	bundles := firstFitDecreasing(items, 1000, 10)

	var total int
	for _, b := range bundles {
		require.LessOrEqual(t, b.byteCount, int64(1000))
		total += len(b.items)
	}
	require.Equal(t, len(items), total)
}

func TestFirstFitDecreasingRespectsItemCountBound(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := make([]db.NewItem, 5)
	for i := range items {
		items[i] = db.NewItem{ItemID: string(rune('a' + i)), ByteCount: 1, UploadedAt: base.Add(time.Duration(i) * time.Second)}
	}

	bundles := firstFitDecreasing(items, 1_000_000, 2)

	for _, b := range bundles {
		require.LessOrEqual(t, len(b.items), 2)
	}
	require.Equal(t, 3, len(bundles)) // 5 items, max 2 per bundle -> 3 bundles
}

func TestFirstFitDecreasingOldestBundleFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []db.NewItem{
		{ItemID: "old", ByteCount: 900, UploadedAt: base},
		{ItemID: "new", ByteCount: 900, UploadedAt: base.Add(time.Hour)},
	}

	bundles := firstFitDecreasing(items, 1000, 10)
	require.Len(t, bundles, 2)
	require.Equal(t, "old", bundles[0].items[0].ItemID)
	require.Equal(t, "new", bundles[1].items[0].ItemID)
}

func TestBasePriceCreditsRoundsUpToOne(t *testing.T) {
	p := &Pipeline{BytesPerCredit: 1024}
	require.Equal(t, int64(1), p.basePriceCredits(10))
	require.Equal(t, int64(2), p.basePriceCredits(2048))
}

func TestBasePriceCreditsDefaultsWhenUnset(t *testing.T) {
	p := &Pipeline{}
	require.Equal(t, int64(10), p.basePriceCredits(10))
}
