package duplicate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-permaweb/turbo/internal/cachestore"
)

func TestTTLForFloor(t *testing.T) {
	require.Equal(t, 600*time.Second, TTLFor(1024, 1_000_000))
}

func TestTTLForScalesWithSize(t *testing.T) {
	// 10 GiB at 1 MB/s should dwarf the 600s floor.
	ttl := TTLFor(10*1024*1024*1024, 1_000_000)
	require.Greater(t, ttl, 600*time.Second)
}

func TestLockReleaseOnlyOwner(t *testing.T) {
	cache := cachestore.NewMemStore()
	g := &Guard{Cache: cache}

	won, err := cache.SetNX(context.Background(), inflightKey("item_1"), []byte("owner-a"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// A lock constructed with the wrong owner tag must not release the
	// real owner's key.
	impostor := &Lock{guard: g, itemID: "item_1", owner: []byte("owner-b")}
	require.NoError(t, impostor.Release(context.Background()))
	_, ok, err := cache.Get(context.Background(), inflightKey("item_1"))
	require.NoError(t, err)
	require.True(t, ok, "impostor release must not remove the real owner's lock")

	real := &Lock{guard: g, itemID: "item_1", owner: []byte("owner-a")}
	require.NoError(t, real.Release(context.Background()))
	_, ok, err = cache.Get(context.Background(), inflightKey("item_1"))
	require.NoError(t, err)
	require.False(t, ok)
}
