package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lets every test in this file run against both MemStore
// and RedisStore (backed by miniredis), so the two implementations are
// held to the same contract.
func storeFactories(t *testing.T) map[string]Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return map[string]Store{
		"mem":   NewMemStore(),
		"redis": NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
	}
}

func TestStoreSetGet(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
			val, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v", string(val))
		})
	}
}

func TestStoreSetNX(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			won, err := s.SetNX(ctx, "lock", []byte("owner-a"), time.Minute)
			require.NoError(t, err)
			assert.True(t, won)

			won, err = s.SetNX(ctx, "lock", []byte("owner-b"), time.Minute)
			require.NoError(t, err)
			assert.False(t, won, "second SetNX on a held key must lose the race")
		})
	}
}

func TestStoreCompareAndDelete(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.SetNX(ctx, "lock", []byte("owner-a"), time.Minute)
			require.NoError(t, err)

			ok, err := s.CompareAndDelete(ctx, "lock", []byte("owner-b"))
			require.NoError(t, err)
			assert.False(t, ok, "a non-owner must not release the lock")

			ok, err = s.CompareAndDelete(ctx, "lock", []byte("owner-a"))
			require.NoError(t, err)
			assert.True(t, ok, "the owner must be able to release the lock")

			_, ok, err = s.Get(ctx, "lock")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreIncr(t *testing.T) {
	for name, s := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			n, err := s.Incr(ctx, "counter", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			n, err = s.Incr(ctx, "counter", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	mr.FastForward(20 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired key must not be returned")
}

func TestMemStoreExpiry(t *testing.T) {
	s := NewMemStore()
	now := time.Now()
	s.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	now = now.Add(20 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
