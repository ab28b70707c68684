package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorePutGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("hello world")), 11))

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))
}

func TestMemStoreGetRange(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("0123456789")), 10))

	rc, err := s.GetRange(ctx, "k", 2, 3)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "234", string(b))
}

func TestMemStoreGetRangeClampsPastEnd(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("01234")), 5))

	rc, err := s.GetRange(ctx, "k", 3, 100)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "34", string(b))
}

func TestMemStoreDeleteMissingIsNotError(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Delete(context.Background(), "nope"))
}

func TestMemStoreGetMissing(t *testing.T) {
	s := NewMemStore()
	_, err := s.Get(context.Background(), "nope")
	assert.Error(t, err)
}
