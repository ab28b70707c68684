package breaker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ar-permaweb/turbo/internal/apperr"
)

func TestBreakerPassesThroughSuccess(t *testing.T) {
	b := New("test")
	result, err := b.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestBreakerTripsAfterFailureRatio(t *testing.T) {
	b := New("test-trip")
	failing := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, _ = b.Do(context.Background(), func(ctx context.Context) (any, error) {
			return nil, failing
		})
	}

	_, err := b.Do(context.Background(), func(ctx context.Context) (any, error) {
		t.Fatal("fn must not be called while breaker is open")
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Unavailable), "an open breaker must surface apperr.Unavailable")
}
