package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAndKindOf(t *testing.T) {
	err := New(InsufficientCredit, "not enough credits")
	assert.True(t, Is(err, InsufficientCredit))
	assert.False(t, Is(err, TooLarge))
	assert.Equal(t, InsufficientCredit, KindOf(err))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("plain error")))
}

func TestWrapPreservesCauseChain(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(Unavailable, "facilitator settle", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapAcrossFmtErrorf(t *testing.T) {
	inner := New(Duplicate, "item already exists")
	outer := fmt.Errorf("ingest: %w", inner)
	assert.True(t, Is(outer, Duplicate))
	assert.Equal(t, Duplicate, KindOf(outer))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		BadRequest:         http.StatusBadRequest,
		ContentMismatch:    http.StatusBadRequest,
		Duplicate:          http.StatusConflict,
		InProgress:         http.StatusConflict,
		TooLarge:           http.StatusRequestEntityTooLarge,
		InsufficientCredit: http.StatusPaymentRequired,
		PaymentRequired:    http.StatusPaymentRequired,
		NonceReplayed:      http.StatusPaymentRequired,
		SignatureInvalid:   http.StatusPaymentRequired,
		UserBanned:         http.StatusForbidden,
		RateLimited:        http.StatusTooManyRequests,
		Unavailable:        http.StatusServiceUnavailable,
		SettlementFailed:   http.StatusServiceUnavailable,
		Timeout:            http.StatusGatewayTimeout,
		Internal:           http.StatusInternalServerError,
		FraudPenalty:       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind %s", kind)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(Unavailable))
	assert.True(t, Retryable(Timeout))
	assert.True(t, Retryable(SettlementFailed))
	assert.False(t, Retryable(BadRequest))
	assert.False(t, Retryable(Duplicate))
}
