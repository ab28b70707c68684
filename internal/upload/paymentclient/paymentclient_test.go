package paymentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/svcauth"
)

func testIssuer() *svcauth.Issuer {
	return svcauth.NewIssuer([]byte("secret"), "upload", time.Minute)
}

func TestReserveSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/private/reserve", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ReserveResponse{ReservationID: "rsv_1", Credits: 11500})
	}))
	defer srv.Close()

	c := New(srv.URL, testIssuer())
	resp, err := c.Reserve(context.Background(), ReserveRequest{User: "0xabc", UserKind: "E", Bytes: 1024})
	require.NoError(t, err)
	require.Equal(t, "rsv_1", resp.ReservationID)
	require.Equal(t, int64(11500), resp.Credits)
}

func TestReserveInsufficientCredit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]string{"kind": "InsufficientCredit", "detail": "reservation would exceed balance"})
	}))
	defer srv.Close()

	c := New(srv.URL, testIssuer())
	_, err := c.Reserve(context.Background(), ReserveRequest{User: "0xabc", UserKind: "E", Bytes: 1024})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.InsufficientCredit))
}

func TestConsumeUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", testIssuer())
	err := c.Consume(context.Background(), ConsumeRequest{ReservationID: "rsv_1"})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.Unavailable))
}
