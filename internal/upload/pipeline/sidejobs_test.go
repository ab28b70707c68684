package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostToBridgeSucceedsAndSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Pipeline{OpticalAdminToken: "secret-token"}
	err := p.postToBridge(context.Background(), srv.URL, []byte(`{"itemId":"x"}`))
	require.NoError(t, err)
	require.Equal(t, "Bearer secret-token", gotAuth)
}

func TestPostToBridgeRetriesUpToMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := &Pipeline{OpticalAdminToken: "tok"}
	err := p.postToBridge(context.Background(), srv.URL, []byte(`{}`))
	require.Error(t, err)
	require.Equal(t, int32(opticalMaxAttempts), atomic.LoadInt32(&calls))
}

func TestPostToBridgeStopsRetryingOnFirstSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &Pipeline{OpticalAdminToken: "tok"}
	err := p.postToBridge(context.Background(), srv.URL, []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
