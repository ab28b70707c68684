package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/payment/x402types"
)

func TestRemoteSettleSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/settle", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "txHash": "0xabc"})
	}))
	defer srv.Close()

	f := NewRemote(srv.URL)
	txHash, err := f.Settle(context.Background(), x402types.Authorization{}, x402types.NetworkConfig{Network: "base-sepolia"})
	require.NoError(t, err)
	require.Equal(t, "0xabc", txHash)
}

func TestRemoteSettleRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "errorReason": "insufficient_funds"})
	}))
	defer srv.Close()

	f := NewRemote(srv.URL)
	_, err := f.Settle(context.Background(), x402types.Authorization{}, x402types.NetworkConfig{})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.SettlementFailed))
}

func TestRemoteSettleHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewRemote(srv.URL)
	_, err := f.Settle(context.Background(), x402types.Authorization{}, x402types.NetworkConfig{})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.SettlementFailed))
}

type fakeClient struct {
	txHash string
	err    error
	called int
}

func (f *fakeClient) Settle(ctx context.Context, auth x402types.Authorization, netCfg x402types.NetworkConfig) (string, error) {
	f.called++
	return f.txHash, f.err
}

func TestWithFallbackUsesPrimaryOnSuccess(t *testing.T) {
	primary := &fakeClient{txHash: "0x1"}
	secondary := &fakeClient{txHash: "0x2"}
	wf := &WithFallback{Primary: primary, Secondary: secondary}

	txHash, err := wf.Settle(context.Background(), x402types.Authorization{}, x402types.NetworkConfig{})
	require.NoError(t, err)
	require.Equal(t, "0x1", txHash)
	require.Equal(t, 0, secondary.called)
}

func TestWithFallbackFallsBackOnPrimaryError(t *testing.T) {
	primary := &fakeClient{err: apperr.New(apperr.Unavailable, "down")}
	secondary := &fakeClient{txHash: "0x2"}
	wf := &WithFallback{Primary: primary, Secondary: secondary}

	txHash, err := wf.Settle(context.Background(), x402types.Authorization{}, x402types.NetworkConfig{})
	require.NoError(t, err)
	require.Equal(t, "0x2", txHash)
	require.Equal(t, 1, secondary.called)
}

func TestWithFallbackNoSecondaryPropagatesError(t *testing.T) {
	primary := &fakeClient{err: apperr.New(apperr.Unavailable, "down")}
	wf := &WithFallback{Primary: primary}

	_, err := wf.Settle(context.Background(), x402types.Authorization{}, x402types.NetworkConfig{})
	require.Error(t, err)
}
