package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ar-permaweb/turbo/internal/cachestore"
	"github.com/ar-permaweb/turbo/internal/objectstore"
)

// streamToSinks and the price-quote handlers don't touch the database,
// so they're exercised directly; handleTx/handleInitMultipart/
// handleFinalizeMultipart all commit through *pgxpool.Pool-typed
// transactions and are left to integration tests against a live
// Postgres, the same DB-touching-code gap noted for internal/payment and
// internal/upload/duplicate.

func newTestServer() *Server {
	return &Server{
		Raw:               objectstore.NewMemStore(),
		Cache:             cachestore.NewMemStore(),
		MaxItemBytes:      10 << 20,
		CacheMaxItemBytes: 1 << 20,
		MinIngestBPS:      1_000_000,
		PricingBufferPct:  15,
		BytesPerCredit:    1024,
		X402Network:       "eip155:84532",
		X402Asset:         "0xusdc",
		X402PayTo:         "0xgateway",
		X402MaxTimeoutSecs: 30,
	}
}

func TestStreamToSinksWritesRawAndCache(t *testing.T) {
	s := newTestServer()
	body := strings.NewReader("hello world")

	itemID, n, err := s.streamToSinks(context.Background(), body, int64(len("hello world")), "")
	require.NoError(t, err)
	require.Equal(t, int64(len("hello world")), n)
	require.NotEmpty(t, itemID)

	rc, err := s.Raw.Get(context.Background(), rawKey(itemID))
	require.NoError(t, err)
	rc.Close()

	_, ok, err := s.Cache.Get(context.Background(), cacheKey(itemID))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStreamToSinksDeclaredIDMismatch(t *testing.T) {
	s := newTestServer()
	body := strings.NewReader("hello world")

	_, _, err := s.streamToSinks(context.Background(), body, int64(len("hello world")), "not-the-real-hash")
	require.Error(t, err)
}

func TestStreamToSinksMeasuresActualBytesPastDeclaredLength(t *testing.T) {
	s := newTestServer()
	body := strings.NewReader("hello world, and then some more")

	// declare fewer bytes than the body actually carries: byteCount must
	// reflect what was really read, not the declared figure, so the
	// declared-vs-actual deviation survives into the stored item.
	_, n, err := s.streamToSinks(context.Background(), body, int64(len("hello world")), "")
	require.NoError(t, err)
	require.Equal(t, int64(len("hello world, and then some more")), n)
}

func TestStreamToSinksShortReadErrors(t *testing.T) {
	s := newTestServer()
	body := strings.NewReader("short")

	_, _, err := s.streamToSinks(context.Background(), body, int64(len("short")+100), "")
	require.Error(t, err)
}

func TestHandlePriceQuote(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/price/bytes/2048", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleX402Price(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/x402/price/eip3009/0xabc?bytes=2048", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Contains(t, w.Body.String(), "eip-3009")
}
