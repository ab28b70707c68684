package ingest

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/httpx"
	"github.com/ar-permaweb/turbo/internal/upload/paymentclient"
)

// X402Network, X402Asset and X402PayTo describe the quote this surface
// advertises to unfunded clients (spec §6's x402 price route); the
// payment service is the actual settlement authority and re-derives the
// same facilitator details independently.
type x402Accept struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Asset             string            `json:"asset"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             map[string]string `json:"extra"`
}

type x402PriceResponse struct {
	X402Version int           `json:"x402Version"`
	Accepts     []x402Accept  `json:"accepts"`
}

// handleX402Price implements spec §6's GET /v1/x402/price/{kind}/{addr}:
// an HTTP 402 carrying the standard x402 accepts array, priced from the
// same advisory byte estimate /v1/price/bytes uses (the payment service
// re-prices authoritatively through its oracle in §4.3 step 7).
func (s *Server) handleX402Price(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	addr := chi.URLParam(r, "addr")
	bytesN, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
	if err != nil || bytesN <= 0 {
		httpx.WriteError(w, apperr.New(apperr.BadRequest, "bytes query param must be a positive integer"))
		return
	}

	quote := priceQuote(bytesN, s.BytesPerCredit, s.PricingBufferPct)
	httpx.WriteJSON(w, http.StatusPaymentRequired, x402PriceResponse{
		X402Version: 1,
		Accepts: []x402Accept{{
			Scheme:            "eip-3009",
			Network:           s.X402Network,
			MaxAmountRequired: strconv.FormatInt(quote.Credits, 10),
			Resource:          "/v1/x402/payment/" + kind + "/" + addr,
			Asset:             s.X402Asset,
			PayTo:             s.X402PayTo,
			MaxTimeoutSeconds: s.X402MaxTimeoutSecs,
			Extra:             map[string]string{"name": "turbo-upload", "version": "1"},
		}},
	})
}

type x402PaymentRequest struct {
	PaymentHeader string `json:"paymentHeader"`
	DataItemID    string `json:"dataItemId"`
	ByteCount     int64  `json:"byteCount"`
	Mode          string `json:"mode"`
}

// handleX402Payment implements spec §6's POST /v1/x402/payment/{kind}/
// {addr}: it proxies straight to the payment service's verifyAndSettle,
// since the upload service holds no facilitator credentials itself
// (spec §4.3's verification sequence is entirely payment-side).
func (s *Server) handleX402Payment(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	kind := chi.URLParam(r, "kind")

	var req x402PaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	if req.Mode == "" {
		req.Mode = "payg"
	}

	resp, err := s.Payment.VerifyAndSettle(r.Context(), paymentclient.VerifyAndSettleRequest{
		User: addr, UserKind: kind, PaymentHeader: req.PaymentHeader, DeclaredBytes: req.ByteCount, Mode: req.Mode,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type x402FinalizeRequest struct {
	DataItemID      string `json:"dataItemId"`
	ActualByteCount int64  `json:"actualByteCount"`
	PaymentID       string `json:"paymentId"`
}

// handleX402Finalize implements spec §6's POST /v1/x402/finalize: an
// internal hook the verify worker also drives directly through
// paymentclient.Finalize (spec §4.8 step 3); this HTTP route exists for
// operational replay/backfill rather than the pipeline's own hot path.
func (s *Server) handleX402Finalize(w http.ResponseWriter, r *http.Request) {
	var req x402FinalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}
	resp, err := s.Payment.Finalize(r.Context(), paymentclient.FinalizeRequest{
		PaymentID: req.PaymentID, DataItemID: req.DataItemID, ActualByteCount: req.ActualByteCount,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
