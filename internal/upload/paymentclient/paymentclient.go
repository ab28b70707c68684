// Package paymentclient is the Upload service's typed client for the
// Payment service's private surface (spec §6), wrapped by
// internal/breaker per spec §5 ("a circuit breaker wraps the
// Upload->Payment call") and authenticated with a short-lived
// internal/svcauth bearer token on every request. Grounded on the
// teacher's gateway/x402/facilitator.go RemoteFacilitator request shape
// (bounded http.Client, JSON POST, typed response struct) and
// gateway/proxy/rpc.go's header-stripping idiom, adapted here to strip
// nothing inbound (this is an outbound client, not a proxy) but to set
// exactly the headers the private surface expects and none that leak
// upload-side client identity.
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/breaker"
	"github.com/ar-permaweb/turbo/internal/svcauth"
)

// Client calls the payment service's /private/* routes.
type Client struct {
	baseURL string
	http    *http.Client
	issuer  *svcauth.Issuer
	breaker *breaker.Breaker
}

// New builds a Client targeting baseURL (e.g. PAYMENT_BASE_URL), signing
// every request with a token minted by issuer and wrapping every call in
// a circuit breaker named "payment".
func New(baseURL string, issuer *svcauth.Issuer) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		issuer:  issuer,
		breaker: breaker.New("payment"),
	}
}

func (c *Client) do(ctx context.Context, path string, req, resp any) error {
	_, err := c.breaker.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.post(ctx, path, req, resp)
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal payment request", err)
	}

	token, err := c.issuer.Issue("upload")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "issue service token", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "build payment request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "payment service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "read payment response", err)
	}
	if resp.StatusCode >= 400 {
		return kindFromStatus(resp.StatusCode, raw)
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return apperr.Wrap(apperr.Internal, "decode payment response", err)
	}
	return nil
}

// errorEnvelope mirrors internal/httpx's error body shape.
type errorEnvelope struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func kindFromStatus(status int, raw []byte) error {
	var env errorEnvelope
	_ = json.Unmarshal(raw, &env)
	if env.Kind != "" {
		return apperr.New(apperr.Kind(env.Kind), env.Detail)
	}
	switch status {
	case http.StatusPaymentRequired:
		return apperr.New(apperr.InsufficientCredit, string(raw))
	case http.StatusForbidden:
		return apperr.New(apperr.UserBanned, string(raw))
	case http.StatusServiceUnavailable:
		return apperr.New(apperr.Unavailable, string(raw))
	default:
		return apperr.New(apperr.Internal, fmt.Sprintf("payment service returned %d: %s", status, raw))
	}
}

// ReserveRequest/Response mirror spec §6's POST /private/reserve.
type ReserveRequest struct {
	User     string `json:"user"`
	UserKind string `json:"userKind"`
	Bytes    int64  `json:"bytes"`
}

type ReserveResponse struct {
	ReservationID string `json:"reservationId"`
	Credits       int64  `json:"credits"`
}

func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResponse, error) {
	var resp ReserveResponse
	if err := c.do(ctx, "/private/reserve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConsumeRequest mirrors spec §6's POST /private/consume.
type ConsumeRequest struct {
	ReservationID      string `json:"reservationId"`
	ActualPriceCredits int64  `json:"actualPriceCredits"`
}

func (c *Client) Consume(ctx context.Context, req ConsumeRequest) error {
	return c.do(ctx, "/private/consume", req, nil)
}

// RefundRequest mirrors spec §6's POST /private/refund.
type RefundRequest struct {
	ReservationID string `json:"reservationId"`
}

func (c *Client) Refund(ctx context.Context, req RefundRequest) error {
	return c.do(ctx, "/private/refund", req, nil)
}

// AdjustRequest mirrors spec §6's POST /private/adjust.
type AdjustRequest struct {
	User     string `json:"user"`
	UserKind string `json:"userKind"`
	Delta    int64  `json:"delta"`
	Reason   string `json:"reason"`
	RefID    string `json:"refId"`
}

func (c *Client) Adjust(ctx context.Context, req AdjustRequest) error {
	return c.do(ctx, "/private/adjust", req, nil)
}

// VerifyAndSettleRequest/Response mirror spec §6's POST
// /private/x402/verifyAndSettle.
type VerifyAndSettleRequest struct {
	User          string `json:"user"`
	UserKind      string `json:"userKind"`
	PaymentHeader string `json:"paymentHeader"`
	DeclaredBytes int64  `json:"declaredBytes"`
	Mode          string `json:"mode"`
}

type VerifyAndSettleResponse struct {
	PaymentID     string `json:"paymentId"`
	TxHash        string `json:"txHash"`
	WincPaid      int64  `json:"wincPaid"`
	WincReserved  int64  `json:"wincReserved"`
	WincCredited  int64  `json:"wincCredited"`
	Mode          string `json:"mode"`
	ReservationID string `json:"reservationId,omitempty"`
}

func (c *Client) VerifyAndSettle(ctx context.Context, req VerifyAndSettleRequest) (*VerifyAndSettleResponse, error) {
	var resp VerifyAndSettleResponse
	if err := c.do(ctx, "/private/x402/verifyAndSettle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinalizeRequest/Response mirror spec §6's POST /private/x402/finalize.
type FinalizeRequest struct {
	PaymentID       string `json:"paymentId"`
	DataItemID      string `json:"dataItemId"`
	ActualByteCount int64  `json:"actualByteCount"`
}

type FinalizeResponse struct {
	Status          string `json:"status"`
	ActualByteCount int64  `json:"actualByteCount"`
	RefundWinc      int64  `json:"refundWinc"`
	FraudType       string `json:"fraudType"`
	ActionTaken     string `json:"actionTaken"`
}

func (c *Client) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResponse, error) {
	var resp FinalizeResponse
	if err := c.do(ctx, "/private/x402/finalize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
