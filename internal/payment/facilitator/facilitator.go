// Package facilitator implements spec §4.3 step 8: settlement of a signed
// EIP-3009 authorization by an external facilitator, with a bounded
// timeout and at most one fallback facilitator. Grounded directly on the
// teacher's gateway/x402/facilitator.go RemoteFacilitator (same /settle
// POST shape, same bounded http.Client timeout; /verify is not called) and
// gateway/x402/local_facilitator.go (self-settling via ethclient — kept
// as the no-external-dependency alternative).
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/payment/x402types"
)

// Client settles a verified EIP-3009 authorization and returns the
// resulting on-chain transaction hash.
type Client interface {
	Settle(ctx context.Context, auth x402types.Authorization, networkCfg x402types.NetworkConfig) (txHash string, err error)
}

// Remote talks to an x402-facilitator-compatible REST API. It calls only
// /settle; signature verification happens locally in internal/payment/x402.
type Remote struct {
	url    string
	client *http.Client
}

// NewRemote builds a Remote facilitator bound to facilitatorURL with
// spec §4.3's default 30s settlement timeout.
func NewRemote(facilitatorURL string) *Remote {
	return &Remote{url: facilitatorURL, client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *Remote) Settle(ctx context.Context, auth x402types.Authorization, networkCfg x402types.NetworkConfig) (string, error) {
	body, err := json.Marshal(map[string]any{
		"x402Version": 1,
		"paymentPayload": map[string]any{
			"scheme":  "eip-3009",
			"network": networkCfg.Network,
			"payload": map[string]any{
				"authorization": auth,
				"signature":     auth.Signature,
			},
		},
		"paymentRequirements": map[string]any{
			"scheme":  "exact",
			"network": networkCfg.Network,
			"asset":   networkCfg.USDCAddress,
			"payTo":   networkCfg.PayToAddress,
		},
	})
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "marshal settle body", err)
	}

	var resp struct {
		Success      bool   `json:"success"`
		TxHash       string `json:"txHash"`
		ErrorReason  string `json:"errorReason"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := f.post(ctx, "/settle", body, &resp); err != nil {
		return "", apperr.Wrap(apperr.SettlementFailed, "facilitator settle", err)
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if resp.ErrorMessage != "" {
			reason += ": " + resp.ErrorMessage
		}
		return "", apperr.New(apperr.SettlementFailed, "settlement rejected: "+reason)
	}
	return resp.TxHash, nil
}

func (f *Remote) post(ctx context.Context, path string, body []byte, dst any) error {
	url := f.url + path
	slog.Debug("facilitator request", "url", url, "body", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	slog.Debug("facilitator response", "url", url, "status", resp.StatusCode, "body", string(respBody))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("facilitator returned %d: %s", resp.StatusCode, respBody)
	}
	return json.Unmarshal(respBody, dst)
}

// WithFallback tries primary, and on any error falls back to secondary —
// spec §4.3 step 8: "retried through at most one fallback facilitator."
type WithFallback struct {
	Primary   Client
	Secondary Client
}

func (f *WithFallback) Settle(ctx context.Context, auth x402types.Authorization, networkCfg x402types.NetworkConfig) (string, error) {
	txHash, err := f.Primary.Settle(ctx, auth, networkCfg)
	if err == nil {
		return txHash, nil
	}
	if f.Secondary == nil {
		return "", err
	}
	slog.Warn("primary facilitator failed, trying fallback", "err", err)
	return f.Secondary.Settle(ctx, auth, networkCfg)
}
