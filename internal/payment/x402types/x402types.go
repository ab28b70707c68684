// Package x402types holds the wire types shared by internal/payment/x402
// and internal/payment/facilitator, kept in their own package so neither
// imports the other. Shapes follow spec §4.3/§6 and the teacher's
// x402/middleware.go payload structs exactly, adapted to the header shape
// spec.md actually specifies (flat authorization fields, not the
// teacher's nested "accepted"/"payload" v2 schema).
package x402types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Authorization is the EIP-3009 TransferWithAuthorization payload spec
// §4.3 "Header shape" describes.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"-"` // carried alongside, not part of the typed-data struct itself
}

// PaymentHeader is the parsed form of the base64 `X-PAYMENT` header body
// (spec §4.3): `{version, scheme, network, payload:{authorization, signature}}`.
type PaymentHeader struct {
	Version int    `json:"version"`
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Payload struct {
		Authorization Authorization `json:"authorization"`
		Signature     string        `json:"signature"`
	} `json:"payload"`
}

// ParseHeader decodes and validates the base64(JSON) `X-PAYMENT` header.
func ParseHeader(raw string) (*PaymentHeader, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("x402: invalid base64: %w", err)
	}
	var h PaymentHeader
	if err := json.Unmarshal(decoded, &h); err != nil {
		return nil, fmt.Errorf("x402: invalid payload json: %w", err)
	}
	if h.Scheme != "eip-3009" {
		return nil, fmt.Errorf("x402: unsupported scheme %q", h.Scheme)
	}
	if h.Payload.Authorization.From == "" || h.Payload.Authorization.Nonce == "" {
		return nil, fmt.Errorf("x402: missing authorization fields")
	}
	h.Payload.Authorization.Signature = h.Payload.Signature
	return &h, nil
}

// NetworkConfig is the per-network EIP-712 domain + settlement data the
// server needs to verify and settle payments on that network.
type NetworkConfig struct {
	Network        string // CAIP-2-ish identifier, e.g. "base-mainnet"
	ChainID        int64
	USDCAddress    string
	DomainName     string
	DomainVersion  string
	PayToAddress   string
	RPCURL         string // empty for Remote-facilitator-only networks
	Enabled        bool
}
