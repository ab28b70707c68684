// Package priceoracle defines the pricing interface spec §1 scopes out
// ("the price oracle; only the credit-balance ledger they feed is
// specified") plus a deterministic stand-in implementation so the ledger
// and x402 pipeline are independently testable without a live oracle.
package priceoracle

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ar-permaweb/turbo/internal/money"
)

// Oracle prices byte counts in credits, and converts credits to the
// token's smallest unit for x402 quoting (spec §4.3 step 7: "two-step
// oracle (bytes -> native credit -> fiat-stable)").
type Oracle interface {
	// PriceBytes returns the base (unbuffered) credit price for n bytes.
	PriceBytes(ctx context.Context, n int64) (money.Credits, error)

	// CreditsPerUSDC returns the current credits-per-USDC exchange rate.
	CreditsPerUSDC(ctx context.Context) (decimal.Decimal, error)
}

// Static is a deterministic Oracle: a fixed credits-per-byte rate and a
// fixed credits-per-USDC rate, with no network call and no drift — used
// in tests and as the default until a live oracle is wired in.
type Static struct {
	CreditsPerByte decimal.Decimal
	CreditsPerUSD  decimal.Decimal
}

// NewStatic builds a Static oracle from plain int64 rates.
func NewStatic(creditsPerByte, creditsPerUSDC int64) *Static {
	return &Static{
		CreditsPerByte: decimal.NewFromInt(creditsPerByte),
		CreditsPerUSD:  decimal.NewFromInt(creditsPerUSDC),
	}
}

func (s *Static) PriceBytes(_ context.Context, n int64) (money.Credits, error) {
	price := decimal.NewFromInt(n).Mul(s.CreditsPerByte).Ceil()
	return money.Credits(price.IntPart()), nil
}

func (s *Static) CreditsPerUSDC(_ context.Context) (decimal.Decimal, error) {
	return s.CreditsPerUSD, nil
}
