// Package money centralizes the fixed-point arithmetic used for credit
// pricing, the reservation buffer, USDC/credit conversion, and fraud
// deviation percentages. Grounded on shopspring/decimal, the library
// LerianStudio-midaz uses for its ledger money math — plain int64/float64
// is the wrong tool here because credits, buffer percentages, and USDC's
// 6-decimal atomic units all need exact, non-floating arithmetic.
package money

import "github.com/shopspring/decimal"

// Credits is an integer count of the smallest upload-currency unit.
type Credits int64

// ApplyBufferPct returns price inflated by pct percent (e.g. pct=15 means
// +15%), rounded up to the nearest whole credit so the reservation never
// under-covers the oracle's quote.
func ApplyBufferPct(price Credits, pct int) Credits {
	base := decimal.NewFromInt(int64(price))
	factor := decimal.NewFromInt(100 + int64(pct)).Div(decimal.NewFromInt(100))
	return Credits(base.Mul(factor).Ceil().IntPart())
}

// BufferPortion returns the part of reserved that exceeds base (the
// unused buffer released back to the user at consume time).
func BufferPortion(reserved, base Credits) Credits {
	d := reserved - base
	if d < 0 {
		return 0
	}
	return d
}

// DeviationPct returns the signed percentage deviation of actual from
// declared: (actual-declared)/declared * 100.
func DeviationPct(declared, actual int64) decimal.Decimal {
	if declared == 0 {
		return decimal.Zero
	}
	d := decimal.NewFromInt(actual - declared)
	base := decimal.NewFromInt(declared)
	return d.Div(base).Mul(decimal.NewFromInt(100))
}

// ProportionalRefund returns credits * |deviationPct| / 100, used when
// finalizeX402 detects meaningful underpayment-by-bytes and refunds the
// user proportionally to the overpayment.
func ProportionalRefund(credits Credits, deviationPct decimal.Decimal) Credits {
	abs := deviationPct.Abs()
	refund := decimal.NewFromInt(int64(credits)).Mul(abs).Div(decimal.NewFromInt(100))
	return Credits(refund.Floor().IntPart())
}

// USDCToCredits converts a decimal-string USDC atomic-unit amount (6
// decimals) to credits at the given credits-per-USDC rate.
func USDCToCredits(usdcAtomic string, creditsPerUSDC decimal.Decimal) (Credits, error) {
	v, err := decimal.NewFromString(usdcAtomic)
	if err != nil {
		return 0, err
	}
	// USDC atomic units are 10^-6 USDC.
	usdc := v.Div(decimal.NewFromInt(1_000_000))
	return Credits(usdc.Mul(creditsPerUSDC).Floor().IntPart()), nil
}

// CreditsToUSDCAtomic is the inverse of USDCToCredits, used to price an
// upload in the token's smallest unit for the x402 quote.
func CreditsToUSDCAtomic(c Credits, creditsPerUSDC decimal.Decimal) string {
	if creditsPerUSDC.IsZero() {
		return "0"
	}
	usdc := decimal.NewFromInt(int64(c)).Div(creditsPerUSDC)
	atomic := usdc.Mul(decimal.NewFromInt(1_000_000)).Ceil()
	return atomic.String()
}
