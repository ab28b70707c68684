package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyBufferPctRoundsUp(t *testing.T) {
	assert.Equal(t, Credits(115), ApplyBufferPct(100, 15))
	// 101 * 1.15 = 116.15, must ceil to 117, not truncate to 116.
	assert.Equal(t, Credits(117), ApplyBufferPct(101, 15))
}

func TestBufferPortion(t *testing.T) {
	assert.Equal(t, Credits(15), BufferPortion(115, 100))
	assert.Equal(t, Credits(0), BufferPortion(100, 115), "reserved below base must clamp to zero, not go negative")
}

func TestDeviationPct(t *testing.T) {
	assert.True(t, DeviationPct(100, 110).Equal(decimal.NewFromInt(10)))
	assert.True(t, DeviationPct(100, 90).Equal(decimal.NewFromInt(-10)))
	assert.True(t, DeviationPct(0, 50).IsZero(), "zero declared must not divide by zero")
}

func TestProportionalRefund(t *testing.T) {
	got := ProportionalRefund(1000, decimal.NewFromInt(-10))
	assert.Equal(t, Credits(100), got, "refund magnitude should use the absolute deviation")
}

func TestUSDCCreditsRoundTrip(t *testing.T) {
	rate := decimal.NewFromInt(1000) // 1000 credits per USDC
	credits, err := USDCToCredits("2000000", rate) // 2 USDC
	require.NoError(t, err)
	assert.Equal(t, Credits(2000), credits)

	atomic := CreditsToUSDCAtomic(credits, rate)
	assert.Equal(t, "2000000", atomic)
}

func TestCreditsToUSDCAtomicZeroRate(t *testing.T) {
	assert.Equal(t, "0", CreditsToUSDCAtomic(500, decimal.Zero))
}

func TestUSDCToCreditsInvalidString(t *testing.T) {
	_, err := USDCToCredits("not-a-number", decimal.NewFromInt(1))
	assert.Error(t, err)
}
