package math

// Protocol-wide fixed-point scales. All ratios and spreads live in the BPS
// domain, borrow and emission rates in the rate domain.
const (
	BPSDecimals int32  = 4
	BPSPower    uint64 = 10_000

	USDDecimals int32  = 6
	USDPower    uint64 = 1_000_000

	// Canonical exponent for prices returned by the pricing engine.
	PriceDecimals int32 = 6

	RateDecimals int32  = 9
	RatePower    uint64 = 1_000_000_000

	// LP token decimals match USD so the first provider mints 1:1.
	LPDecimals int32 = 6

	// Borrow rates are per hour; accrual is linear within the hour.
	SecondsPerHour int64 = 3_600
)
