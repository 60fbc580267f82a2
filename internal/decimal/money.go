package decimal

import (
	"github.com/shopspring/decimal"
)

// FractionDigits is the fixed number of fractional digits used when amounts are serialized
const FractionDigits = 2

// Zero is decimal zero
var Zero = decimal.Zero

// FormatFixed renders an amount with exactly two fractional digits, "." as
// separator and no grouping, so numerically equal values format identically.
// Rounds half away from zero.
func FormatFixed(d decimal.Decimal) string {
	return d.StringFixed(FractionDigits)
}

// Round2 rounds to two places
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(FractionDigits)
}

// IsNonNegative returns true if decimal is >= zero
func IsNonNegative(d decimal.Decimal) bool {
	return d.GreaterThanOrEqual(Zero)
}

// ConsistentTotals reports whether net + tax equals gross at two-digit precision
func ConsistentTotals(net, tax, gross decimal.Decimal) bool {
	return Round2(net.Add(tax)).Equal(Round2(gross))
}
