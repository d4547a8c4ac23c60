// Package money models currency amounts in the smallest currency unit.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradecredit/creditdesk/internal/shared"
)

// Amount is a non-fractional count of the smallest currency unit.
type Amount int64

// Zero amount.
const Zero Amount = 0

var hundred = decimal.NewFromInt(100)

// Int64 returns the raw unit count.
func (a Amount) Int64() int64 { return int64(a) }

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// Decimal converts the amount for percentage arithmetic.
func (a Amount) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(a)) }

// PercentScale is the number of fractional digits a stored percentage keeps.
const PercentScale = 4

// ValidatePercent checks pct lies in [0, 100] and carries at most
// PercentScale fractional digits, so it survives storage unchanged.
func ValidatePercent(pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return fmt.Errorf("%w: percentage %s outside [0,100]", shared.ErrInvalidInput, pct.String())
	}
	if !pct.Equal(pct.Truncate(PercentScale)) {
		return fmt.Errorf("%w: percentage %s has more than %d fractional digits", shared.ErrInvalidInput, pct.String(), PercentScale)
	}
	return nil
}

// ApplyPercent returns round-half-up(a * pct / 100).
func ApplyPercent(a Amount, pct decimal.Decimal) (Amount, error) {
	if err := ValidatePercent(pct); err != nil {
		return 0, err
	}
	// decimal.Round rounds half away from zero, which is half-up for the
	// non-negative amounts handled here.
	v := a.Decimal().Mul(pct).Div(hundred).Round(0)
	return Amount(v.IntPart()), nil
}

// Split divides total into n parts using floor division and assigns the
// remainder to the last part, so the parts always sum to total.
func Split(total Amount, n int) ([]Amount, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: split into %d parts", shared.ErrInvalidInput, n)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: negative total %d", shared.ErrInvalidInput, total)
	}
	base := total / Amount(n)
	parts := make([]Amount, n)
	for i := range parts {
		parts[i] = base
	}
	parts[n-1] += total - base*Amount(n)
	return parts, nil
}

// ParsePercent parses a decimal percentage string such as "30" or "12.5".
func ParsePercent(raw string) (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: percentage %q: %v", shared.ErrInvalidInput, raw, err)
	}
	if err := ValidatePercent(pct); err != nil {
		return decimal.Zero, err
	}
	return pct, nil
}
