// Package money converts between decimal dollar amounts and the integer
// cents the store persists.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Zero is $0.00.
var Zero = decimal.Zero

// Max is the largest amount the ledger accepts for a single job or fund
// movement. Sums of such amounts still fit int64 cents.
var Max = decimal.New(1, 12)

// InRange reports whether d is positive and no larger than Max.
func InRange(d decimal.Decimal) bool {
	return d.IsPositive() && d.LessThanOrEqual(Max)
}

// FromCents returns the dollar amount for c cents.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// Cents rounds d half-up to the cent and returns it as integer cents.
func Cents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

// Round rounds half-up (away from zero) to the cent.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Parse reads a dollar amount such as "1500", "1500.5" or "$1,500.50".
func Parse(s string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(clean, "$")
	clean = strings.ReplaceAll(clean, ",", "")
	if clean == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// String renders d with exactly two decimals.
func String(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Format renders d as a dollar string, e.g. "$270.00".
func Format(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
