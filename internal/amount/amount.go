// Package amount converts between ledger minor units and the decimal
// strings operators type and read.
package amount

import (
	"math"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits one major unit is split into.
const Places = 2

var (
	ErrNotPositive = errors.New("amount must be positive")
	ErrPrecision   = errors.New("amount has too many decimal places")
	ErrTooLarge    = errors.New("amount too large")
)

// Format renders minor units as a fixed-point string, e.g. -1250 -> "-12.50".
func Format(minor int64) string {
	return decimal.New(minor, -Places).StringFixed(Places)
}

func FormatUnsigned(minor uint64) string {
	return decimal.NewFromUint64(minor).Shift(-Places).StringFixed(Places)
}

// Parse reads a positive decimal amount into minor units.
func Parse(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse amount %q", s)
	}
	if !d.IsPositive() {
		return 0, ErrNotPositive
	}
	minor := d.Shift(Places)
	if !minor.IsInteger() {
		return 0, ErrPrecision
	}
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrTooLarge
	}
	return uint64(minor.IntPart()), nil
}
