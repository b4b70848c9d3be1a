// Package money holds the single-currency amount helpers shared by the
// ledger, escrow and payout packages.
//
// Amounts are decimal.Decimal values with two fractional digits (rupees and
// paise). The payment gateway speaks integer minor units; ToMinor/FromMinor
// convert at that boundary only.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every stored amount.
const Scale = 2

var (
	ErrInvalidAmount = errors.New("invalid amount")

	hundred = decimal.NewFromInt(100)
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse reads a positive decimal amount such as "1000" or "12.50".
// More than two fractional digits, negatives and zero are rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !d.IsPositive() || !d.Equal(d.Round(Scale)) {
		return decimal.Zero, ErrInvalidAmount
	}
	return d.Round(Scale), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: invalid amount " + s)
	}
	return d
}

// Round rounds half away from zero to Scale digits.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// SplitFee computes the platform fee on gross and the net remainder.
// feePercent is a fraction (0.10 = 10%). fee + net == gross exactly.
func SplitFee(gross, feePercent decimal.Decimal) (fee, net decimal.Decimal) {
	fee = Round(gross.Mul(feePercent))
	net = gross.Sub(fee)
	return fee, net
}

// PercentOf returns amount × percent / 100 rounded to Scale.
func PercentOf(amount decimal.Decimal, percent int) decimal.Decimal {
	return Round(amount.Mul(decimal.NewFromInt(int64(percent))).Div(hundred))
}

// ToMinor converts to integer minor units (paise).
func ToMinor(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

// FromMinor converts integer minor units back to an amount.
func FromMinor(units int64) decimal.Decimal {
	return decimal.New(units, -Scale)
}

// Format renders an amount with exactly two fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
