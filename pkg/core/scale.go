package core

import (
	"github.com/shopspring/decimal"
)

// StroopScale is the exponent of the ledger's sub-unit: 10^7 stroops per unit.
const StroopScale = 7

var stroopFactor = decimal.New(1, StroopScale)

// ToStroops converts a decimal amount to integer stroops, rounding half away
// from zero at the final digit. Amounts that do not fit a signed 64-bit
// integer are a client-input error.
func ToStroops(d decimal.Decimal) (int64, error) {
	scaled := d.Mul(stroopFactor).Round(0)
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, Errorf(KindClientInput, "amount %s overflows stroop range", d)
	}
	return bi.Int64(), nil
}

// MulToStroops converts price*quantity to integer stroops in one step so the
// product is rounded exactly once.
func MulToStroops(price, qty decimal.Decimal) (int64, error) {
	return ToStroops(price.Mul(qty))
}

// FromStroops renders an integer stroop amount as its decimal unit value.
func FromStroops(v int64) decimal.Decimal {
	return decimal.New(v, -StroopScale)
}

// ValidScale reports whether d is representable exactly in stroops, i.e. has
// at most seven decimal places.
func ValidScale(d decimal.Decimal) bool {
	return d.Exponent() >= -StroopScale || d.Equal(d.Truncate(StroopScale))
}
