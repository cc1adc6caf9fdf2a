package matching

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Minor-unit exponents that differ from the default of 2.
var currencyExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"ISK": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
	"JOD": 3,
	"TND": 3,
}

func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinorUnits converts a face amount to minor units, rounding up so a
// unit chosen with faceValue >= result never undershoots the request.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyExponent(currency)).Ceil().IntPart()
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// FitsMinorUnits reports whether amount can be expressed in minor units of
// currency without overflowing int64.
func FitsMinorUnits(amount decimal.Decimal, currency string) bool {
	minor := amount.Shift(CurrencyExponent(currency)).Ceil()
	return !minor.GreaterThan(maxMinor) && !minor.LessThan(minMinor)
}

// FromMinorUnits is the inverse of ToMinorUnits for whole minor amounts.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -CurrencyExponent(currency))
}
