// Package money is the integer-cent arithmetic used on every settlement path.
package money

import (
	"math"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"PredictLedger/internal/apperr"
)

const (
	// DecimalPrecision is the number of fractional digits the wire format carries.
	DecimalPrecision = 2
	// Scale converts whole tokens to cents.
	Scale int64 = 100
	// OddsScale is the fixed-point denominator for probabilities (parts per million).
	OddsScale int64 = 1_000_000
)

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate toward zero
	RoundHalfEven
	RoundUp
)

// MultiplyInt128 performs a * b without overflow. Return the result with Release.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Release returns an intermediate to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// DivideInt128 performs numerator / denominator for non-negative operands.
func DivideInt128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	quotient.DivMod(numerator, denom, remainder)
	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		doubled := getInt128()
		doubled.Lsh(remainder, 1)
		cmp := doubled.Cmp(denom)
		if cmp > 0 || (cmp == 0 && result%2 != 0) {
			result++
		}
		putInt128(doubled)
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	}

	putInt128(quotient)
	putInt128(remainder)

	return result
}

// MulDiv computes a * b / c with a 128-bit intermediate.
func MulDiv(a, b, c int64, mode RoundingMode) int64 {
	num := MultiplyInt128(a, b)
	result := DivideInt128(num, c, mode)
	putInt128(num)
	return result
}

// Parse converts a decimal string to cents. Negative values, more than two
// fractional digits and values beyond int64 cents fail INVALID_AMOUNT.
func Parse(s string) (int64, error) {
	c, err := ParseSigned(s)
	if err != nil {
		return 0, err
	}
	if c < 0 {
		return 0, apperr.New(apperr.CodeInvalidAmount, "amount %q is negative", s)
	}
	return c, nil
}

// ParseSigned is Parse without the sign restriction.
func ParseSigned(s string) (int64, error) {
	if s == "" {
		return 0, apperr.New(apperr.CodeInvalidAmount, "amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, apperr.New(apperr.CodeInvalidAmount, "amount %q is not a decimal", s)
	}
	cents := d.Shift(DecimalPrecision)
	if !cents.IsInteger() {
		return 0, apperr.New(apperr.CodeInvalidAmount, "amount %q has more than %d fractional digits", s, DecimalPrecision)
	}
	if cents.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || cents.LessThan(decimal.NewFromInt(-math.MaxInt64)) {
		return 0, apperr.New(apperr.CodeInvalidAmount, "amount %q is out of range", s)
	}
	return cents.IntPart(), nil
}

// Format renders cents with exactly two fractional digits.
func Format(cents int64) string {
	return decimal.New(cents, -DecimalPrecision).StringFixed(DecimalPrecision)
}

// FromWhole converts whole tokens to cents.
func FromWhole(units int64) int64 {
	return units * Scale
}
