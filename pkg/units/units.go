// Package units converts between user-entered display amounts and the
// smallest indivisible on-chain unit using exact decimal arithmetic.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of fractional digits of one ether expressed in wei.
const EtherDecimals int32 = 18

var (
	ErrEmptyAmount    = errors.New("amount is empty")
	ErrInvalidAmount  = errors.New("amount is not a number")
	ErrPrecision      = errors.New("amount has more fractional digits than the currency supports")
	ErrNegativeAmount = errors.New("amount is negative")
)

// ToSmallestUnit scales a display amount (e.g. "1.5") by 10^decimals.
// The result is exact; amounts that would need rounding are rejected.
func ToSmallestUnit(display string, decimals int32) (*big.Int, error) {
	d, err := parse(display)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}

	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s (max %d)", ErrPrecision, display, decimals)
	}
	return scaled.BigInt(), nil
}

// FromSmallestUnit renders a raw smallest-unit integer string in display units.
// The output is the shortest exact decimal representation ("1.5", not "1.500000").
func FromSmallestUnit(raw string, decimals int32) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyAmount
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", fmt.Errorf("%w: %q is not an integer", ErrInvalidAmount, raw)
	}
	return decimal.NewFromBigInt(v, -decimals).String(), nil
}

// FormatSmallestUnit is FromSmallestUnit for values already held as *big.Int.
func FormatSmallestUnit(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// IsPositive reports whether display parses as a number strictly greater than zero.
func IsPositive(display string) bool {
	d, err := parse(display)
	if err != nil {
		return false
	}
	return d.IsPositive()
}

func parse(display string) (decimal.Decimal, error) {
	display = strings.TrimSpace(display)
	if display == "" {
		return decimal.Decimal{}, ErrEmptyAmount
	}
	// decimal accepts exponents; transferable value is entered as plain digits only
	if strings.ContainsAny(display, "eE") {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	d, err := decimal.NewFromString(display)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, display)
	}
	return d, nil
}
