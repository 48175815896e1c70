package units

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToSmallestUnit(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"1.5", "1500000000000000000"},
		{"0.000000000000000001", "1"},
		{"0.1", "100000000000000000"},
		{" 2.25 ", "2250000000000000000"},
		{"123456789.123456789123456789", "123456789123456789123456789"},
	}

	for _, tc := range cases {
		got, err := ToSmallestUnit(tc.in, EtherDecimals)
		if err != nil {
			t.Fatalf("ToSmallestUnit(%q) failed: %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Errorf("ToSmallestUnit(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestToSmallestUnit_Rejects(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"", ErrEmptyAmount},
		{"abc", ErrInvalidAmount},
		{"1e18", ErrInvalidAmount},
		{"-1", ErrNegativeAmount},
		{"0.0000000000000000001", ErrPrecision},
	}

	for _, tc := range cases {
		_, err := ToSmallestUnit(tc.in, EtherDecimals)
		if !errors.Is(err, tc.want) {
			t.Errorf("ToSmallestUnit(%q) error = %v, want %v", tc.in, err, tc.want)
		}
	}
}

func TestFromSmallestUnit(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"1", "0.000000000000000001"},
		{"0", "0"},
	}

	for _, tc := range cases {
		got, err := FromSmallestUnit(tc.raw, EtherDecimals)
		if err != nil {
			t.Fatalf("FromSmallestUnit(%q) failed: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Errorf("FromSmallestUnit(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}

	if _, err := FromSmallestUnit("1.5", EtherDecimals); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for non-integer raw amount, got %v", err)
	}
}

func TestRoundTripIsLossless(t *testing.T) {
	amounts := []string{"1", "0.5", "0.000000000000000001", "42.424242", "1000000", "3.14159265358979323"}

	for _, a := range amounts {
		wei, err := ToSmallestUnit(a, EtherDecimals)
		if err != nil {
			t.Fatalf("ToSmallestUnit(%q) failed: %v", a, err)
		}
		back, err := FromSmallestUnit(wei.String(), EtherDecimals)
		if err != nil {
			t.Fatalf("FromSmallestUnit(%s) failed: %v", wei, err)
		}
		if !decimal.RequireFromString(back).Equal(decimal.RequireFromString(a)) {
			t.Errorf("round trip of %q produced %q", a, back)
		}
	}
}

func TestRoundTripOtherDecimals(t *testing.T) {
	wei, err := ToSmallestUnit("12.34", 6)
	if err != nil {
		t.Fatalf("ToSmallestUnit failed: %v", err)
	}
	if wei.Cmp(big.NewInt(12340000)) != 0 {
		t.Fatalf("expected 12340000, got %s", wei)
	}
	if got := FormatSmallestUnit(wei, 6); got != "12.34" {
		t.Fatalf("expected 12.34, got %s", got)
	}
}

func TestIsPositive(t *testing.T) {
	if !IsPositive("0.01") {
		t.Error("0.01 should be positive")
	}
	for _, in := range []string{"0", "0.000", "-1", "", "x"} {
		if IsPositive(in) {
			t.Errorf("%q should not be positive", in)
		}
	}
}
