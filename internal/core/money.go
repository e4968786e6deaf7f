// Package core holds the ledger's domain types and the money helpers used at
// presentation boundaries.
//
// All monetary values are whole VND held in an int64. The currency has no
// subunit, so there is no rounding anywhere inside the ledger.
package core

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount of VND.
type Money struct {
	Dong int64
}

// VND is a convenience constructor.
func VND(dong int64) Money {
	return Money{Dong: dong}
}

// Validate checks that m is a usable expense amount.
func (m Money) Validate() error {
	if m.Dong <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (m Money) Neg() Money { return Money{Dong: -m.Dong} }

func (m Money) Add(o Money) Money { return Money{Dong: m.Dong + o.Dong} }

func (m Money) Sub(o Money) Money { return Money{Dong: m.Dong - o.Dong} }

func (m Money) IsZero() bool { return m.Dong == 0 }

// Decimal returns the amount as an arbitrary-precision decimal for display.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(m.Dong)
}

// String formats the amount with dot thousands separators, e.g. "-150.000 ₫".
func (m Money) String() string {
	neg := m.Dong < 0
	digits := strconv.FormatInt(m.Dong, 10)
	if neg {
		digits = digits[1:]
	}
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	b.WriteString(" ₫")
	return b.String()
}

// ParseAmount converts user input to a positive whole VND amount.
//
// Thousands separators (dot, comma, space, underscore) are accepted when they
// group exactly three digits, so "150.000" and "150,000" both parse to 150000.
// Anything else goes through decimal parsing; fractional, non-positive and
// non-numeric input is rejected with ErrInvalidAmount.
//
// Examples:
//
//	ParseAmount("100000")  -> 100000, nil
//	ParseAmount("150.000") -> 150000, nil
//	ParseAmount("1e5")     -> 100000, nil
//	ParseAmount("12.5")    -> 0, ErrInvalidAmount
func ParseAmount(s string) (Money, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "₫"), "VND")
	s = strings.TrimSpace(s)
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	if grouped, ok := stripThousands(s); ok {
		s = grouped
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	return FromDecimal(d)
}

// FromDecimal converts an exact decimal value to Money.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if !d.IsInteger() || !d.IsPositive() {
		return Money{}, ErrInvalidAmount
	}
	if !d.BigInt().IsInt64() {
		return Money{}, ErrInvalidAmount
	}
	return Money{Dong: d.IntPart()}, nil
}

// FromFloat converts a float from a loosely typed client. NaN and infinities
// are rejected along with fractional values.
func FromFloat(f float64) (Money, error) {
	if f != f || f > 9.2e18 || f < -9.2e18 {
		return Money{}, ErrInvalidAmount
	}
	return FromDecimal(decimal.NewFromFloat(f))
}

// stripThousands removes a single kind of grouping separator when every group
// after the first has exactly three digits.
func stripThousands(s string) (string, bool) {
	for _, sep := range []string{".", ",", " ", "_"} {
		if !strings.Contains(s, sep) {
			continue
		}
		parts := strings.Split(s, sep)
		if len(parts[0]) == 0 || len(parts[0]) > 3 || !allDigits(parts[0]) {
			return "", false
		}
		for _, p := range parts[1:] {
			if len(p) != 3 || !allDigits(p) {
				return "", false
			}
		}
		return strings.Join(parts, ""), true
	}
	return "", false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
