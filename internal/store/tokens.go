package store

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// TokenScale is the number of decimal places kept for balances and prices.
const TokenScale = 8

// Tokens is an amount of platform tokens counted in units of 10^-8.
type Tokens int64

// ErrTokenRange is returned for amounts that do not fit in Tokens.
var ErrTokenRange = errors.New("token amount out of range")

var (
	maxUnits = decimal.NewFromInt(math.MaxInt64)
	minUnits = decimal.NewFromInt(math.MinInt64)
)

// TokensFromDecimal rounds d to TokenScale places.
func TokensFromDecimal(d decimal.Decimal) (Tokens, error) {
	units := d.Shift(TokenScale).Round(0)
	if units.GreaterThan(maxUnits) || units.LessThan(minUnits) {
		return 0, fmt.Errorf("%w: %s", ErrTokenRange, d.String())
	}
	return Tokens(units.IntPart()), nil
}

// ClampTokens is TokensFromDecimal saturated at the representable range.
func ClampTokens(d decimal.Decimal) Tokens {
	units := d.Shift(TokenScale).Round(0)
	switch {
	case units.GreaterThan(maxUnits):
		return math.MaxInt64
	case units.LessThan(minUnits):
		return math.MinInt64
	}
	return Tokens(units.IntPart())
}

// ParseTokens parses a decimal string such as "12.5".
func ParseTokens(s string) (Tokens, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid token amount %q: %w", s, err)
	}
	return TokensFromDecimal(d)
}

func (t Tokens) Decimal() decimal.Decimal {
	return decimal.New(int64(t), -TokenScale)
}

func (t Tokens) String() string {
	return t.Decimal().String()
}

// MarshalJSON writes the amount as a JSON number.
func (t Tokens) MarshalJSON() ([]byte, error) {
	return []byte(t.Decimal().String()), nil
}

// UnmarshalJSON accepts both numbers and numeric strings.
func (t *Tokens) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*t = 0
		return nil
	}
	v, err := ParseTokens(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}
