package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Credits is an amount of credits held as an integer count of hundredths.
// All balance arithmetic is integer-only. Decimal text is only used at the
// edges (parsing, display and JSON).
//
// Examples:
//   - Credits(150) = 1.50 credits
//   - Credits(1000) = 10.00 credits
type Credits int64

// Scale is the number of decimal places a Credits value carries.
const Scale = 2

// Common amounts.
const (
	ZeroCredits Credits = 0
	OneCredit   Credits = 100
)

// NewCredits creates a Credits value from whole credits.
func NewCredits(whole int64) Credits { return Credits(whole * 100) }

// ParseCredits parses decimal text such as "12.5" into Credits. Values with
// more than two decimal places are rounded half away from zero.
func ParseCredits(s string) (Credits, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("credits: parse %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParseCredits is like ParseCredits but panics on error. Use for
// hardcoded amounts.
func MustParseCredits(s string) Credits {
	c, err := ParseCredits(s)
	if err != nil {
		panic(err)
	}
	return c
}

// FromDecimal converts a decimal into Credits, rounding to two places.
func FromDecimal(d decimal.Decimal) Credits {
	return Credits(d.Round(Scale).Shift(Scale).IntPart())
}

// FromFloat converts a float into Credits, rounding to two places.
func FromFloat(f float64) Credits {
	return FromDecimal(decimal.NewFromFloat(f))
}

// Decimal returns the amount as a decimal with two places.
func (c Credits) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -Scale)
}

// Float64 returns the amount as a float. Only use for display or JSON
// payloads, never for balance arithmetic.
func (c Credits) Float64() float64 {
	return c.Decimal().InexactFloat64()
}

// IsZero returns true if the amount is zero.
func (c Credits) IsZero() bool { return c == 0 }

// IsPositive returns true if the amount is greater than zero.
func (c Credits) IsPositive() bool { return c > 0 }

// IsNegative returns true if the amount is less than zero.
func (c Credits) IsNegative() bool { return c < 0 }

// Min returns the smaller of two amounts.
func (c Credits) Min(other Credits) Credits {
	if c < other {
		return c
	}
	return other
}

// String returns the amount with exactly two decimal places, e.g. "12.50".
func (c Credits) String() string {
	return c.Decimal().StringFixed(Scale)
}

// MarshalJSON encodes the amount as a JSON number with two decimal places.
func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts either a JSON number or a quoted decimal string.
func (c *Credits) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("credits: %w", err)
		}
		data = []byte(s)
	}

	parsed, err := ParseCredits(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Sum adds multiple amounts.
func Sum(values ...Credits) Credits {
	var total Credits
	for _, v := range values {
		total += v
	}
	return total
}
