package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
)

// Parse reads a plain decimal string and rejects anything finer than places.
// Exponent notation and non-numeric tokens such as NaN or Inf are rejected.
func Parse(input string, places int32) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	body := strings.TrimLeft(trimmed, "+-")
	if body == "" || len(trimmed)-len(body) > 1 {
		return decimal.Zero, ErrInvalidAmount
	}
	parts := strings.SplitN(body, ".", 2)
	if !isDigits(parts[0]) || (len(parts) == 2 && !isDigits(parts[1])) {
		return decimal.Zero, ErrInvalidAmount
	}
	if parts[0] == "" && (len(parts) == 1 || parts[1] == "") {
		return decimal.Zero, ErrInvalidAmount
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !value.Equal(value.Truncate(places)) {
		return decimal.Zero, ErrTooManyDecimals
	}
	return value, nil
}

// Round applies banker's rounding at the given precision.
func Round(value decimal.Decimal, places int32) decimal.Decimal {
	return value.RoundBank(places)
}

func Format(value decimal.Decimal, places int32) string {
	return value.StringFixedBank(places)
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
