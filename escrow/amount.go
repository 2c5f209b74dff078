package escrow

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseMinorUnits converts a wire amount into minor currency units. Fractional,
// non-numeric, non-positive and out-of-range values are rejected.
func ParseMinorUnits(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, invalid("amount", "required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, invalid("amount", "not a number")
	}
	if !d.IsInteger() {
		return 0, invalid("amount", "must be an integer number of minor units")
	}
	if d.Sign() <= 0 {
		return 0, invalid("amount", "must be positive")
	}
	if d.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, invalid("amount", "out of range")
	}
	return d.IntPart(), nil
}

// NormalizeCurrency lower-cases an ISO 4217 alphabetic code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", invalid("currency", "must be a 3-letter ISO 4217 code")
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return "", invalid("currency", "must be a 3-letter ISO 4217 code")
		}
	}
	return code, nil
}
