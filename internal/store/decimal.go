package store

import "github.com/shopspring/decimal"

// decimalFromString parses a NUMERIC::TEXT scan result. An empty string
// (NULL coalesced) parses as zero.
func decimalFromString(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
