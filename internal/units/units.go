// Package units converts between raw integer ledger amounts and decimal
// display strings. Everything inside the system is raw; this package is
// used only at the edges (config input, CLI output, notifications).
package units

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToDisplay renders raw with the given number of decimals, e.g.
// ToDisplay(5124948, 6) == "5.124948".
func ToDisplay(raw *big.Int, decimals int32) string {
	if raw == nil {
		return "0"
	}
	return decimal.NewFromBigInt(raw, -decimals).String()
}

// Int64ToDisplay is ToDisplay for int64 amounts.
func Int64ToDisplay(raw int64, decimals int32) string {
	return decimal.New(raw, -decimals).String()
}

// FromDisplay parses a decimal string into raw units. More fractional
// digits than decimals is an error rather than a silent truncation.
func FromDisplay(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("units: parse %q: %w", s, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("units: %q has more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

// FromDisplayInt64 is FromDisplay for amounts that must fit in int64.
func FromDisplayInt64(s string, decimals int32) (int64, error) {
	v, err := FromDisplay(s, decimals)
	if err != nil {
		return 0, err
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("units: %q overflows int64 at %d decimals", s, decimals)
	}
	return v.Int64(), nil
}
