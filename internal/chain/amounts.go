package chain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Raw chain amounts are integer counts of an asset's smallest unit,
// carried as strings on the wire. Conversion to ledger floats goes
// through decimal so a 15-digit raw amount survives untruncated.

// ToFloat converts a raw amount string to a float at the given precision.
func ToFloat(raw string, precision int) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("raw amount %q: %w", raw, err)
	}
	f, _ := d.Shift(int32(-precision)).Float64()
	return f, nil
}

// ToRaw converts a ledger float to a raw amount string, truncating to
// the asset's precision (the chain rejects sub-precision dust).
func ToRaw(v float64, precision int) string {
	return decimal.NewFromFloat(v).Shift(int32(precision)).Truncate(0).String()
}

// RatioToFloat converts a raw num/den pair (each at its own precision)
// to a float ratio in human units.
func RatioToFloat(num string, numPrecision int, den string, denPrecision int) (float64, error) {
	n, err := decimal.NewFromString(num)
	if err != nil {
		return 0, fmt.Errorf("ratio numerator %q: %w", num, err)
	}
	d, err := decimal.NewFromString(den)
	if err != nil {
		return 0, fmt.Errorf("ratio denominator %q: %w", den, err)
	}
	if d.IsZero() {
		return 0, fmt.Errorf("ratio denominator is zero")
	}
	f, _ := n.Shift(int32(-numPrecision)).Div(d.Shift(int32(-denPrecision))).Float64()
	return f, nil
}
