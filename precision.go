// FILE: precision.go
// Package main – Numeric policy for prices and sizes.
//
// Sizes are floored (never rounded up) to the instrument's amount precision so
// the bot can't over-leverage; prices are rounded to price precision only at
// the moment they are sent to a gateway. Arithmetic goes through decimal to
// avoid 0.1+0.2 style drift when truncating.
package main

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SizingError is returned when an entry size rounds below the instrument minimum.
type SizingError struct {
	Symbol  string
	Size    float64
	Minimum float64
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("sizing %s: computed size %v below instrument minimum %v (widen margin or abort)",
		e.Symbol, e.Size, e.Minimum)
}

// floorTo floors a non-negative x to the given number of decimal places.
func floorTo(x float64, places int) float64 {
	if x <= 0 {
		return 0
	}
	if places < 0 {
		places = 0
	}
	f, _ := decimal.NewFromFloat(x).Truncate(int32(places)).Float64()
	return f
}

// roundTo rounds x half-away-from-zero to the given number of decimal places.
func roundTo(x float64, places int) float64 {
	if places < 0 {
		places = 0
	}
	f, _ := decimal.NewFromFloat(x).Round(int32(places)).Float64()
	return f
}

// formatFixed renders x with exactly places decimals (for venue payloads).
func formatFixed(x float64, places int) string {
	if places < 0 {
		places = 0
	}
	return decimal.NewFromFloat(x).StringFixed(int32(places))
}

// entrySize computes the initial position size for margin × leverage at price.
// Below the instrument minimum it is a hard *SizingError.
func entrySize(inst Instrument, margin float64, leverage int, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("sizing %s: reference price must be > 0 (got %v)", inst.Symbol, price)
	}
	notional := decimal.NewFromFloat(margin).Mul(decimal.NewFromInt(int64(leverage)))
	raw, _ := notional.Div(decimal.NewFromFloat(price)).Float64()
	size := floorTo(raw, inst.AmountPrecision)
	if size <= 0 || size < inst.MinAmount {
		return 0, &SizingError{Symbol: inst.Symbol, Size: size, Minimum: inst.MinAmount}
	}
	return size, nil
}

// rungSize scales the initial size by ratio, floors it, and clamps it up to the
// instrument minimum when it lands below (documented clamp, not a rejection).
func rungSize(inst Instrument, initial, ratio float64) float64 {
	raw, _ := decimal.NewFromFloat(initial).Mul(decimal.NewFromFloat(ratio)).Float64()
	size := floorTo(raw, inst.AmountPrecision)
	if size < inst.MinAmount {
		size = inst.MinAmount
	}
	return size
}
