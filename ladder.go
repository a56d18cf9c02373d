// FILE: ladder.go
// Package main – Martingale ladder planner.
//
// PlanLadder lays out every DCA rung up front from the entry price. Rung i
// (1-indexed) triggers at entry × (1 − offset×i/100) for LONG and
// entry × (1 + offset×i/100) for SHORT, so triggers move strictly away from
// entry as the level grows.
package main

import "github.com/shopspring/decimal"

// LadderRung is one level of the martingale ladder.
type LadderRung struct {
	Level        int     `json:"level"`
	TriggerPrice float64 `json:"trigger_price"`
	SizeRatio    float64 `json:"size_ratio"`
	Size         float64 `json:"size"`
	Filled       bool    `json:"filled"`
	FillPrice    float64 `json:"fill_price,omitempty"`
	OrderID      string  `json:"order_id,omitempty"`
}

// RatioAt returns the size ratio for 1-indexed level i; missing entries default to 1.
func RatioAt(ratios []float64, i int) float64 {
	if i >= 1 && i <= len(ratios) && ratios[i-1] > 0 {
		return ratios[i-1]
	}
	return 1
}

// PlanLadder returns steps rungs for entry in direction dir. Sizes are left at
// zero; the position machine scales them against the instrument.
func PlanLadder(entry float64, dir Direction, steps int, offsetPct float64, ratios []float64) []LadderRung {
	if steps <= 0 || entry <= 0 {
		return nil
	}
	e := decimal.NewFromFloat(entry)
	off := decimal.NewFromFloat(offsetPct)
	rungs := make([]LadderRung, 0, steps)
	for i := 1; i <= steps; i++ {
		move := off.Mul(decimal.NewFromInt(int64(i))).Div(hundred)
		factor := one.Sub(move)
		if dir == Short {
			factor = one.Add(move)
		}
		trigger, _ := e.Mul(factor).Float64()
		rungs = append(rungs, LadderRung{
			Level:        i,
			TriggerPrice: trigger,
			SizeRatio:    RatioAt(ratios, i),
		})
	}
	return rungs
}

// rungCrossed reports whether the bar's excursion reached the rung trigger.
func rungCrossed(dir Direction, r LadderRung, high, low float64) bool {
	if dir == Short {
		return high >= r.TriggerPrice
	}
	return low <= r.TriggerPrice
}
