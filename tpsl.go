// FILE: tpsl.go
// Package main – Take-profit / stop-loss trigger calculator.
package main

import "github.com/shopspring/decimal"

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Triggers holds the exit levels derived from a reference price.
type Triggers struct {
	TP    float64
	SL    float64
	HasSL bool
}

// ComputeTPSL derives TP/SL from ref. It is a pure function: same inputs,
// same triggers. slPct <= 0 means no stop-loss.
func ComputeTPSL(ref float64, dir Direction, tpPct, slPct float64) Triggers {
	r := decimal.NewFromFloat(ref)
	tp := decimal.NewFromFloat(tpPct).Div(hundred)
	sl := decimal.NewFromFloat(slPct).Div(hundred)

	t := Triggers{}
	if dir == Short {
		t.TP, _ = r.Mul(one.Sub(tp)).Float64()
		if slPct > 0 {
			t.SL, _ = r.Mul(one.Add(sl)).Float64()
			t.HasSL = true
		}
		return t
	}
	t.TP, _ = r.Mul(one.Add(tp)).Float64()
	if slPct > 0 {
		t.SL, _ = r.Mul(one.Sub(sl)).Float64()
		t.HasSL = true
	}
	return t
}

// TPCrossed reports whether the bar touched the take-profit.
func (t Triggers) TPCrossed(dir Direction, high, low float64) bool {
	if dir == Short {
		return low <= t.TP
	}
	return high >= t.TP
}

// SLCrossed reports whether the bar touched the stop-loss (false when none is set).
func (t Triggers) SLCrossed(dir Direction, high, low float64) bool {
	if !t.HasSL {
		return false
	}
	if dir == Short {
		return high >= t.SL
	}
	return low <= t.SL
}
