// FILE: perf.go
// Package main – Performance statistics over a trade ledger and equity curve.
//
// Summarize is pure: same trades/equity in, same Summary out. Degenerate
// inputs never panic or produce NaN/Inf; they map to 0 or to the documented
// sentinels below.
package main

import (
	"math"
	"time"
)

const (
	// NoDownsideRatio is the Sortino reported when returns are positive and no
	// sample was negative.
	NoDownsideRatio = 9999.0
	// MaxProfitFactor is the profit factor reported when there is profit and no loss.
	MaxProfitFactor = 9999.0

	daysPerYear = 365.0
)

// EquityPoint is one mark-to-market sample of account value.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
	Price  float64   `json:"price"`
}

// Summary is the aggregate performance of one run.
type Summary struct {
	InitialCapital float64            `json:"initial_capital"`
	FinalEquity    float64            `json:"final_equity"`
	NetPnL         float64            `json:"net_pnl"`
	TotalReturnPct float64            `json:"total_return_pct"`
	CAGRPct        float64            `json:"cagr_pct"`
	MaxDrawdownPct float64            `json:"max_drawdown_pct"`
	Sharpe         float64            `json:"sharpe"`
	Sortino        float64            `json:"sortino"`
	Trades         int                `json:"trades"`
	Wins           int                `json:"wins"`
	Losses         int                `json:"losses"`
	WinRatePct     float64            `json:"win_rate_pct"`
	GrossProfit    float64            `json:"gross_profit"`
	GrossLoss      float64            `json:"gross_loss"`
	ProfitFactor   float64            `json:"profit_factor"`
	TotalFees      float64            `json:"total_fees"`
	MaxWinStreak   int                `json:"max_win_streak"`
	MaxLossStreak  int                `json:"max_loss_streak"`
	CurrentStreak  int                `json:"current_streak"` // >0 wins, <0 losses
	AvgLevel       float64            `json:"avg_level"`
	MaxLevel       int                `json:"max_level"`
	Reasons        map[ExitReason]int `json:"reasons"`
	Days           float64            `json:"days"`
}

// Summarize computes every statistic for one run.
func Summarize(trades []Trade, equity []EquityPoint, initial float64) Summary {
	s := Summary{InitialCapital: initial, Reasons: map[ExitReason]int{}}

	levels := 0
	for _, t := range trades {
		s.Trades++
		s.NetPnL += t.PnL
		s.TotalFees += t.Fees
		s.Reasons[t.Reason]++
		levels += t.Level
		if t.Level > s.MaxLevel {
			s.MaxLevel = t.Level
		}
		switch {
		case t.PnL > 0:
			s.Wins++
			s.GrossProfit += t.PnL
		case t.PnL < 0:
			s.Losses++
			s.GrossLoss += -t.PnL
		}
	}
	if s.Trades > 0 {
		s.WinRatePct = float64(s.Wins) / float64(s.Trades) * 100
		s.AvgLevel = float64(levels) / float64(s.Trades)
	}
	s.ProfitFactor = ProfitFactor(s.GrossProfit, s.GrossLoss)
	s.MaxWinStreak, s.MaxLossStreak, s.CurrentStreak = Streaks(trades)

	s.FinalEquity = initial + s.NetPnL
	if n := len(equity); n > 0 {
		s.FinalEquity = equity[n-1].Equity
		s.Days = equity[n-1].Time.Sub(equity[0].Time).Hours() / 24
	}
	s.TotalReturnPct = TotalReturnPct(initial, s.FinalEquity)
	s.CAGRPct = CAGRPct(equity)
	s.MaxDrawdownPct = MaxDrawdownPct(equity)
	s.Sharpe = Sharpe(equity)
	s.Sortino = Sortino(equity)
	return s
}

// TotalReturnPct is (final-initial)/initial in percent; 0 for a non-positive base.
func TotalReturnPct(initial, final float64) float64 {
	if initial <= 0 {
		return 0
	}
	return (final - initial) / initial * 100
}

// CAGRPct annualizes growth between the first and last equity point over
// elapsed calendar days. A span of zero days or less yields 0.
func CAGRPct(equity []EquityPoint) float64 {
	if len(equity) < 2 {
		return 0
	}
	start, end := equity[0], equity[len(equity)-1]
	days := end.Time.Sub(start.Time).Hours() / 24
	if days <= 0 || start.Equity <= 0 {
		return 0
	}
	if end.Equity <= 0 {
		return -100
	}
	return (math.Pow(end.Equity/start.Equity, daysPerYear/days) - 1) * 100
}

// MaxDrawdownPct is the deepest peak-to-trough decline against the running
// peak, in [0, 100].
func MaxDrawdownPct(equity []EquityPoint) float64 {
	peak, worst := 0.0, 0.0
	for _, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - p.Equity) / peak * 100; dd > worst {
			worst = dd
		}
	}
	return math.Max(0, math.Min(100, worst))
}

// sampleReturns returns simple per-sample returns and the number of samples
// per year implied by the mean spacing of the curve.
func sampleReturns(equity []EquityPoint) ([]float64, float64) {
	if len(equity) < 2 {
		return nil, 0
	}
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			continue
		}
		rets = append(rets, equity[i].Equity/prev-1)
	}
	span := equity[len(equity)-1].Time.Sub(equity[0].Time)
	if span <= 0 || len(rets) == 0 {
		return rets, 0
	}
	spacing := span.Hours() / 24 / float64(len(equity)-1)
	return rets, daysPerYear / spacing
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Sharpe is mean/std of per-sample returns, annualized (365-day year).
// A flat series or fewer than two samples gives 0.
func Sharpe(equity []EquityPoint) float64 {
	rets, perYear := sampleReturns(equity)
	if len(rets) < 2 || perYear <= 0 {
		return 0
	}
	m := mean(rets)
	v := 0.0
	for _, r := range rets {
		v += (r - m) * (r - m)
	}
	std := math.Sqrt(v / float64(len(rets)-1))
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return m / std * math.Sqrt(perYear)
}

// Sortino is like Sharpe with the root-mean-square of negative samples as
// the denominator. No negative samples: NoDownsideRatio if the mean return is
// positive, else 0.
func Sortino(equity []EquityPoint) float64 {
	rets, perYear := sampleReturns(equity)
	if len(rets) == 0 || perYear <= 0 {
		return 0
	}
	m := mean(rets)
	var sq float64
	var neg int
	for _, r := range rets {
		if r < 0 {
			sq += r * r
			neg++
		}
	}
	if neg == 0 {
		if m > 0 {
			return NoDownsideRatio
		}
		return 0
	}
	dd := math.Sqrt(sq / float64(neg))
	if dd == 0 {
		return 0
	}
	return m / dd * math.Sqrt(perYear)
}

// ProfitFactor is gross profit / gross loss, MaxProfitFactor when there is
// profit but no loss, and 0 when there is neither.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss <= 0 {
		if grossProfit > 0 {
			return MaxProfitFactor
		}
		return 0
	}
	return grossProfit / grossLoss
}

// Streaks returns the longest win run, longest loss run and the current run
// (positive for wins, negative for losses). Break-even trades reset both.
func Streaks(trades []Trade) (maxWin, maxLoss, current int) {
	for _, t := range trades {
		switch {
		case t.PnL > 0:
			if current < 0 {
				current = 0
			}
			current++
			if current > maxWin {
				maxWin = current
			}
		case t.PnL < 0:
			if current > 0 {
				current = 0
			}
			current--
			if -current > maxLoss {
				maxLoss = -current
			}
		default:
			current = 0
		}
	}
	return maxWin, maxLoss, current
}
