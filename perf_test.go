package main

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func curve(start time.Time, step time.Duration, values ...float64) []EquityPoint {
	out := make([]EquityPoint, len(values))
	for i, v := range values {
		out[i] = EquityPoint{Time: start.Add(time.Duration(i) * step), Equity: v}
	}
	return out
}

func pnlTrades(pnls ...float64) []Trade {
	out := make([]Trade, len(pnls))
	for i, p := range pnls {
		out[i] = Trade{PnL: p, Fees: 0.1, Reason: ReasonTP, Level: i % 3}
		if p < 0 {
			out[i].Reason = ReasonSL
		}
	}
	return out
}

func Test_MaxDrawdown(t *testing.T) {
	eq := curve(t0, time.Hour, 100, 120, 90, 130, 65, 140)
	require.InDelta(t, 50.0, MaxDrawdownPct(eq), 1e-9)

	require.Equal(t, 0.0, MaxDrawdownPct(nil))
	require.Equal(t, 0.0, MaxDrawdownPct(curve(t0, time.Hour, 1, 2, 3)))
	require.Equal(t, 100.0, MaxDrawdownPct(curve(t0, time.Hour, 100, -20)))
}

func Test_MaxDrawdown_AlwaysBounded(t *testing.T) {
	for seed := 1; seed < 40; seed++ {
		vals := make([]float64, 60)
		for i := range vals {
			vals[i] = 100 + 80*math.Sin(float64(i*seed)/5)
		}
		dd := MaxDrawdownPct(curve(t0, time.Hour, vals...))
		require.GreaterOrEqual(t, dd, 0.0)
		require.LessOrEqual(t, dd, 100.0)
	}
}

func Test_CAGR(t *testing.T) {
	year := curve(t0, 365*24*time.Hour, 100, 121)
	require.InDelta(t, 21.0, CAGRPct(year), 1e-9)

	twoYears := curve(t0, 365*24*time.Hour, 100, 110, 121)
	require.InDelta(t, 10.0, CAGRPct(twoYears), 1e-9)

	require.Equal(t, 0.0, CAGRPct(curve(t0, 0, 100, 150)), "zero span")
	require.Equal(t, 0.0, CAGRPct(curve(t0, time.Hour, 100)))
}

func Test_SharpeAndSortino(t *testing.T) {
	up := curve(t0, 24*time.Hour, 100, 101, 102, 103, 104)
	require.Greater(t, Sharpe(up), 0.0)
	require.Equal(t, NoDownsideRatio, Sortino(up))

	down := curve(t0, 24*time.Hour, 100, 100, 100)
	require.Equal(t, 0.0, Sharpe(down), "flat series has no dispersion")
	require.Equal(t, 0.0, Sortino(down), "no negatives and mean <= 0")

	mixed := curve(t0, 24*time.Hour, 100, 102, 101, 104, 103, 106)
	s := Sortino(mixed)
	require.Greater(t, s, 0.0)
	require.False(t, math.IsInf(s, 0) || math.IsNaN(s))

	losing := curve(t0, 24*time.Hour, 100, 98, 97, 95)
	require.Less(t, Sortino(losing), 0.0)
	require.Less(t, Sharpe(losing), 0.0)
}

func Test_Sharpe_Annualization(t *testing.T) {
	// daily returns alternating +1% / -0.5%
	vals := []float64{100}
	for i := 0; i < 20; i++ {
		r := 0.01
		if i%2 == 1 {
			r = -0.005
		}
		vals = append(vals, vals[len(vals)-1]*(1+r))
	}
	daily := Sharpe(curve(t0, 24*time.Hour, vals...))
	hourly := Sharpe(curve(t0, time.Hour, vals...))
	require.InDelta(t, daily*math.Sqrt(24), hourly, 1e-9)
}

func Test_ProfitFactorSentinel(t *testing.T) {
	require.Equal(t, MaxProfitFactor, ProfitFactor(10, 0))
	require.Equal(t, 0.0, ProfitFactor(0, 0))
	require.Equal(t, 2.0, ProfitFactor(10, 5))
}

func Test_Streaks(t *testing.T) {
	w, l, cur := Streaks(pnlTrades(1, 2, -1, 3, 4, 5, -1, -2))
	require.Equal(t, 3, w)
	require.Equal(t, 2, l)
	require.Equal(t, -2, cur)

	w, l, cur = Streaks(pnlTrades(1, 0, 2))
	require.Equal(t, 1, w)
	require.Equal(t, 0, l)
	require.Equal(t, 1, cur)
}

func Test_Summarize(t *testing.T) {
	trades := pnlTrades(10, -5, 20)
	eq := curve(t0, 24*time.Hour, 1000, 1010, 1005, 1025)
	s := Summarize(trades, eq, 1000)

	require.Equal(t, 3, s.Trades)
	require.Equal(t, 2, s.Wins)
	require.Equal(t, 1, s.Losses)
	require.InDelta(t, 200.0/3, s.WinRatePct, 1e-9)
	require.InDelta(t, 6.0, s.ProfitFactor, 1e-9)
	require.InDelta(t, 25.0, s.NetPnL, 1e-9)
	require.InDelta(t, 2.5, s.TotalReturnPct, 1e-9)
	require.InDelta(t, 0.3, s.TotalFees, 1e-9)
	require.InDelta(t, 1.0, s.AvgLevel, 1e-9)
	require.Equal(t, 2, s.MaxLevel)
	require.Equal(t, 2, s.Reasons[ReasonTP])
	require.Equal(t, 1, s.Reasons[ReasonSL])
	require.InDelta(t, 3.0, s.Days, 1e-9)
	require.Greater(t, s.CAGRPct, 0.0)

	empty := Summarize(nil, nil, 0)
	require.Equal(t, 0.0, empty.TotalReturnPct)
	require.Equal(t, 0.0, empty.WinRatePct)
	require.Equal(t, 0.0, empty.ProfitFactor)
}
