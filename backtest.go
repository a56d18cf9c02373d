// FILE: backtest.go
// Package main – Deterministic backtest replay of the martingale machine.
//
// What’s here:
//   • RunBacktest(candles, opts)   : single synchronous pass over ordered bars
//       - per bar: ObservePrice(high, low, close), execute intents at their
//         trigger prices, append an EquityPoint, then Enter(close) when flat
//       - at the end: ForceClose(last close, end-of-backtest)
//   • RunBacktests(ctx, src, jobs) : many independent replays in parallel
//
// Notes:
//   • No wall clock, no randomness: trade ids and timestamps derive from the
//     candles, so the same input always produces the same ledger and curve.
//   • Fills are immediate at the trigger price; fees come from realizedPnL,
//     the same rule the live trader uses.
package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// BacktestOptions configures one replay.
type BacktestOptions struct {
	Strategy       StrategyConfig
	Instrument     Instrument // venue precision; zero value: 8/8 decimals, no minimum
	InitialCapital float64
	Timeframe      string
}

// BacktestResult is the full output of one replay.
type BacktestResult struct {
	RunID     string         `json:"run_id"`
	Strategy  StrategyConfig `json:"strategy"`
	Timeframe string         `json:"timeframe"`
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"`
	Candles   int            `json:"candles"`
	Gaps      int            `json:"gaps"`
	Trades    []Trade        `json:"trades"`
	Equity    []EquityPoint  `json:"equity"`
	Summary   Summary        `json:"summary"`
}

// ErrNoCandles is returned for an empty replay window.
var ErrNoCandles = errors.New("backtest: no candles")

func backtestInstrument(opt BacktestOptions) Instrument {
	inst := opt.Instrument
	if inst.PricePrecision == 0 && inst.AmountPrecision == 0 && inst.MinAmount == 0 {
		inst = Instrument{PricePrecision: 8, AmountPrecision: 8}
	}
	inst.Symbol = opt.Strategy.Symbol
	return inst
}

// RunBacktest replays candles (ascending time) through a fresh machine. A
// flat machine enters at the close of any bar except the first (no history
// yet) and the last (the position would be force-closed on the same bar and
// only pay fees). Whatever is still open after the last bar is force-closed
// at its close with reason end-of-backtest.
func RunBacktest(candles []Candle, opt BacktestOptions) (BacktestResult, error) {
	cfg := opt.Strategy
	if err := cfg.Validate(); err != nil {
		return BacktestResult{}, fmt.Errorf("backtest %s: %w", cfg.Symbol, err)
	}
	if len(candles) == 0 {
		return BacktestResult{}, ErrNoCandles
	}

	n := 0
	m := NewPositionMachine(cfg, backtestInstrument(opt), func() string {
		n++
		return fmt.Sprintf("bt-%s-%05d", cfg.Symbol, n)
	})

	res := BacktestResult{
		Strategy:  cfg,
		Timeframe: opt.Timeframe,
		Start:     candles[0].Time,
		End:       candles[len(candles)-1].Time,
		Candles:   len(candles),
		Trades:    []Trade{},
		Equity:    make([]EquityPoint, 0, len(candles)),
	}
	if step, err := parseTimeframe(opt.Timeframe); err == nil {
		res.Gaps = checkCandleGaps(cfg.Symbol, candles, step)
	}

	capital := opt.InitialCapital
	last := len(candles) - 1
	for i, c := range candles {
		for _, in := range m.ObservePrice(c.High, c.Low, c.Close) {
			switch in.Kind {
			case IntentLadderFill:
				if err := m.AckFill(in.Level, in.Price, in.Size); err != nil {
					return res, fmt.Errorf("backtest %s bar %d: %w", cfg.Symbol, i, err)
				}
			case IntentClosePosition:
				tr, err := m.Close(in.Price, in.Reason, c.Time)
				if err != nil {
					return res, fmt.Errorf("backtest %s bar %d: %w", cfg.Symbol, i, err)
				}
				capital += tr.PnL
				res.Trades = append(res.Trades, tr)
			}
		}

		res.Equity = append(res.Equity, EquityPoint{
			Time:   c.Time,
			Equity: capital + m.UnrealizedPnL(c.Close),
			Price:  c.Close,
		})

		// No entry on the first bar (no history) or the last (would only pay fees).
		if m.State() == StateFlat && i > 0 && i < last {
			intents, err := m.Enter(c.Close, c.Time)
			if err != nil {
				return res, fmt.Errorf("backtest %s bar %d: %w", cfg.Symbol, i, err)
			}
			if _, err := m.ConfirmEntry(intents[0].Price, intents[0].Size); err != nil {
				return res, fmt.Errorf("backtest %s bar %d: %w", cfg.Symbol, i, err)
			}
		}
	}

	end := candles[last]
	if tr, ok := m.ForceClose(end.Close, ReasonEndOfBacktest, end.Time); ok {
		capital += tr.PnL
		res.Trades = append(res.Trades, tr)
		// Restate the final sample to realized capital (fees included).
		res.Equity[len(res.Equity)-1].Equity = capital
	}

	res.Summary = Summarize(res.Trades, res.Equity, opt.InitialCapital)
	mtxBacktestRuns.Inc()
	log.Info().
		Str("symbol", cfg.Symbol).
		Int("candles", res.Candles).
		Int("trades", res.Summary.Trades).
		Float64("return_pct", res.Summary.TotalReturnPct).
		Float64("max_dd_pct", res.Summary.MaxDrawdownPct).
		Msg("[BACKTEST] complete")
	return res, nil
}

// BacktestJob is one symbol/timeframe/range replay request.
type BacktestJob struct {
	Options BacktestOptions
	From    time.Time
	To      time.Time
}

// RunBacktests loads and replays jobs concurrently. Each job owns its own
// machine; results come back in job order.
func RunBacktests(ctx context.Context, src CandleSource, jobs []BacktestJob) ([]BacktestResult, error) {
	out := make([]BacktestResult, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, job := range jobs {
		g.Go(func() error {
			sc := job.Options.Strategy
			candles, err := src.Candles(ctx, sc.Symbol, job.Options.Timeframe, job.From, job.To)
			if err != nil {
				return fmt.Errorf("load %s: %w", sc.Symbol, err)
			}
			res, err := RunBacktest(candles, job.Options)
			if err != nil {
				return err
			}
			res.RunID = uuid.NewString()
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
