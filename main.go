// FILE: main.go
// Package main – Program entrypoint and HTTP/metrics server.
//
// Boot sequence:
//   1) loadBotEnv()                – read bot.env (no shell exports required)
//   2) cfg := loadConfigFromEnv()  – build runtime Config
//   3) setupLogging                – zerolog level/format from LOG_LEVEL/LOG_PRETTY
//   4) wire registry/store/event bus/notifiers
//   5) start /healthz, /metrics, /ws, /positions on cfg.Port
//   6) backtest or live based on flags
//
// Flags:
//   -backtest <csv>     Replay a CSV (time,open,high,low,close,volume) for the first symbol
//   -binance-klines     Replay Binance futures klines for every symbol instead of a CSV
//   -from / -to         Replay window (RFC3339 or UNIX seconds)
//   -timeframe <tf>     Candle timeframe (default TIMEFRAME)
//   -live               Run one live worker per symbol
//   -symbols a,b        Override SYMBOLS
//   -interval <sec>     Live poll interval (default POLL_INTERVAL_SEC)
//   -stop-mode keep|clean  What shutdown does with open positions (default keep)
//
// Example:
//   go run . -live -symbols BTCUSDT,ETHUSDT -interval 3
//   go run . -backtest data/btc_1h.csv -timeframe 1h
//
// Notes:
//   - DRY_RUN=true (default) routes every worker to the in-memory paper venue.
//   - No environment exports are needed; keep editing bot.env and restart.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// ---- Flags ----
	var (
		csvBacktest   string
		binanceKlines bool
		fromStr       string
		toStr         string
		timeframe     string
		live          bool
		symbols       string
		intervalSec   int
		stopMode      string
	)
	flag.StringVar(&csvBacktest, "backtest", "", "Path to CSV (time,open,high,low,close,volume)")
	flag.BoolVar(&binanceKlines, "binance-klines", false, "Backtest on Binance futures klines")
	flag.StringVar(&fromStr, "from", "", "Backtest window start (RFC3339 or unix seconds)")
	flag.StringVar(&toStr, "to", "", "Backtest window end (RFC3339 or unix seconds)")
	flag.StringVar(&timeframe, "timeframe", "", "Candle timeframe (e.g. 1m, 15m, 1h)")
	flag.BoolVar(&live, "live", false, "Run live workers (ignores -backtest)")
	flag.StringVar(&symbols, "symbols", "", "Comma-separated symbols (overrides SYMBOLS)")
	flag.IntVar(&intervalSec, "interval", 0, "Live poll interval in seconds")
	flag.StringVar(&stopMode, "stop-mode", string(StopKeep), "Shutdown policy: keep|clean")
	flag.Parse()

	// ---- Environment & Config ----
	loadBotEnv()
	cfg := loadConfigFromEnv()
	setupLogging(cfg.LogLevel, cfg.LogPretty)
	if symbols != "" {
		cfg.Symbols = nil
		for _, s := range strings.Split(symbols, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				cfg.Symbols = append(cfg.Symbols, s)
			}
		}
	}
	if intervalSec > 0 {
		cfg.PollIntervalSec = intervalSec
	}
	if timeframe != "" {
		cfg.Timeframe = timeframe
	}
	mode := StopMode(strings.ToLower(stopMode))
	if mode != StopKeep && mode != StopClean {
		log.Fatal().Str("stop_mode", stopMode).Msg("[BOOT] stop mode must be keep or clean")
	}

	// ---- Wiring ----
	store, err := NewFileStore(cfg.StateDir)
	if err != nil {
		log.Fatal().Err(err).Msg("[BOOT] state dir")
	}
	bus := NewEventBus()
	hub := NewHub()
	defer hub.Attach(bus)()
	defer SubscribeSlack(bus, cfg.SlackWebhook)()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := newRegistryFromConfig(cfg)
	// Workers outlive the signal context so shutdown can still stop them cleanly.
	sup := NewSupervisor(context.Background(), reg, store, bus, cfg.PollInterval(), cfg.RestartCooldown())

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, sup.Snapshots)
		if err != nil {
			log.Warn().Err(err).Msg("[BOOT] telegram disabled")
		} else {
			defer tg.Subscribe(bus)()
			go func() { _ = tg.Run(ctx) }()
		}
	}

	// ---- HTTP metrics/health ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sup.Snapshots())
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		log.Info().Int("port", cfg.Port).Msg("[BOOT] serving /metrics /healthz /ws /positions")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	// ---- Run selected mode ----
	var runErr error
	if (csvBacktest != "" || binanceKlines) && !live {
		runErr = backtestMain(ctx, cfg, reg, store, csvBacktest, binanceKlines, fromStr, toStr)
	} else {
		runErr = runLive(ctx, cfg, sup, mode)
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("[EXIT]")
	}

	// ---- Graceful shutdown for HTTP server ----
	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
	if runErr != nil {
		os.Exit(1)
	}
}

// backtestMain runs one replay per symbol and saves each result.
func backtestMain(ctx context.Context, cfg Config, reg *GatewayRegistry, store Store, csvPath string, klines bool, fromStr, toStr string) error {
	var from, to time.Time
	var err error
	if fromStr != "" {
		if from, err = parseTimeFlexible(fromStr); err != nil {
			return fmt.Errorf("-from: %w", err)
		}
	}
	if toStr != "" {
		if to, err = parseTimeFlexible(toStr); err != nil {
			return fmt.Errorf("-to: %w", err)
		}
	}

	var src CandleSource = CSVSource{Path: csvPath}
	syms := cfg.Symbols
	if klines {
		src = NewBinanceKlineSource(cfg.BinanceTestnet)
	} else if len(syms) > 1 {
		// A CSV holds one market.
		syms = syms[:1]
	}

	jobs, err := backtestJobs(ctx, cfg, reg, syms, from, to)
	if err != nil {
		return err
	}
	results, err := RunBacktests(ctx, src, jobs)
	if err != nil {
		return err
	}
	for _, res := range results {
		if err := store.SaveBacktest(res); err != nil {
			log.Warn().Str("symbol", res.Strategy.Symbol).Err(err).Msg("[BACKTEST] result not saved")
		}
		s := res.Summary
		fmt.Printf("%s %s trades=%d win=%.1f%% return=%.2f%% cagr=%.2f%% maxdd=%.2f%% sharpe=%.2f sortino=%.2f pf=%.2f fees=%.4f\n",
			res.Strategy.Symbol, res.Timeframe, s.Trades, s.WinRatePct, s.TotalReturnPct, s.CAGRPct,
			s.MaxDrawdownPct, s.Sharpe, s.Sortino, s.ProfitFactor, s.TotalFees)
	}
	return nil
}

// backtestJobs builds one job per symbol. Each replay sizes with the precision
// and minimum the strategy's venue reports, the same numbers the live worker
// gets from GetInstrument.
func backtestJobs(ctx context.Context, cfg Config, reg *GatewayRegistry, syms []string, from, to time.Time) ([]BacktestJob, error) {
	jobs := make([]BacktestJob, 0, len(syms))
	for _, sym := range syms {
		sc := cfg.StrategyFor(sym)
		gw, err := reg.Get(sc.Exchange)
		if err != nil {
			return nil, fmt.Errorf("backtest %s: %w", sc.Symbol, err)
		}
		inst, err := gw.GetInstrument(ctx, sc.Symbol)
		if err != nil {
			return nil, fmt.Errorf("backtest %s instrument: %w", sc.Symbol, err)
		}
		log.Info().
			Str("symbol", sc.Symbol).
			Str("exchange", sc.Exchange).
			Int("price_prec", inst.PricePrecision).
			Int("amount_prec", inst.AmountPrecision).
			Float64("min_amount", inst.MinAmount).
			Msg("[BACKTEST] instrument")
		jobs = append(jobs, BacktestJob{
			Options: BacktestOptions{
				Strategy:       sc,
				Instrument:     inst,
				InitialCapital: cfg.InitialCapital,
				Timeframe:      cfg.Timeframe,
			},
			From: from,
			To:   to,
		})
	}
	return jobs, nil
}
