// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines two structs:
//   • Config          – process-level knobs (venue, symbols, ops, notifiers)
//   • StrategyConfig  – the immutable per-symbol martingale strategy
//
// Values come from the environment hydrated by loadBotEnv() (see env.go), so
// you can tune behavior by editing bot.env and restarting.
//
// Typical flow (see main.go):
//   loadBotEnv()
//   cfg := loadConfigFromEnv()
//   for _, sym := range cfg.Symbols { sc := cfg.StrategyFor(sym) ... }
package main

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LadderOrderType selects how DCA rungs are executed live.
type LadderOrderType string

const (
	LadderMarket LadderOrderType = "market" // market order when the rung trigger is crossed
	LadderLimit  LadderOrderType = "limit"  // rungs pre-placed as resting limit orders at entry
)

// StrategyConfig is the immutable per-symbol martingale strategy.
type StrategyConfig struct {
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange"`
	Direction       Direction       `json:"direction"`
	MarginAmount    float64         `json:"margin_amount"` // quote units committed at entry
	Leverage        int             `json:"leverage"`
	MarginMode      MarginMode      `json:"margin_mode"`
	TPPct           float64         `json:"tp_pct"`
	SLPct           float64         `json:"sl_pct"` // 0 = no stop-loss
	Martingale      bool            `json:"martingale"`
	LadderSteps     int             `json:"ladder_steps"`
	LadderOffsetPct float64         `json:"ladder_offset_pct"`
	SizeRatios      []float64       `json:"size_ratios"`
	FeeRate         float64         `json:"fee_rate"` // fraction per side, e.g. 0.0005
	LadderOrderType LadderOrderType `json:"ladder_order_type"`
	AutoRestart     bool            `json:"auto_restart"`
	RestartCooldown time.Duration   `json:"restart_cooldown"`
}

// Validate returns the first configuration problem, if any.
func (c *StrategyConfig) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if c.Direction != Long && c.Direction != Short {
		return fmt.Errorf("direction must be LONG or SHORT (got %q)", c.Direction)
	}
	if c.MarginAmount <= 0 {
		return fmt.Errorf("margin amount (%v) must be > 0", c.MarginAmount)
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fmt.Errorf("leverage (%d) must be within 1..125", c.Leverage)
	}
	if c.MarginMode != MarginIsolated && c.MarginMode != MarginCross {
		return fmt.Errorf("margin mode must be isolated or cross (got %q)", c.MarginMode)
	}
	if c.TPPct <= 0 {
		return fmt.Errorf("tp pct (%v) must be > 0", c.TPPct)
	}
	if c.SLPct < 0 {
		return fmt.Errorf("sl pct (%v) cannot be negative", c.SLPct)
	}
	if c.Direction == Short && c.TPPct >= 100 {
		return fmt.Errorf("tp pct (%v) must be < 100 for SHORT", c.TPPct)
	}
	if c.Direction == Long && c.SLPct >= 100 {
		return fmt.Errorf("sl pct (%v) must be < 100 for LONG", c.SLPct)
	}
	if c.FeeRate < 0 || c.FeeRate >= 0.1 {
		return fmt.Errorf("fee rate (%v) must be within [0, 0.1)", c.FeeRate)
	}
	if c.Martingale {
		if c.LadderSteps <= 0 {
			return fmt.Errorf("ladder steps (%d) must be > 0 when martingale is enabled", c.LadderSteps)
		}
		if c.LadderOffsetPct <= 0 {
			return fmt.Errorf("ladder offset pct (%v) must be > 0", c.LadderOffsetPct)
		}
		if c.Direction == Long && c.LadderOffsetPct*float64(c.LadderSteps) >= 100 {
			return fmt.Errorf("ladder reaches a non-positive price (%d steps × %v%%)", c.LadderSteps, c.LadderOffsetPct)
		}
		for i, r := range c.SizeRatios {
			if r < 0 {
				return fmt.Errorf("size ratio #%d (%v) cannot be negative", i+1, r)
			}
		}
	}
	switch c.LadderOrderType {
	case "", LadderMarket, LadderLimit:
	default:
		return fmt.Errorf("ladder order type must be market or limit (got %q)", c.LadderOrderType)
	}
	return nil
}

// Ratio returns the size ratio for 1-indexed level i, padding with 1.
func (c *StrategyConfig) Ratio(i int) float64 { return RatioAt(c.SizeRatios, i) }

// Config holds all process-level knobs.
type Config struct {
	// Venue
	Exchange string   // paper | bridge | binance
	Symbols  []string // e.g. BTCUSDT,ETHUSDT
	DryRun   bool

	// Strategy template (applied to every symbol)
	Strategy StrategyConfig

	// Loop control
	PollIntervalSec    int
	RestartCooldownSec int

	// Gateway plumbing
	RetryAttempts   int
	RetryBaseMs     int
	RateLimitPerSec float64

	// Venue endpoints/credentials (consumed by the respective gateway)
	BridgeURL        string
	BridgeJWTSecret  string
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool

	// Paper venue
	PaperStartPrice float64
	PaperBalance    float64
	PaperFeed       string // binance | bridge | none: where dry-run prices come from

	// Backtest
	Timeframe      string
	InitialCapital float64

	// Ops
	Port      int
	StateDir  string
	LogLevel  string
	LogPretty bool

	// Notifiers
	SlackWebhook   string
	TelegramToken  string
	TelegramChatID int64
}

// loadConfigFromEnv reads the process env (already hydrated by loadBotEnv())
// and returns a Config with sane defaults if keys are missing.
func loadConfigFromEnv() Config {
	cfg := Config{
		Exchange: strings.ToLower(getEnv("EXCHANGE", "paper")),
		Symbols:  getEnvList("SYMBOLS", []string{"BTCUSDT"}),
		DryRun:   getEnvBool("DRY_RUN", true),

		Strategy: StrategyConfig{
			Direction:       Direction(strings.ToUpper(getEnv("DIRECTION", string(Long)))),
			MarginAmount:    getEnvFloat("MARGIN_AMOUNT", 50),
			Leverage:        getEnvInt("LEVERAGE", 10),
			MarginMode:      MarginMode(strings.ToLower(getEnv("MARGIN_MODE", string(MarginIsolated)))),
			TPPct:           getEnvFloat("TAKE_PROFIT_PCT", 1.0),
			SLPct:           getEnvFloat("STOP_LOSS_PCT", 0),
			Martingale:      getEnvBool("MARTINGALE", true),
			LadderSteps:     getEnvInt("LADDER_STEPS", 4),
			LadderOffsetPct: getEnvFloat("LADDER_OFFSET_PCT", 1.0),
			SizeRatios:      getEnvFloats("SIZE_RATIOS", []float64{1, 1, 1, 1}),
			FeeRate:         getEnvFloat("FEE_RATE", 0.0005),
			LadderOrderType: LadderOrderType(strings.ToLower(getEnv("LADDER_ORDER_TYPE", string(LadderMarket)))),
			AutoRestart:     getEnvBool("AUTO_RESTART", true),
		},

		PollIntervalSec:    getEnvInt("POLL_INTERVAL_SEC", 3),
		RestartCooldownSec: getEnvInt("RESTART_COOLDOWN_SEC", 5),

		RetryAttempts:   getEnvInt("RETRY_ATTEMPTS", 4),
		RetryBaseMs:     getEnvInt("RETRY_BASE_MS", 250),
		RateLimitPerSec: getEnvFloat("RATE_LIMIT_PER_SEC", 8),

		BridgeURL:        getEnv("BRIDGE_URL", ""),
		BridgeJWTSecret:  getEnv("BRIDGE_JWT_SECRET", ""),
		BinanceAPIKey:    getEnv("BINANCE_API_KEY", ""),
		BinanceAPISecret: getEnv("BINANCE_API_SECRET", ""),
		BinanceTestnet:   getEnvBool("BINANCE_TESTNET", false),

		PaperStartPrice: getEnvFloat("PAPER_START_PRICE", 60000),
		PaperBalance:    getEnvFloat("PAPER_BALANCE", 10000),
		PaperFeed:       strings.ToLower(getEnv("PAPER_FEED", "binance")),

		Timeframe:      getEnv("TIMEFRAME", "1h"),
		InitialCapital: getEnvFloat("INITIAL_CAPITAL", 1000),

		Port:      getEnvInt("PORT", 8080),
		StateDir:  getEnv("STATE_DIR", "./state"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),

		SlackWebhook:   getEnv("SLACK_WEBHOOK", ""),
		TelegramToken:  getEnv("TG_TOKEN", ""),
		TelegramChatID: int64(getEnvInt("TG_CHAT_ID", 0)),
	}
	cfg.Strategy.Exchange = cfg.Exchange
	cfg.Strategy.RestartCooldown = cfg.RestartCooldown()
	return cfg
}

// StrategyFor returns the strategy template bound to symbol.
func (c *Config) StrategyFor(symbol string) StrategyConfig {
	sc := c.Strategy
	sc.Symbol = strings.ToUpper(strings.TrimSpace(symbol))
	sc.SizeRatios = append([]float64(nil), c.Strategy.SizeRatios...)
	if c.DryRun {
		sc.Exchange = "paper"
	}
	return sc
}

// PollInterval clamps the poll cadence to >= 1s.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSec <= 0 {
		return time.Second
	}
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *Config) RestartCooldown() time.Duration {
	if c.RestartCooldownSec < 0 {
		return 0
	}
	return time.Duration(c.RestartCooldownSec) * time.Second
}
