// FILE: gateway_registry.go
// Package main – Explicit gateway registry owned by the caller.
//
// main.go builds one registry and hands it to the Supervisor. Gateways are
// constructed lazily by exchange id and cached; each live worker gets its own
// RetryGateway on top of the shared client so throttling stays per symbol.
package main

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// GatewayFactory builds the raw client for an exchange id.
type GatewayFactory func(exchange string) (Gateway, error)

// GatewayRegistry caches gateways by exchange id.
type GatewayRegistry struct {
	mu        sync.Mutex
	factories map[string]GatewayFactory
	cache     map[string]Gateway
	perSec    float64
	policy    RetryPolicy
}

func NewGatewayRegistry(perSec float64, policy RetryPolicy) *GatewayRegistry {
	return &GatewayRegistry{
		factories: map[string]GatewayFactory{},
		cache:     map[string]Gateway{},
		perSec:    perSec,
		policy:    policy,
	}
}

// newRegistryFromConfig wires the built-in venues.
func newRegistryFromConfig(cfg Config) *GatewayRegistry {
	r := NewGatewayRegistry(cfg.RateLimitPerSec, RetryPolicy{
		Attempts: cfg.RetryAttempts,
		Base:     time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		Max:      5 * time.Second,
	})
	r.Register("paper", func(string) (Gateway, error) {
		pg := NewPaperGateway(cfg.PaperStartPrice, cfg.Strategy.FeeRate)
		switch cfg.PaperFeed {
		case "binance":
			// Public market data; no keys needed for tickers.
			pg.SetFeed(NewBinanceGateway("", "", cfg.BinanceTestnet))
		case "bridge":
			if cfg.BridgeURL == "" {
				return nil, fmt.Errorf("paper: PAPER_FEED=bridge needs BRIDGE_URL")
			}
			pg.SetFeed(NewBridgeGateway(cfg.BridgeURL, "bridge", cfg.BridgeJWTSecret))
		case "", "none":
		default:
			return nil, fmt.Errorf("paper: unknown PAPER_FEED %q", cfg.PaperFeed)
		}
		return pg, nil
	})
	r.Register("binance", func(string) (Gateway, error) {
		if cfg.BinanceAPIKey == "" || cfg.BinanceAPISecret == "" {
			return nil, fmt.Errorf("binance: BINANCE_API_KEY/BINANCE_API_SECRET are required")
		}
		return NewBinanceGateway(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet), nil
	})
	bridge := func(ex string) (Gateway, error) {
		if cfg.BridgeURL == "" {
			return nil, fmt.Errorf("%s: BRIDGE_URL is required", ex)
		}
		return NewBridgeGateway(cfg.BridgeURL, ex, cfg.BridgeJWTSecret), nil
	}
	for _, ex := range []string{"bridge", "okx", "bybit", "bitget", "gate"} {
		r.Register(ex, bridge)
	}
	return r
}

// Register installs (or replaces) the factory for exchange.
func (r *GatewayRegistry) Register(exchange string, f GatewayFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(exchange)] = f
	delete(r.cache, strings.ToLower(exchange))
}

// Put installs an already-built gateway (tests, embedding).
func (r *GatewayRegistry) Put(exchange string, g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[strings.ToLower(exchange)] = g
}

// Get returns the cached gateway for exchange, building it on first use.
func (r *GatewayRegistry) Get(exchange string) (Gateway, error) {
	key := strings.ToLower(strings.TrimSpace(exchange))
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.cache[key]; ok {
		return g, nil
	}
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q", exchange)
	}
	g, err := f(key)
	if err != nil {
		return nil, err
	}
	r.cache[key] = g
	return g, nil
}

// ForWorker returns the shared gateway behind a per-worker retry decorator.
func (r *GatewayRegistry) ForWorker(exchange string) (Gateway, error) {
	g, err := r.Get(exchange)
	if err != nil {
		return nil, err
	}
	return NewRetryGateway(g, r.perSec, r.policy), nil
}
